package worker

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/dustin/go-humanize"
)

// RegisterBuiltins registers the built-in job handlers, which are useful for checking
// that workers and their limits are set up correctly.
//   sleep <duration>          sleeps for the given time.
//   allocate <size> [<hold>]  allocates the given amount of memory and holds onto it for a while.
func RegisterBuiltins(r *Registry) {
	r.Register("sleep", sleep)
	r.Register("allocate", allocate)
}

func sleep(ctx context.Context, job *Job) error {
	if len(job.Args) != 1 {
		return fmt.Errorf("sleep takes exactly one argument, got %d", len(job.Args))
	}
	d, err := time.ParseDuration(job.Args[0])
	if err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func allocate(ctx context.Context, job *Job) error {
	if len(job.Args) < 1 || len(job.Args) > 2 {
		return fmt.Errorf("allocate takes one or two arguments, got %d", len(job.Args))
	}
	size, err := humanize.ParseBytes(job.Args[0])
	if err != nil {
		return err
	}
	hold := 10 * time.Second
	if len(job.Args) == 2 {
		if hold, err = time.ParseDuration(job.Args[1]); err != nil {
			return err
		}
	}
	log.Info("Allocating %s for %s", humanize.IBytes(size), hold)
	b := make([]byte, size)
	// Touch every page so it's actually resident.
	pageSize := os.Getpagesize()
	for i := 0; i < len(b); i += pageSize {
		b[i] = 1
	}
	select {
	case <-ctx.Done():
	case <-time.After(hold):
	}
	runtime.KeepAlive(b)
	return ctx.Err()
}
