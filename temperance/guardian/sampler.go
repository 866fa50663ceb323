package guardian

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// ErrSampleUnavailable is returned when the process to be sampled no longer exists.
var ErrSampleUnavailable = errors.New("process not available")

// A Sampler reads the resident memory of a process.
type Sampler interface {
	// Sample samples the given process, or the calling process if pid is 0.
	Sample(ctx context.Context, pid int) (SampleResult, error)
}

// NewSampler returns a Sampler that reads from the OS process table.
func NewSampler() Sampler {
	return processSampler{}
}

type processSampler struct{}

func (processSampler) Sample(ctx context.Context, pid int) (SampleResult, error) {
	if pid == 0 {
		pid = os.Getpid()
	}
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return SampleResult{}, sampleError(pid, err)
	}
	info, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return SampleResult{}, sampleError(pid, err)
	}
	return SampleResult{
		PID:        pid,
		ResidentKB: info.RSS / 1024,
		Taken:      time.Now(),
	}, nil
}

func sampleError(pid int, err error) error {
	if errors.Is(err, process.ErrorProcessNotRunning) || errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("Failed to sample pid %d: %w", pid, ErrSampleUnavailable)
	}
	return fmt.Errorf("Failed to sample pid %d: %w", pid, err)
}
