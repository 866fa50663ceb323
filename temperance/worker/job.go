package worker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v4"
	"gocloud.dev/pubsub"
)

// A Job is a single unit of work sent to a worker.
type Job struct {
	ID       string    `msgpack:"id"`
	Name     string    `msgpack:"name"`
	Args     []string  `msgpack:"args"`
	Enqueued time.Time `msgpack:"enqueued"`
}

// NewJob returns a new job with the given name & arguments.
func NewJob(name string, args ...string) *Job {
	return &Job{
		ID:       uuid.NewString(),
		Name:     name,
		Args:     args,
		Enqueued: time.Now().UTC(),
	}
}

// Descriptor returns a short description of the job for log messages.
func (j *Job) Descriptor() string {
	return fmt.Sprintf("%s(%s)", j.Name, strings.Join(j.Args, ", "))
}

func (j *Job) encode() ([]byte, error) {
	return msgpack.Marshal(j)
}

func decodeJob(b []byte) (*Job, error) {
	job := &Job{}
	if err := msgpack.Unmarshal(b, job); err != nil {
		return nil, fmt.Errorf("Badly serialised job: %w", err)
	} else if job.Name == "" {
		return nil, fmt.Errorf("Job %s has no name", job.ID)
	}
	return job, nil
}

// Enqueue sends a job to the given topic.
func Enqueue(ctx context.Context, topic *pubsub.Topic, job *Job) error {
	b, err := job.encode()
	if err != nil {
		return err
	}
	return topic.Send(ctx, &pubsub.Message{
		Body:     b,
		Metadata: map[string]string{"job": job.Name},
	})
}
