// Package worker implements a worker that receives jobs from a queue and runs them
// with the guardian watching over its memory usage.
package worker

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/peterebden/go-cli-init/v4/logging"
	"github.com/prometheus/client_golang/prometheus"
	"gocloud.dev/pubsub"

	"github.com/thought-machine/temperance/temperance/alert"
	"github.com/thought-machine/temperance/temperance/guardian"
	"github.com/thought-machine/temperance/temperance/queue"
)

var log = logging.MustGetLogger()

const timeout = 30 * time.Second

// alertTimeout bounds how long a breach alert can hold up escalation.
const alertTimeout = 10 * time.Second

var totalJobs = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "temperance",
	Name:      "jobs_total",
})
var currentJobs = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "temperance",
	Name:      "jobs_current",
})
var failedJobs = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "temperance",
	Name:      "jobs_failed_total",
}, []string{"reason"})
var jobDurations = prometheus.NewHistogram(prometheus.HistogramOpts{
	Namespace: "temperance",
	Name:      "job_durations_secs",
	Buckets:   []float64{1, 2, 5, 10, 20, 50, 200, 500},
})

func init() {
	prometheus.MustRegister(totalJobs)
	prometheus.MustRegister(currentJobs)
	prometheus.MustRegister(failedJobs)
	prometheus.MustRegister(jobDurations)
}

// An Attacher attaches monitors to a job before it runs.
// It is satisfied by *guardian.Supervisor.
type Attacher interface {
	Attach(ctx context.Context, job guardian.Job) <-chan struct{}
}

// RunForever runs the worker, receiving jobs until terminated.
func RunForever(requestQueue string, registry *Registry, attacher Attacher, alerts alert.Sink) {
	if err := runForever(requestQueue, registry, attacher, alerts); err != nil {
		log.Fatalf("Failed to run: %s", err)
	}
}

func runForever(requestQueue string, registry *Registry, attacher Attacher, alerts alert.Sink) error {
	w := &worker{
		requests: queue.MustOpenSubscription(requestQueue),
		registry: registry,
		guardian: attacher,
		alerts:   alerts,
	}
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGHUP, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGABRT, syscall.SIGTERM)
	go func() {
		log.Warning("Received signal %s, shutting down when ready...", <-ch)
		cancel()
		log.Fatalf("Received another signal %s, shutting down immediately", <-ch)
	}()
	for {
		if err := w.RunTask(ctx); err != nil {
			if ctx.Err() != nil {
				log.Notice("Shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
				defer cancel()
				return queue.Shutdown(shutdownCtx)
			}
			// If we get an error back here, we have failed to communicate with our queue,
			// so we are basically doomed and should stop.
			return fmt.Errorf("Failed to run task: %s", err)
		}
	}
}

type worker struct {
	requests *pubsub.Subscription
	registry *Registry
	guardian Attacher
	alerts   alert.Sink
}

// RunTask runs a single task.
// Note that it only returns errors for reasons this service controls (i.e. queue comms),
// failures of the job itself are logged and counted.
func (w *worker) RunTask(ctx context.Context) error {
	log.Notice("Waiting for next job...")
	msg, err := w.requests.Receive(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Error("Error receiving message: %s", err)
		}
		return err
	}
	// Jobs are not retried; if we die running it then it is gone.
	msg.Ack()
	w.runTask(msg.Body)
	return nil
}

// runTask decodes and runs a single job.
func (w *worker) runTask(msg []byte) {
	totalJobs.Inc()
	currentJobs.Inc()
	defer currentJobs.Dec()
	job, err := decodeJob(msg)
	if err != nil {
		log.Error("Bad request: %s", err)
		failedJobs.WithLabelValues("bad_request").Inc()
		return
	}
	reg, present := w.registry.lookup(job.Name)
	if !present {
		log.Error("No handler registered for job %s (%s)", job.Name, job.ID)
		failedJobs.WithLabelValues("unknown_job").Inc()
		return
	}
	// The monitors live exactly as long as the job does.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.guardian.Attach(ctx, &jobContext{job: job, alerts: w.alerts, overrides: reg.overrides})
	log.Notice("Running job %s: %s", job.ID, job.Descriptor())
	start := time.Now()
	err = reg.handler(ctx, job)
	jobDurations.Observe(time.Since(start).Seconds())
	if err != nil {
		log.Warning("Job %s failed: %s", job.ID, err)
		failedJobs.WithLabelValues("error").Inc()
		return
	}
	log.Notice("Completed job %s in %s", job.ID, time.Since(start).Round(time.Millisecond))
}

// A jobContext is what the guardian sees of a running job.
type jobContext struct {
	job       *Job
	alerts    alert.Sink
	overrides []Override
}

func (c *jobContext) Descriptor() string {
	return fmt.Sprintf("%s [%s]", c.job.Descriptor(), c.job.ID)
}

func (c *jobContext) CallbackForAlert(msg string) {
	if c.alerts == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), alertTimeout)
	defer cancel()
	if err := c.alerts.Send(ctx, msg); err != nil {
		log.Warning("Failed to send alert for job %s: %s", c.job.ID, err)
	}
}

func (c *jobContext) CallbackForError(err error) {
	log.Error("Memory monitor for job %s failed: %s", c.job.ID, err)
}

func (c *jobContext) OverrideConfig(config guardian.Config) guardian.Config {
	for _, o := range c.overrides {
		o(&config)
	}
	return config
}
