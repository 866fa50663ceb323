// Package guardian watches the memory used by a worker while it runs a job, and the
// total memory used by all workers on the host, and terminates the worker when
// either exceeds its limit.
package guardian

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"sync"

	"github.com/peterebden/go-cli-init/v4/logging"
	"github.com/prometheus/client_golang/prometheus"
)

var log = logging.MustGetLogger()

var breaches = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "temperance",
	Name:      "breaches_total",
}, []string{"scope"})
var killSignals = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "temperance",
	Name:      "kill_signals_total",
}, []string{"signal"})
var loopFailures = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "temperance",
	Name:      "monitor_failures_total",
})
var residentMemory = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "temperance",
	Name:      "resident_memory_kb",
}, []string{"scope"})

func init() {
	prometheus.MustRegister(breaches)
	prometheus.MustRegister(killSignals)
	prometheus.MustRegister(loopFailures)
	prometheus.MustRegister(residentMemory)
}

// A Logger is the minimal logging interface the guardian needs.
type Logger interface {
	Info(format string, args ...interface{})
	Warning(format string, args ...interface{})
}

// A Job is the job being protected.
type Job interface {
	// Descriptor describes the job for log messages.
	Descriptor() string
}

// AlertSink can optionally be implemented by a Job to receive breach alerts.
type AlertSink interface {
	CallbackForAlert(msg string)
}

// ErrorSink can optionally be implemented by a Job to receive failures of its monitors.
type ErrorSink interface {
	CallbackForError(err error)
}

// ConfigOverrider can optionally be implemented by a Job to adjust the configuration
// used for it.
type ConfigOverrider interface {
	OverrideConfig(Config) Config
}

// A Supervisor attaches monitors to jobs.
// There should be one per process since it owns the process' kill attempt counter.
type Supervisor struct {
	config  Config
	sampler Sampler
	scanner Scanner
	counter *AttemptCounter
	signal  SignalFunc
	log     Logger
}

// An Option customises a Supervisor.
type Option func(*Supervisor)

// WithSampler overrides the sampler used to read process memory.
func WithSampler(sampler Sampler) Option {
	return func(s *Supervisor) { s.sampler = sampler }
}

// WithScanner overrides the scanner used to discover workers.
func WithScanner(scanner Scanner) Option {
	return func(s *Supervisor) { s.scanner = scanner }
}

// WithLogger overrides the logger that breaches are reported to.
func WithLogger(logger Logger) Option {
	return func(s *Supervisor) { s.log = logger }
}

// WithSignalFunc overrides how signals are delivered.
func WithSignalFunc(signal SignalFunc) Option {
	return func(s *Supervisor) { s.signal = signal }
}

// WithAttemptCounter sets the counter of kill attempts.
func WithAttemptCounter(counter *AttemptCounter) Option {
	return func(s *Supervisor) { s.counter = counter }
}

// New returns a new Supervisor.
func New(config Config, options ...Option) *Supervisor {
	s := &Supervisor{
		config:  config,
		sampler: NewSampler(),
		counter: NewAttemptCounter(),
		log:     log,
	}
	for _, opt := range options {
		opt(s)
	}
	if s.scanner == nil {
		s.scanner = NewProcScanner(regexp.MustCompile(DefaultWorkerPattern))
	}
	return s
}

// Attempts returns the number of times this process has tried to terminate itself.
func (s *Supervisor) Attempts() int {
	return s.counter.Load()
}

// Attach starts monitoring the given job. It must be called before the job starts running.
// The monitors run until one of them detects a breach or ctx is done; the returned channel
// is closed once both have stopped.
// Failures of the monitors are passed to the job if it implements ErrorSink and are
// otherwise discarded; they never affect the job itself.
func (s *Supervisor) Attach(ctx context.Context, job Job) <-chan struct{} {
	config := s.config
	if o, ok := job.(ConfigOverrider); ok {
		config = o.OverrideConfig(config)
	}
	m := &monitor{
		config:    config,
		job:       job,
		sampler:   s.sampler,
		scanner:   s.scanner,
		escalator: NewEscalator(s.counter, config.MaxTermAttempts, s.log, s.signal),
		log:       s.log,
		pid:       os.Getpid(),
	}
	var wg sync.WaitGroup
	wg.Add(2)
	go s.supervise(&wg, job, func() error { return m.runProcess(ctx) })
	go s.supervise(&wg, job, func() error { return m.runAggregate(ctx) })
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	return done
}

// supervise runs a single monitor, catching any failures it has.
func (s *Supervisor) supervise(wg *sync.WaitGroup, job Job, f func() error) {
	defer wg.Done()
	if err := recoverFrom(f); err != nil {
		loopFailures.Inc()
		if sink, ok := job.(ErrorSink); ok {
			sink.CallbackForError(err)
		} else {
			log.Debug("Memory monitor for %s failed: %s", job.Descriptor(), err)
		}
	}
}

// recoverFrom runs f and converts any panic into an error.
func recoverFrom(f func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("Memory monitor panicked: %v", r)
		}
	}()
	return f()
}
