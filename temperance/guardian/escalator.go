package guardian

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

const (
	gracefulSignal = "SIGTERM"
	killSignal     = "SIGKILL"
)

// An AttemptCounter counts how many times this process has been asked to die.
// There should be exactly one per process; it is never reset.
type AttemptCounter struct {
	n int64
}

// NewAttemptCounter returns a new counter, starting at zero.
func NewAttemptCounter() *AttemptCounter {
	return &AttemptCounter{}
}

// Next increments the counter and returns the new value.
func (c *AttemptCounter) Next() int {
	return int(atomic.AddInt64(&c.n, 1))
}

// Load returns the current value of the counter.
func (c *AttemptCounter) Load() int {
	return int(atomic.LoadInt64(&c.n))
}

// A SignalFunc delivers a signal to a process.
type SignalFunc func(pid int, sig unix.Signal) error

// An Escalator terminates the current process with increasingly severe signals.
type Escalator struct {
	counter *AttemptCounter
	maxTerm int
	started time.Time
	pid     int
	signal  SignalFunc
	log     Logger
}

// NewEscalator returns a new Escalator. The attempt counter is shared with
// every other escalator in the process.
func NewEscalator(counter *AttemptCounter, maxTerm int, logger Logger, signal SignalFunc) *Escalator {
	if signal == nil {
		signal = unix.Kill
	}
	return &Escalator{
		counter: counter,
		maxTerm: maxTerm,
		started: time.Now(),
		pid:     os.Getpid(),
		signal:  signal,
		log:     logger,
	}
}

// TerminateSelf signals this process to terminate. While the number of attempts so far is
// within the configured maximum it sends SIGTERM, after that it sends SIGKILL.
// It returns the name of the signal it sent.
func (e *Escalator) TerminateSelf() (string, error) {
	elapsed := time.Since(e.started)
	attempt := e.counter.Next()
	name := signalFor(attempt, e.maxTerm)
	e.log.Warning("Sending %s to worker (pid: %d) after %0.1fs of monitoring, attempt %d", name, e.pid, elapsed.Seconds(), attempt)
	killSignals.WithLabelValues(name).Inc()
	if err := e.signal(e.pid, unix.SignalNum(name)); err != nil {
		return name, fmt.Errorf("Failed to send %s to pid %d: %w", name, e.pid, err)
	}
	return name, nil
}

// signalFor returns the name of the signal to send on the given attempt.
func signalFor(attempt, maxTerm int) string {
	if attempt > maxTerm {
		return killSignal
	}
	return gracefulSignal
}
