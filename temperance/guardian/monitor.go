package guardian

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
)

// maxParallelSamples bounds how many processes the aggregate monitor samples at once.
const maxParallelSamples = 8

// A monitor runs the checks for a single job invocation.
type monitor struct {
	config    Config
	job       Job
	sampler   Sampler
	scanner   Scanner
	escalator *Escalator
	log       Logger
	pid       int
}

// runProcess checks this process' memory every interval until it breaches or ctx is done.
func (m *monitor) runProcess(ctx context.Context) error {
	return m.loop(ctx, m.config.Interval, m.checkProcess)
}

// runAggregate checks the total memory of all workers every interval until it breaches or ctx is done.
func (m *monitor) runAggregate(ctx context.Context) error {
	return m.loop(ctx, m.config.AggregateInterval, m.checkAggregate)
}

func (m *monitor) loop(ctx context.Context, interval time.Duration, check func(context.Context) (bool, error)) error {
	for {
		if breached, err := check(ctx); err != nil || breached {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}

func (m *monitor) checkProcess(ctx context.Context) (bool, error) {
	sample, err := m.sampler.Sample(ctx, 0)
	if err != nil {
		return false, err
	}
	residentMemory.WithLabelValues(PerProcess.String()).Set(float64(sample.ResidentKB))
	if m.config.Verbose {
		m.log.Info("worker (pid: %d) using %d KB.", m.pid, sample.ResidentKB)
	}
	if !Exceeds(sample.ResidentKB, m.config.MemLimitKB) {
		return false, nil
	}
	return true, m.breach(BreachEvent{
		Scope:      PerProcess,
		ObservedKB: sample.ResidentKB,
		LimitKB:    m.config.MemLimitKB,
		PID:        m.pid,
		Job:        m.job.Descriptor(),
	})
}

func (m *monitor) checkAggregate(ctx context.Context) (bool, error) {
	pids, err := m.scanner.DiscoverWorkerPIDs(ctx)
	if err != nil {
		return false, err
	}
	agg, err := SampleAll(ctx, m.sampler, pids)
	if err != nil {
		return false, err
	}
	residentMemory.WithLabelValues(Aggregate.String()).Set(float64(agg.TotalKB))
	if !Exceeds(agg.TotalKB, m.config.AggMemLimitKB) {
		return false, nil
	}
	return true, m.breach(BreachEvent{
		Scope:      Aggregate,
		ObservedKB: agg.TotalKB,
		LimitKB:    m.config.AggMemLimitKB,
		PID:        m.pid,
		PIDs:       agg.PIDs,
		Job:        m.job.Descriptor(),
	})
}

// SampleAll samples every given process and sums their resident memory.
// Processes that have exited since they were discovered contribute nothing.
func SampleAll(ctx context.Context, sampler Sampler, pids PIDSet) (AggregateSample, error) {
	var total uint64
	var g errgroup.Group
	g.SetLimit(maxParallelSamples)
	for pid := range pids {
		pid := pid
		g.Go(func() error {
			return recoverFrom(func() error {
				sample, err := sampler.Sample(ctx, pid)
				if errors.Is(err, ErrSampleUnavailable) {
					return nil
				} else if err != nil {
					return err
				}
				atomic.AddUint64(&total, sample.ResidentKB)
				return nil
			})
		})
	}
	if err := g.Wait(); err != nil {
		return AggregateSample{}, err
	}
	return AggregateSample{PIDs: pids, TotalKB: total}, nil
}

// breach logs and reports a breach and escalates if configured to.
// The alert sink may block, so it is called after the log line.
func (m *monitor) breach(event BreachEvent) error {
	msg := event.Message()
	breaches.WithLabelValues(event.Scope.String()).Inc()
	m.log.Warning("%s (%s > %s)", msg, humanize.IBytes(event.ObservedKB*1024), humanize.IBytes(event.LimitKB*1024))
	if sink, ok := m.job.(AlertSink); ok {
		sink.CallbackForAlert(msg)
	}
	if !m.config.Escalate {
		return nil
	}
	_, err := m.escalator.TerminateSelf()
	return err
}
