package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/pubsub/mempubsub"

	"github.com/thought-machine/temperance/temperance/alert"
	"github.com/thought-machine/temperance/temperance/guardian"
)

type fakeAttacher struct {
	mutex sync.Mutex
	jobs  []guardian.Job
}

func (f *fakeAttacher) Attach(ctx context.Context, job guardian.Job) <-chan struct{} {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.jobs = append(f.jobs, job)
	ch := make(chan struct{})
	close(ch)
	return ch
}

type fakeSink struct {
	msgs []string
	err  error
}

func (f *fakeSink) Send(ctx context.Context, msg string) error {
	f.msgs = append(f.msgs, msg)
	return f.err
}

func newTestWorker(t *testing.T, registry *Registry, alerts alert.Sink) (*worker, *fakeAttacher, func(*Job)) {
	ctx := context.Background()
	topic := mempubsub.NewTopic()
	t.Cleanup(func() { topic.Shutdown(ctx) })
	sub := mempubsub.NewSubscription(topic, time.Minute)
	t.Cleanup(func() { sub.Shutdown(ctx) })
	attacher := &fakeAttacher{}
	w := &worker{
		requests: sub,
		registry: registry,
		guardian: attacher,
		alerts:   alerts,
	}
	return w, attacher, func(job *Job) {
		require.NoError(t, Enqueue(ctx, topic, job))
	}
}

func TestJobRoundTrip(t *testing.T) {
	job := NewJob("allocate", "100MiB", "5s")
	b, err := job.encode()
	require.NoError(t, err)
	decoded, err := decodeJob(b)
	require.NoError(t, err)
	assert.Equal(t, job.ID, decoded.ID)
	assert.Equal(t, job.Args, decoded.Args)
	assert.True(t, job.Enqueued.Equal(decoded.Enqueued))
	assert.Equal(t, "allocate(100MiB, 5s)", decoded.Descriptor())
}

func TestDecodeBadJob(t *testing.T) {
	_, err := decodeJob([]byte("thirty-five ham and cheese sandwiches"))
	assert.Error(t, err)
	b, _ := (&Job{ID: "1234"}).encode()
	_, err = decodeJob(b)
	assert.Error(t, err)
}

func TestRunTask(t *testing.T) {
	registry := NewRegistry()
	var received *Job
	registry.Register("test", func(ctx context.Context, job *Job) error {
		received = job
		return nil
	}, WithMemLimit(2048))
	w, attacher, send := newTestWorker(t, registry, &fakeSink{})
	job := NewJob("test", "a", "b")
	send(job)
	require.NoError(t, w.RunTask(context.Background()))
	require.NotNil(t, received)
	assert.Equal(t, job.ID, received.ID)
	require.Equal(t, 1, len(attacher.jobs))
	assert.Contains(t, attacher.jobs[0].Descriptor(), "test(a, b)")
	config := attacher.jobs[0].(guardian.ConfigOverrider).OverrideConfig(guardian.Config{MemLimitKB: 1})
	assert.EqualValues(t, 2048, config.MemLimitKB)
}

func TestRunTaskCancelsMonitorsAfterJob(t *testing.T) {
	registry := NewRegistry()
	var jobCtx context.Context
	registry.Register("test", func(ctx context.Context, job *Job) error {
		jobCtx = ctx
		assert.NoError(t, ctx.Err())
		return nil
	})
	w, _, send := newTestWorker(t, registry, nil)
	send(NewJob("test"))
	require.NoError(t, w.RunTask(context.Background()))
	assert.Error(t, jobCtx.Err())
}

func TestRegisterTwiceAttachesOnce(t *testing.T) {
	registry := NewRegistry()
	calls := []string{}
	registry.Register("test", func(ctx context.Context, job *Job) error {
		calls = append(calls, "first")
		return nil
	})
	registry.Register("test", func(ctx context.Context, job *Job) error {
		calls = append(calls, "second")
		return nil
	})
	assert.Equal(t, 1, registry.Len())
	w, attacher, send := newTestWorker(t, registry, nil)
	send(NewJob("test"))
	require.NoError(t, w.RunTask(context.Background()))
	assert.Equal(t, []string{"second"}, calls)
	assert.Equal(t, 1, len(attacher.jobs))
}

func TestRunTaskUnknownJob(t *testing.T) {
	w, attacher, send := newTestWorker(t, NewRegistry(), nil)
	send(NewJob("nope"))
	require.NoError(t, w.RunTask(context.Background()))
	assert.Equal(t, 0, len(attacher.jobs))
}

func TestRunTaskFailedJob(t *testing.T) {
	registry := NewRegistry()
	registry.Register("test", func(ctx context.Context, job *Job) error {
		return errors.New("it broke")
	})
	w, attacher, send := newTestWorker(t, registry, nil)
	send(NewJob("test"))
	assert.NoError(t, w.RunTask(context.Background()), "job failures aren't the worker's failures")
	assert.Equal(t, 1, len(attacher.jobs))
}

func TestRunTaskCancelled(t *testing.T) {
	w, _, _ := newTestWorker(t, NewRegistry(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, w.RunTask(ctx))
}

func TestJobContextAlerts(t *testing.T) {
	sink := &fakeSink{}
	c := &jobContext{job: NewJob("test"), alerts: sink}
	c.CallbackForAlert("too much memory")
	assert.Equal(t, []string{"too much memory"}, sink.msgs)

	sink.err = errors.New("broken")
	c.CallbackForAlert("still too much memory")
	assert.Equal(t, 2, len(sink.msgs))

	c = &jobContext{job: NewJob("test")}
	c.CallbackForAlert("nobody is listening")
	c.CallbackForError(errors.New("monitor broke"))
}

type deadlineSink struct {
	deadline time.Time
	ok       bool
}

func (d *deadlineSink) Send(ctx context.Context, msg string) error {
	d.deadline, d.ok = ctx.Deadline()
	return nil
}

func TestJobContextAlertsAreBounded(t *testing.T) {
	sink := &deadlineSink{}
	c := &jobContext{job: NewJob("test"), alerts: sink}
	c.CallbackForAlert("too much memory")
	require.True(t, sink.ok)
	assert.WithinDuration(t, time.Now().Add(alertTimeout), sink.deadline, alertTimeout)
	assert.True(t, time.Until(sink.deadline) <= alertTimeout)
}

func TestBuiltins(t *testing.T) {
	registry := NewRegistry()
	RegisterBuiltins(registry)
	assert.Equal(t, 2, registry.Len())
	ctx := context.Background()
	assert.NoError(t, sleep(ctx, NewJob("sleep", "1ms")))
	assert.Error(t, sleep(ctx, NewJob("sleep")))
	assert.Error(t, sleep(ctx, NewJob("sleep", "forever")))
	assert.NoError(t, allocate(ctx, NewJob("allocate", "1MiB", "1ms")))
	assert.Error(t, allocate(ctx, NewJob("allocate", "lots")))
	assert.Error(t, allocate(ctx, NewJob("allocate")))
}

func TestRegistryOverrides(t *testing.T) {
	registry := NewRegistry()
	registry.Override("test", WithVerbose())
	registry.Register("test", func(ctx context.Context, job *Job) error { return nil }, WithMemLimit(100))
	registry.Override("test", WithMemLimit(200))
	reg, present := registry.lookup("test")
	require.True(t, present)
	c := &jobContext{job: NewJob("test"), overrides: reg.overrides}
	config := c.OverrideConfig(guardian.Config{MemLimitKB: 1})
	assert.EqualValues(t, 200, config.MemLimitKB, "later overrides win")
	assert.True(t, config.Verbose)
}
