package alert

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/pubsub/mempubsub"
)

type fakeSink struct {
	mutex sync.Mutex
	msgs  []string
	err   error
}

func (f *fakeSink) Send(ctx context.Context, msg string) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.msgs = append(f.msgs, msg)
	return f.err
}

func TestMulti(t *testing.T) {
	a := &fakeSink{}
	b := &fakeSink{}
	m := Multi{"a": a, "b": b}
	assert.NoError(t, m.Send(context.Background(), "too much memory"))
	assert.Equal(t, []string{"too much memory"}, a.msgs)
	assert.Equal(t, []string{"too much memory"}, b.msgs)
}

func TestMultiFailure(t *testing.T) {
	a := &fakeSink{err: errors.New("broken")}
	b := &fakeSink{}
	m := Multi{"a": a, "b": b}
	err := m.Send(context.Background(), "too much memory")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "Failed to send alert to a")
	assert.Equal(t, []string{"too much memory"}, b.msgs, "other sinks still receive the alert")
}

func TestMultiEmpty(t *testing.T) {
	assert.NoError(t, Multi{}.Send(context.Background(), "nobody is listening"))
}

func TestWebhook(t *testing.T) {
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		b, _ := io.ReadAll(r.Body)
		body = string(b)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()
	require.NoError(t, NewWebhookSink(srv.URL).Send(context.Background(), "too much memory"))
	assert.Equal(t, "too much memory", body)
}

func TestWebhookRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()
	assert.Error(t, NewWebhookSink(srv.URL).Send(context.Background(), "too much memory"))
}

func TestTopic(t *testing.T) {
	ctx := context.Background()
	topic := mempubsub.NewTopic()
	defer topic.Shutdown(ctx)
	sub := mempubsub.NewSubscription(topic, time.Minute)
	defer sub.Shutdown(ctx)
	require.NoError(t, NewTopicSink(topic).Send(ctx, "too much memory"))
	msg, err := sub.Receive(ctx)
	require.NoError(t, err)
	msg.Ack()
	assert.Equal(t, "too much memory", string(msg.Body))
	assert.Equal(t, "temperance", msg.Metadata["source"])
}
