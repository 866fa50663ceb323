// Package alert implements destinations for breach alerts raised by the guardian.
package alert

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/peterebden/go-cli-init/v4/logging"
	"github.com/prometheus/client_golang/prometheus"
	"gocloud.dev/pubsub"
)

var log = logging.MustGetLogger()

var alertsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "temperance",
	Name:      "alerts_sent_total",
}, []string{"sink"})
var alertFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "temperance",
	Name:      "alert_failures_total",
}, []string{"sink"})

func init() {
	prometheus.MustRegister(alertsSent)
	prometheus.MustRegister(alertFailures)
}

// A Sink is somewhere that alerts can be sent to.
type Sink interface {
	Send(ctx context.Context, msg string) error
}

// NewTopicSink returns a sink that publishes alerts onto a pub/sub topic.
func NewTopicSink(topic *pubsub.Topic) Sink {
	return &topicSink{topic: topic}
}

type topicSink struct {
	topic *pubsub.Topic
}

func (t *topicSink) Send(ctx context.Context, msg string) error {
	return t.topic.Send(ctx, &pubsub.Message{
		Body:     []byte(msg),
		Metadata: map[string]string{"source": "temperance"},
	})
}

// NewWebhookSink returns a sink that POSTs alerts to the given URL as plain text.
func NewWebhookSink(url string) Sink {
	client := retryablehttp.NewClient()
	client.HTTPClient.Timeout = 30 * time.Second
	client.RetryMax = 3
	client.Logger = logger{}
	return &webhookSink{url: url, client: client}
}

type webhookSink struct {
	url    string
	client *retryablehttp.Client
}

func (w *webhookSink) Send(ctx context.Context, msg string) error {
	req, err := retryablehttp.NewRequest(http.MethodPost, w.url, bytes.NewReader([]byte(msg)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	resp, err := w.client.Do(req.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("Error sending alert: %s", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("Alert webhook returned %s", resp.Status)
	}
	return nil
}

// A Multi sends alerts to all of its sinks. It is fine for it to be empty.
type Multi map[string]Sink

// Send sends the alert to every sink, returning an error if any of them fail.
func (m Multi) Send(ctx context.Context, msg string) error {
	var g multierror.Group
	for name, sink := range m {
		name, sink := name, sink
		g.Go(func() error {
			if err := sink.Send(ctx, msg); err != nil {
				alertFailures.WithLabelValues(name).Inc()
				return fmt.Errorf("Failed to send alert to %s: %w", name, err)
			}
			alertsSent.WithLabelValues(name).Inc()
			return nil
		})
	}
	return g.Wait().ErrorOrNil()
}

// A logger implements the retryablehttp.Logger interface
type logger struct{}

func (l logger) Printf(msg string, args ...interface{}) {
	log.Debug(msg, args...)
}
