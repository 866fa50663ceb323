// Package queue opens the pub/sub topics and subscriptions used to send jobs to workers.
package queue

import (
	"context"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/peterebden/go-cli-init/v4/logging"
	"gocloud.dev/pubsub"

	// Must import the schemes we want to use.
	_ "gocloud.dev/pubsub/gcppubsub"
	_ "gocloud.dev/pubsub/mempubsub"
)

var log = logging.MustGetLogger()

// For hacking around the fact that mempubsub doesn't allow reopening the same subscription (each call creates a new one)
// In production use this makes no real difference since we never open more than one per process.
var subscriptions = map[string]*pubsub.Subscription{}
var topics = map[string]*pubsub.Topic{}
var mutex sync.Mutex

// MustOpenSubscription opens a subscription, which must have been created ahead of time.
// It dies on any errors.
func MustOpenSubscription(url string) *pubsub.Subscription {
	s, err := OpenSubscription(url)
	if err != nil {
		log.Fatalf("Failed to open subscription %s: %s", url, err)
	}
	return s
}

// OpenSubscription opens a subscription, or returns the existing one if it's already open.
func OpenSubscription(url string) (*pubsub.Subscription, error) {
	mutex.Lock()
	defer mutex.Unlock()
	if sub, present := subscriptions[url]; present {
		log.Debug("Re-opened existing subscription to %s", url)
		return sub, nil
	}
	s, err := pubsub.OpenSubscription(context.Background(), url)
	if err != nil {
		return nil, err
	}
	log.Debug("Opened subscription to %s", url)
	subscriptions[url] = s
	return s, nil
}

// MustOpenTopic opens a topic, which must have been created ahead of time.
func MustOpenTopic(url string) *pubsub.Topic {
	t, err := OpenTopic(url)
	if err != nil {
		log.Fatalf("Failed to open topic %s: %s", url, err)
	}
	return t
}

// OpenTopic opens a topic, or returns the existing one if it's already open.
func OpenTopic(url string) (*pubsub.Topic, error) {
	mutex.Lock()
	defer mutex.Unlock()
	if t, present := topics[url]; present {
		return t, nil
	}
	t, err := pubsub.OpenTopic(context.Background(), url)
	if err != nil {
		return nil, err
	}
	log.Debug("Opened topic %s", url)
	topics[url] = t
	return t, nil
}

// Shutdown shuts down all open topics and subscriptions.
func Shutdown(ctx context.Context) error {
	mutex.Lock()
	defer mutex.Unlock()
	var merr *multierror.Error
	for url, s := range subscriptions {
		if err := s.Shutdown(ctx); err != nil {
			merr = multierror.Append(merr, err)
		}
		delete(subscriptions, url)
	}
	for url, t := range topics {
		if err := t.Shutdown(ctx); err != nil {
			merr = multierror.Append(merr, err)
		}
		delete(topics, url)
	}
	return merr.ErrorOrNil()
}
