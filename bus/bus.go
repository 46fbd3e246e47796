// Package bus is the typed event fabric between the gateway, the flow
// manager, the collaboration coordinator and AI workers. It layers JSON
// envelopes over raw key-value pub/sub channels. Delivery is
// at-most-once with per-topic FIFO from a single publisher; consumers
// that miss a message see a client-visible retry, never inconsistency.
package bus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"arcflow.dev/common"
	"arcflow.dev/kv"
)

// Channel name builders for the closed set of topics.
func AIRequestTopic(requestID string) string  { return "ai:request:" + requestID }
func AIResponseTopic(requestID string) string { return "ai:response:" + requestID }
func FlowUpdateTopic(flowID string) string    { return "flow:update:" + flowID }
func FlowGhostTopic(projectID string) string  { return "flow:ghost:" + projectID }

// Wildcard patterns for the same topics.
const (
	AIRequestPattern     = "ai:request:*"
	AIResponsePattern    = "ai:response:*"
	FlowUpdatePattern    = "flow:update:*"
	FlowGhostPattern     = "flow:ghost:*"
	CollaborationPattern = "collaboration:*"
)

// Envelope frames every payload on the wire.
type Envelope struct {
	Topic       string          `json:"topic"`
	Payload     json.RawMessage `json:"payload"`
	PublishedAt time.Time       `json:"publishedAt"`
}

// Handler consumes one event. Returned errors are logged and dropped;
// a failing handler never stops delivery.
type Handler func(topic string, payload []byte) error

// Bus publishes and subscribes typed events.
type Bus struct {
	store *kv.Store
	log   *logrus.Entry

	mu   sync.Mutex
	subs []*kv.Subscription
}

// New creates a Bus over the shared store.
func New(store *kv.Store) *Bus {
	return &Bus{
		store: store,
		log:   common.Component("bus"),
	}
}

// Publish serializes payload into an envelope and sends it on topic.
func (b *Bus) Publish(ctx context.Context, topic string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	env := Envelope{
		Topic:       topic,
		Payload:     raw,
		PublishedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return b.store.Publish(ctx, topic, data)
}

// Subscribe delivers events matching pattern (wildcards allowed) to
// handler. The returned subscription must be closed by the caller;
// Close on the bus closes all of them.
func (b *Bus) Subscribe(ctx context.Context, pattern string, handler Handler) (*kv.Subscription, error) {
	sub, err := b.store.Subscribe(ctx, pattern, func(channel string, data []byte) {
		payload := data
		var env Envelope
		if err := json.Unmarshal(data, &env); err == nil && env.Topic != "" {
			payload = env.Payload
		}
		if err := handler(channel, payload); err != nil {
			b.log.WithError(err).WithField("topic", channel).Warn("event handler failed")
		}
	})
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub, nil
}

// Close terminates every subscription opened through this bus.
func (b *Bus) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	var firstErr error
	for _, sub := range subs {
		if err := sub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
