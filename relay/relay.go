// Package relay mirrors committed flow updates and AI responses from
// the event bus into a RabbitMQ topic exchange for external consumers
// such as analytics and audit pipelines. Delivery matches the bus:
// at most once, and the relay never blocks a bus handler.
package relay

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"arcflow.dev/bus"
	"arcflow.dev/common"
)

const outboundBuffer = 256

// Config wires a Relay.
type Config struct {
	URL      string
	Exchange string
	// Dialer defaults to the production AMQP dialer.
	Dialer Dialer
}

type outbound struct {
	topic   string
	payload []byte
}

// Relay republishes bus envelopes onto a durable topic exchange. The
// routing key is the bus topic with ':' mapped to '.', so consumers
// bind with ordinary AMQP patterns like "flow.update.#".
type Relay struct {
	cfg  Config
	log  *logrus.Entry
	bus  *bus.Bus
	conn Connection
	ch   Channel

	frames  chan outbound
	dropped atomic.Int64
	subs    []interface{ Close() error }

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Relay over the event bus.
func New(eventBus *bus.Bus, cfg Config) *Relay {
	if cfg.Dialer == nil {
		cfg.Dialer = AMQPDialer{}
	}
	if cfg.Exchange == "" {
		cfg.Exchange = "arcflow.events"
	}
	return &Relay{
		cfg:    cfg,
		log:    common.Component("relay"),
		bus:    eventBus,
		frames: make(chan outbound, outboundBuffer),
	}
}

// Start connects to the broker, declares the exchange and begins
// mirroring flow updates and AI responses.
func (r *Relay) Start(ctx context.Context) error {
	conn, err := r.cfg.Dialer.Dial(r.cfg.URL)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return err
	}
	if err := ch.ExchangeDeclare(r.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return err
	}
	r.conn, r.ch = conn, ch

	ctx, r.cancel = context.WithCancel(ctx)
	for _, pattern := range []string{bus.FlowUpdatePattern, bus.AIResponsePattern} {
		sub, err := r.bus.Subscribe(ctx, pattern, r.enqueue)
		if err != nil {
			r.teardown()
			return err
		}
		r.subs = append(r.subs, sub)
	}

	r.wg.Add(1)
	go r.run(ctx)
	r.log.WithField("exchange", r.cfg.Exchange).Info("relay started")
	return nil
}

// enqueue hands an envelope to the publisher goroutine. A full buffer
// drops the envelope and counts it.
func (r *Relay) enqueue(topic string, payload []byte) error {
	select {
	case r.frames <- outbound{topic: topic, payload: payload}:
	default:
		r.dropped.Add(1)
	}
	return nil
}

// Dropped reports how many envelopes were shed under backpressure.
func (r *Relay) Dropped() int64 {
	return r.dropped.Load()
}

func (r *Relay) run(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case out := <-r.frames:
			err := r.ch.Publish(r.cfg.Exchange, routingKey(out.topic), false, false, amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				Timestamp:    time.Now().UTC(),
				Body:         out.payload,
			})
			if err != nil {
				r.dropped.Add(1)
				r.log.WithError(err).WithField("topic", out.topic).Warn("relay publish failed")
			}
		}
	}
}

// Close stops the bus subscriptions, drains the publisher and closes
// the broker connection.
func (r *Relay) Close() error {
	for _, sub := range r.subs {
		_ = sub.Close()
	}
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.teardown()
	return nil
}

func (r *Relay) teardown() {
	if r.ch != nil {
		_ = r.ch.Close()
	}
	if r.conn != nil {
		_ = r.conn.Close()
	}
}

func routingKey(topic string) string {
	return strings.ReplaceAll(topic, ":", ".")
}
