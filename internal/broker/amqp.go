// ABOUTME: AMQP fan-out of conversation change events to a RabbitMQ topic exchange
// ABOUTME: Publish is non-blocking; a background loop drains a bounded queue to the broker

package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/2389/switchboard/internal/conversation"
)

const (
	// DefaultExchange is the topic exchange events are published to.
	DefaultExchange = "switchboard.events"

	queueSize      = 256
	publishTimeout = 5 * time.Second
)

// channel is the subset of *amqp.Channel the publisher uses.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher implements conversation.Notifier over AMQP.
type Publisher struct {
	ch       channel
	conn     io.Closer
	exchange string
	logger   *slog.Logger

	mu     sync.Mutex
	closed bool
	queue  chan *conversation.Event
	wg     sync.WaitGroup
}

var _ conversation.Notifier = (*Publisher)(nil)

// Dial connects to url, declares exchange as a durable topic exchange and
// starts the publish loop.
func Dial(url, exchange string, logger *slog.Logger) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connecting to broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening broker channel: %w", err)
	}
	p, err := newPublisher(ch, conn, exchange, logger)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	return p, nil
}

func newPublisher(ch channel, conn io.Closer, exchange string, logger *slog.Logger) (*Publisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if exchange == "" {
		exchange = DefaultExchange
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declaring exchange %s: %w", exchange, err)
	}

	p := &Publisher{
		ch:       ch,
		conn:     conn,
		exchange: exchange,
		logger:   logger.With("component", "broker", "exchange", exchange),
		queue:    make(chan *conversation.Event, queueSize),
	}
	p.wg.Go(p.run)
	return p, nil
}

// RoutingKey returns the topic key for an event, e.g. conversation.mode-update.
func RoutingKey(event *conversation.Event) string {
	return "conversation." + string(event.Type)
}

// Publish queues event for delivery. Events are dropped when the queue is
// full or the publisher is closed.
func (p *Publisher) Publish(event *conversation.Event) {
	if event == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.queue <- event:
	default:
		p.logger.Warn("broker queue full, dropping event", "type", event.Type, "phone_key", event.PhoneKey)
	}
}

func (p *Publisher) run() {
	for event := range p.queue {
		if err := p.send(event); err != nil {
			p.logger.Error("publishing event failed",
				"type", event.Type,
				"phone_key", event.PhoneKey,
				"error", err)
		}
	}
}

func (p *Publisher) send(event *conversation.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	return p.ch.PublishWithContext(ctx, p.exchange, RoutingKey(event), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Type:         string(event.Type),
		Body:         body,
	})
}

// Close drains queued events, then closes the channel and connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()

	var errs []error
	if err := p.ch.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing channel: %w", err))
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing connection: %w", err))
		}
	}
	return errors.Join(errs...)
}
