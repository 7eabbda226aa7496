/*
Package notify publishes settlement events to downstream services.

PURPOSE:
  Escrow releases, refunds and project closes are announced on a RabbitMQ
  topic exchange after the ledger commits. When no broker is configured
  the events are only logged.

ROUTING:
  exchange:     configured (default "ledger.events")
  routing key:  event type ("escrow.released", "project.closed", ...)
  body:         finance.Event as JSON
*/
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/warp/ledger-engine/finance"
)

// Publisher sends one message to an exchange.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body any) error
	Close() error
}

// =============================================================================
// AMQP
// =============================================================================

type AMQPPublisher struct {
	conn *amqp.Connection

	mu       sync.Mutex
	channel  *amqp.Channel
	declared map[string]bool
}

func sanitizeURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	u, err := url.Parse(clean)
	if err != nil {
		return "", fmt.Errorf("invalid AMQP url: %w", err)
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP url must start with amqp:// or amqps://")
	}
	return clean, nil
}

// DialAMQP connects to the broker at rawURL.
func DialAMQP(rawURL string, timeout time.Duration) (*AMQPPublisher, error) {
	clean, err := sanitizeURL(rawURL)
	if err != nil {
		return nil, err
	}
	conn, err := amqp.DialConfig(clean, amqp.Config{Dial: amqp.DefaultDial(timeout)})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	return &AMQPPublisher{conn: conn, channel: ch, declared: make(map[string]bool)}, nil
}

// Publish declares exchange as a durable topic exchange on first use and
// publishes body as persistent JSON.
func (p *AMQPPublisher) Publish(ctx context.Context, exchange, routingKey string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel == nil {
		return errors.New("amqp channel is closed")
	}
	if !p.declared[exchange] {
		if err := p.channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
		}
		p.declared[exchange] = true
	}
	return p.channel.PublishWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         payload,
	})
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	if p.channel != nil {
		errs = append(errs, p.channel.Close())
		p.channel = nil
	}
	if p.conn != nil {
		errs = append(errs, p.conn.Close())
		p.conn = nil
	}
	return errors.Join(errs...)
}

// =============================================================================
// LOG FALLBACK
// =============================================================================

// LogPublisher stands in for the broker when none is configured.
type LogPublisher struct {
	Log zerolog.Logger
}

func (p LogPublisher) Publish(_ context.Context, exchange, routingKey string, body any) error {
	p.Log.Info().Str("exchange", exchange).Str("routing_key", routingKey).Interface("body", body).Msg("event (no broker)")
	return nil
}

func (LogPublisher) Close() error { return nil }

// =============================================================================
// FINANCE ADAPTER
// =============================================================================

// Notifier adapts a Publisher to finance.Notifier.
type Notifier struct {
	publisher Publisher
	exchange  string
}

func NewNotifier(p Publisher, exchange string) *Notifier {
	return &Notifier{publisher: p, exchange: exchange}
}

func (n *Notifier) Notify(ctx context.Context, ev finance.Event) error {
	return n.publisher.Publish(ctx, n.exchange, string(ev.Type), ev)
}

var _ finance.Notifier = (*Notifier)(nil)
