// Package amqp publishes entitle engine events to a RabbitMQ topic exchange.
//
// Each event is sent as a JSON body with a routing key of the form
// "entitle.<org>.<env>.<event>", so consumers can bind per tenant or per
// event type.
package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/event"
	"github.com/xraph/entitle/plugin"
)

// Compile-time interface checks.
var (
	_ plugin.Plugin                        = (*Publisher)(nil)
	_ plugin.OnShutdown                    = (*Publisher)(nil)
	_ plugin.OnBalanceChanged              = (*Publisher)(nil)
	_ plugin.OnCacheConsistencyCheckFailed = (*Publisher)(nil)
	_ plugin.OnPlanExecuted                = (*Publisher)(nil)
	_ plugin.OnReconciliationPending       = (*Publisher)(nil)
)

// Routing key suffixes.
const (
	KeyBalanceChanged        = "balance.changed"
	KeyCacheMismatch         = "cache.mismatch"
	KeyPlanExecuted          = "billing_plan.executed"
	KeyReconciliationPending = "reconciliation.pending"
)

// DefaultExchange is the topic exchange events are published to.
const DefaultExchange = "entitle.events"

// Channel is the subset of *amqp091.Channel the publisher uses.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

// Publisher is a plugin that forwards engine events to RabbitMQ.
type Publisher struct {
	conn     *amqp091.Connection
	exchange string
	logger   *slog.Logger

	mu       sync.Mutex
	ch       Channel
	declared bool
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithExchange overrides DefaultExchange.
func WithExchange(name string) Option {
	return func(p *Publisher) { p.exchange = name }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) { p.logger = logger }
}

// Dial connects to the broker at url and opens a channel.
func Dial(url string, opts ...Option) (*Publisher, error) {
	if !strings.HasPrefix(url, "amqp://") && !strings.HasPrefix(url, "amqps://") {
		return nil, entitle.ValidationError{Field: "amqp_url", Message: "scheme must be amqp:// or amqps://"}
	}
	conn, err := amqp091.DialConfig(url, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, fmt.Errorf("amqp: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close() //nolint:errcheck // best-effort cleanup
		return nil, fmt.Errorf("amqp: open channel: %w", err)
	}
	p := NewWithChannel(ch, opts...)
	p.conn = conn
	return p, nil
}

// NewWithChannel creates a Publisher over an open channel.
func NewWithChannel(ch Channel, opts ...Option) *Publisher {
	p := &Publisher{
		ch:       ch,
		exchange: DefaultExchange,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name implements plugin.Plugin.
func (p *Publisher) Name() string { return "eventbus-amqp" }

// OnShutdown implements plugin.OnShutdown.
func (p *Publisher) OnShutdown(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	if p.ch != nil {
		errs = append(errs, p.ch.Close())
	}
	if p.conn != nil {
		errs = append(errs, p.conn.Close())
	}
	return errors.Join(errs...)
}

// OnBalanceChanged implements plugin.OnBalanceChanged.
func (p *Publisher) OnBalanceChanged(ctx context.Context, e *event.BalanceChanged) error {
	return p.publish(ctx, e.Scope, KeyBalanceChanged, e)
}

// OnCacheConsistencyCheckFailed implements plugin.OnCacheConsistencyCheckFailed.
func (p *Publisher) OnCacheConsistencyCheckFailed(ctx context.Context, e *event.CacheConsistencyCheckFailed) error {
	return p.publish(ctx, e.Scope, KeyCacheMismatch, e)
}

// OnPlanExecuted implements plugin.OnPlanExecuted.
func (p *Publisher) OnPlanExecuted(ctx context.Context, e *event.PlanExecuted) error {
	return p.publish(ctx, e.Scope, KeyPlanExecuted, e)
}

// OnReconciliationPending implements plugin.OnReconciliationPending.
func (p *Publisher) OnReconciliationPending(ctx context.Context, e *event.ReconciliationPending) error {
	return p.publish(ctx, e.Scope, KeyReconciliationPending, e)
}

// RoutingKey returns the routing key for an event in a scope.
func RoutingKey(sc entitle.Scope, suffix string) string {
	return "entitle." + sc.OrgID + "." + sc.Env + "." + suffix
}

func (p *Publisher) publish(ctx context.Context, sc entitle.Scope, suffix string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("amqp: marshal %s: %w", suffix, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.declared {
		if err := p.ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
			return fmt.Errorf("amqp: declare exchange %s: %w", p.exchange, err)
		}
		p.declared = true
	}

	key := RoutingKey(sc, suffix)
	err = p.ch.PublishWithContext(ctx, p.exchange, key, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now(),
		Type:         suffix,
		Body:         data,
	})
	if err != nil {
		p.logger.Warn("amqp publish failed",
			"exchange", p.exchange,
			"routing_key", key,
			"error", err,
		)
		return fmt.Errorf("amqp: publish %s: %w", key, err)
	}
	return nil
}
