package domain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/davidbz/markl/internal/observability"
)

const (
	DefaultDeliveryAttempts  = 3
	DefaultDeliveryBaseDelay = time.Second

	defaultDispatcherWorkers   = 2
	defaultDispatcherQueueSize = 64
	backoffMultiplier          = 2
)

// ChannelSubscription binds a channel to the categories it receives. An
// empty category list subscribes to everything.
type ChannelSubscription struct {
	Channel    EscalationChannel
	Categories []string
}

func (s ChannelSubscription) accepts(category string) bool {
	if len(s.Categories) == 0 {
		return true
	}
	for _, c := range s.Categories {
		if c == category {
			return true
		}
	}
	return false
}

// NotifierConfig tunes delivery retries.
type NotifierConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// Notifier delivers escalation events with bounded exponential retries.
// Nothing is persisted; an event that exhausts its attempts is only logged.
type Notifier struct {
	subscriptions []ChannelSubscription
	publisher     EventPublisher
	cfg           NotifierConfig
}

// NewNotifier creates a new notifier.
func NewNotifier(subscriptions []ChannelSubscription, publisher EventPublisher, cfg NotifierConfig) *Notifier {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultDeliveryAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultDeliveryBaseDelay
	}
	return &Notifier{
		subscriptions: subscriptions,
		publisher:     publisher,
		cfg:           cfg,
	}
}

// Deliver sends event to every subscribed channel. Each channel gets up to
// MaxAttempts tries; a 4xx response stops that channel immediately. The
// returned error joins every channel failure.
func (n *Notifier) Deliver(ctx context.Context, event *EscalationEvent) error {
	if event == nil {
		return errors.New("event cannot be nil")
	}

	var errs []error
	for _, sub := range n.subscriptions {
		if !sub.accepts(event.Category) {
			continue
		}
		if err := n.deliverTo(ctx, sub.Channel, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (n *Notifier) deliverTo(ctx context.Context, channel EscalationChannel, event *EscalationEvent) error {
	logger := observability.FromContext(ctx).With(
		observability.String("channel", channel.Name()),
		observability.String("escalation_id", event.ID),
		observability.String("category", event.Category))

	attempts := 0
	operation := func() error {
		attempts++
		err := channel.Send(ctx, event)
		if err == nil {
			return nil
		}

		var deliveryErr *DeliveryError
		if errors.As(err, &deliveryErr) && deliveryErr.Terminal() {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		logger.Warn("escalation delivery attempt failed, retrying",
			observability.Int("attempt", attempts),
			observability.Duration("wait", wait),
			observability.Error(err))
	}

	err := backoff.RetryNotify(operation, n.policy(ctx), notify)
	if err == nil {
		logger.Info("escalation delivered", observability.Int("attempts", attempts))
		n.publish(ctx, "escalation.delivered", channel.Name())
		return nil
	}

	deliveryErr := &EscalationDeliveryError{
		EventID:  event.ID,
		Channel:  channel.Name(),
		Attempts: attempts,
		Err:      err,
	}
	logger.Error("escalation delivery failed", observability.Error(deliveryErr))
	n.publish(ctx, "escalation.delivery_failed", channel.Name())
	return deliveryErr
}

// policy waits BaseDelay * 2^(attempt-1) between attempts, without jitter.
func (n *Notifier) policy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = n.cfg.BaseDelay
	b.Multiplier = backoffMultiplier
	b.RandomizationFactor = 0
	b.MaxInterval = n.cfg.BaseDelay << n.cfg.MaxAttempts
	b.MaxElapsedTime = 0

	//nolint:gosec // MaxAttempts is validated positive
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(n.cfg.MaxAttempts-1)), ctx)
}

func (n *Notifier) publish(ctx context.Context, eventType, channel string) {
	if n.publisher != nil {
		n.publisher.Publish(ctx, eventType, map[string]interface{}{"channel": channel})
	}
}

// DispatcherConfig sizes the background delivery pool.
type DispatcherConfig struct {
	Workers   int
	QueueSize int
}

// EscalationDispatcher runs deliveries on a detached worker pool so callers
// never wait on a notification.
type EscalationDispatcher struct {
	notifier  *Notifier
	publisher EventPublisher
	workers   int
	queue     chan *EscalationEvent

	mu      sync.RWMutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// NewEscalationDispatcher creates a dispatcher. Events submitted before Start
// wait in the queue.
func NewEscalationDispatcher(notifier *Notifier, publisher EventPublisher, cfg DispatcherConfig) *EscalationDispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultDispatcherWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultDispatcherQueueSize
	}
	return &EscalationDispatcher{
		notifier:  notifier,
		publisher: publisher,
		workers:   cfg.Workers,
		queue:     make(chan *EscalationEvent, cfg.QueueSize),
	}
}

// Start launches the workers. Their context survives cancellation of ctx
// and ends on Stop.
func (d *EscalationDispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started || d.closed {
		return
	}
	d.started = true

	workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	d.cancel = cancel
	d.group, workerCtx = errgroup.WithContext(workerCtx)

	for range d.workers {
		d.group.Go(func() error {
			for event := range d.queue {
				d.handle(workerCtx, event)
			}
			return nil
		})
	}

	observability.FromContext(ctx).Info("escalation dispatcher started",
		observability.Int("workers", d.workers))
}

// Submit enqueues event without blocking. It returns false when the event
// was dropped because the queue is full or the dispatcher is stopped.
func (d *EscalationDispatcher) Submit(ctx context.Context, event *EscalationEvent) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed || event == nil {
		return false
	}

	select {
	case d.queue <- event:
		return true
	default:
		observability.FromContext(ctx).Error("escalation queue full, dropping event",
			observability.String("escalation_id", event.ID),
			observability.String("category", event.Category))
		if d.publisher != nil {
			d.publisher.Publish(ctx, "escalation.dropped", map[string]interface{}{
				"category": event.Category,
			})
		}
		return false
	}
}

// Stop closes the queue and waits for queued events to drain. If ctx ends
// first, in-flight deliveries are cancelled.
func (d *EscalationDispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	started := d.started
	d.mu.Unlock()

	if !started {
		return nil
	}

	done := make(chan error, 1)
	go func() {
		done <- d.group.Wait()
	}()

	select {
	case err := <-done:
		d.cancel()
		return err
	case <-ctx.Done():
		d.cancel()
		return fmt.Errorf("escalation dispatcher did not drain: %w", ctx.Err())
	}
}

func (d *EscalationDispatcher) handle(ctx context.Context, event *EscalationEvent) {
	defer func() {
		if r := recover(); r != nil {
			observability.FromContext(ctx).Error("escalation delivery panicked",
				observability.String("escalation_id", event.ID),
				observability.Any("panic", r))
		}
	}()

	// Failures are already logged per channel.
	_ = d.notifier.Deliver(ctx, event)
}
