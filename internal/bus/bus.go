// Package bus implements the publish/subscribe layer: pattern-matched
// delivery, per-handler timeouts, retry with exponential backoff, and
// dead-lettering.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/elevate-ai/coaching-platform/internal/broker"
	"github.com/elevate-ai/coaching-platform/internal/event"
	"github.com/elevate-ai/coaching-platform/pkg/logger"
	"github.com/elevate-ai/coaching-platform/pkg/metrics"
)

// ErrHandlerTimeout is recorded when a handler exceeds its deadline. The
// handler itself may keep running; only the wait is cancelled.
var ErrHandlerTimeout = errors.New("handler timeout")

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("event bus closed")

// HandlerFunc processes a delivered event.
type HandlerFunc func(ctx context.Context, evt *event.Event) error

// NotificationFunc observes local bus activity. Kinds: "published",
// "consumed", "deadletter".
type NotificationFunc func(kind string, evt *event.Event)

// Config holds event bus tunables.
type Config struct {
	ChannelPrefix    string
	DefaultTTL       int // seconds
	MaxRetries       int
	RetryDelay       time.Duration
	HandlerTimeout   time.Duration
	DeadLetterLimit  int
	LatencyWindow    int
	ThroughputWindow time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		ChannelPrefix:    "coach:",
		DefaultTTL:       3600,
		MaxRetries:       3,
		RetryDelay:       time.Second,
		HandlerTimeout:   30 * time.Second,
		DeadLetterLimit:  1000,
		LatencyWindow:    100,
		ThroughputWindow: time.Second,
	}
}

// PublishOptions tune a single publish.
type PublishOptions struct {
	Priority      event.Priority
	TTL           int // seconds; 0 uses the config default
	Delay         time.Duration
	Source        string
	CorrelationID string
	CausationID   string
	UserID        string
	TenantID      string
	MaxRetries    int // 0 uses the config default
	Tags          []string
}

// SubscribeOptions tune a single subscription.
type SubscribeOptions struct {
	Category      event.Category // "" subscribes across all categories
	Priority      event.Priority // non-empty filters on priority equality
	Filter        func(*event.Event) bool
	Timeout       time.Duration // per-handler deadline; 0 uses the default
	RetryOnError  bool
	MaxConcurrent int // >0 bounds concurrent handler invocations
}

// Subscription is one logical subscription on the bus.
type Subscription struct {
	ID        string
	Pattern   string // full channel pattern
	CreatedAt time.Time

	handler HandlerFunc
	opts    SubscribeOptions
	sem     chan struct{}
}

// DeadLetterEvent is an event that exhausted its retries.
type DeadLetterEvent struct {
	Event           *event.Event `json:"event"`
	Error           string       `json:"error"`
	FailedAt        time.Time    `json:"failed_at"`
	OriginalChannel string       `json:"original_channel"`
}

// patternGroup is one broker-level subscription shared by every logical
// subscription with the same channel pattern.
type patternGroup struct {
	pattern   string
	brokerSub broker.Subscription
	subs      map[string]*Subscription
}

// EventBus routes published events to pattern-matching subscribers.
type EventBus struct {
	cfg    Config
	broker broker.Broker
	logger *logger.Logger

	mu           sync.RWMutex
	groups       map[string]*patternGroup
	subToPattern map[string]string
	closed       bool

	dlMu        sync.Mutex
	deadLetters []*DeadLetterEvent

	notifyMu  sync.RWMutex
	notifiers []NotificationFunc

	stats *stats
}

// New creates an event bus on the given broker.
func New(b broker.Broker, cfg Config, log *logger.Logger) *EventBus {
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 30 * time.Second
	}
	if cfg.DeadLetterLimit <= 0 {
		cfg.DeadLetterLimit = 1000
	}
	if cfg.LatencyWindow <= 0 {
		cfg.LatencyWindow = 100
	}
	if cfg.ThroughputWindow <= 0 {
		cfg.ThroughputWindow = time.Second
	}
	return &EventBus{
		cfg:          cfg,
		broker:       b,
		logger:       log.WithComponent("bus"),
		groups:       make(map[string]*patternGroup),
		subToPattern: make(map[string]string),
		stats:        newStats(cfg.LatencyWindow, cfg.ThroughputWindow),
	}
}

// OnNotification registers a local observability hook.
func (b *EventBus) OnNotification(fn NotificationFunc) {
	b.notifyMu.Lock()
	b.notifiers = append(b.notifiers, fn)
	b.notifyMu.Unlock()
}

func (b *EventBus) notify(kind string, evt *event.Event) {
	b.notifyMu.RLock()
	notifiers := b.notifiers
	b.notifyMu.RUnlock()
	for _, fn := range notifiers {
		fn(kind, evt)
	}
}

// Publish builds a full event and delivers it to the channel derived from
// (prefix, category, type). It never blocks on subscriber processing; a
// non-nil error means the transport rejected the publish.
func (b *EventBus) Publish(ctx context.Context, eventType string, category event.Category, payload json.RawMessage, opts *PublishOptions) (string, error) {
	if opts == nil {
		opts = &PublishOptions{}
	}

	evt := event.New(eventType, category, payload)
	if opts.Priority != "" {
		evt.Metadata.Priority = opts.Priority
	}
	evt.Metadata.Source = opts.Source
	evt.Metadata.CorrelationID = opts.CorrelationID
	evt.Metadata.CausationID = opts.CausationID
	evt.Metadata.UserID = opts.UserID
	evt.Metadata.TenantID = opts.TenantID
	evt.Metadata.Tags = opts.Tags
	evt.Metadata.TTL = opts.TTL
	if evt.Metadata.TTL == 0 {
		evt.Metadata.TTL = b.cfg.DefaultTTL
	}
	evt.Metadata.MaxRetries = opts.MaxRetries
	if evt.Metadata.MaxRetries == 0 {
		evt.Metadata.MaxRetries = b.cfg.MaxRetries
	}

	if err := evt.Validate(); err != nil {
		return "", fmt.Errorf("invalid event: %w", err)
	}

	channel := event.Channel(b.cfg.ChannelPrefix, category, eventType)

	if opts.Delay > 0 {
		// Deferred publish: the id is returned immediately and delivery is
		// scheduled; callers cannot cancel the timer.
		time.AfterFunc(opts.Delay, func() {
			b.mu.RLock()
			closed := b.closed
			b.mu.RUnlock()
			if closed {
				return
			}
			if err := b.publishNow(context.Background(), channel, evt); err != nil {
				b.logger.Error("delayed publish failed",
					zap.String("event_id", evt.ID),
					zap.String("channel", channel),
					zap.Error(err),
				)
			}
		})
		return evt.ID, nil
	}

	if err := b.publishNow(ctx, channel, evt); err != nil {
		return "", err
	}
	return evt.ID, nil
}

func (b *EventBus) publishNow(ctx context.Context, channel string, evt *event.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}
	if err := b.broker.Publish(ctx, channel, data); err != nil {
		metrics.EventPublishErrorsTotal.Inc()
		return fmt.Errorf("failed to publish event %s: %w", evt.ID, err)
	}

	b.stats.recordPublished()
	metrics.RecordPublish(string(evt.Category))
	b.notify("published", evt)
	return nil
}

// Subscribe registers a handler for a type pattern. The channel pattern is
// built from the category filter (or wildcard) plus the type pattern; logical
// subscriptions sharing a channel pattern share one broker subscription.
func (b *EventBus) Subscribe(ctx context.Context, pattern string, handler HandlerFunc, opts *SubscribeOptions) (string, error) {
	if handler == nil {
		return "", fmt.Errorf("handler is required")
	}
	if opts == nil {
		opts = &SubscribeOptions{}
	}

	channelPattern := event.PatternChannel(b.cfg.ChannelPrefix, opts.Category, pattern)

	sub := &Subscription{
		ID:        uuid.New().String(),
		Pattern:   channelPattern,
		CreatedAt: time.Now(),
		handler:   handler,
		opts:      *opts,
	}
	if opts.MaxConcurrent > 0 {
		sub.sem = make(chan struct{}, opts.MaxConcurrent)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", ErrClosed
	}
	group, ok := b.groups[channelPattern]
	if ok {
		group.subs[sub.ID] = sub
		b.subToPattern[sub.ID] = channelPattern
		b.mu.Unlock()
		metrics.BusActiveSubscriptions.Inc()
		return sub.ID, nil
	}
	b.mu.Unlock()

	// No group yet: register the broker subscription outside the lock, then
	// re-check for a race with a concurrent Subscribe.
	brokerSub, err := b.broker.PSubscribe(ctx, channelPattern, func(channel string, payload []byte) {
		b.dispatch(channelPattern, channel, payload)
	})
	if err != nil {
		return "", fmt.Errorf("failed to subscribe to %s: %w", channelPattern, err)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = brokerSub.Unsubscribe()
		return "", ErrClosed
	}
	if existing, ok := b.groups[channelPattern]; ok {
		existing.subs[sub.ID] = sub
		b.subToPattern[sub.ID] = channelPattern
		b.mu.Unlock()
		_ = brokerSub.Unsubscribe()
		metrics.BusActiveSubscriptions.Inc()
		return sub.ID, nil
	}
	b.groups[channelPattern] = &patternGroup{
		pattern:   channelPattern,
		brokerSub: brokerSub,
		subs:      map[string]*Subscription{sub.ID: sub},
	}
	b.subToPattern[sub.ID] = channelPattern
	b.mu.Unlock()

	metrics.BusActiveSubscriptions.Inc()
	return sub.ID, nil
}

// Unsubscribe removes a logical subscription. The last unsubscribe for a
// channel pattern releases the broker subscription. Returns false for an
// unknown id.
func (b *EventBus) Unsubscribe(id string) bool {
	b.mu.Lock()
	pattern, ok := b.subToPattern[id]
	if !ok {
		b.mu.Unlock()
		return false
	}
	delete(b.subToPattern, id)

	var release broker.Subscription
	if group, ok := b.groups[pattern]; ok {
		delete(group.subs, id)
		if len(group.subs) == 0 {
			release = group.brokerSub
			delete(b.groups, pattern)
		}
	}
	b.mu.Unlock()

	metrics.BusActiveSubscriptions.Dec()
	if release != nil {
		if err := release.Unsubscribe(); err != nil {
			b.logger.Warn("failed to release broker subscription",
				zap.String("pattern", pattern), zap.Error(err))
		}
	}
	return true
}

// dispatch handles one raw broker delivery for a channel pattern.
func (b *EventBus) dispatch(groupPattern, channel string, payload []byte) {
	var evt event.Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		b.logger.Warn("dropping undecodable message",
			zap.String("channel", channel), zap.Error(err))
		return
	}

	// Broker-level patterns can over-match; re-check with segment-aware glob.
	if !matchChannel(groupPattern, channel) {
		return
	}

	if evt.Expired(time.Now()) {
		b.logger.Debug("dropping expired event", zap.String("event_id", evt.ID))
		return
	}

	b.mu.RLock()
	group, ok := b.groups[groupPattern]
	if !ok || b.closed {
		b.mu.RUnlock()
		return
	}
	matched := make([]*Subscription, 0, len(group.subs))
	for _, sub := range group.subs {
		if b.passes(sub, &evt) {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	// Handlers run concurrently; each gets its own copy since retries
	// mutate the retry counter.
	for _, sub := range matched {
		clone := evt
		go b.invoke(sub, channel, &clone)
	}
}

func (b *EventBus) passes(sub *Subscription, evt *event.Event) bool {
	if sub.opts.Priority != "" && evt.Metadata.Priority != sub.opts.Priority {
		return false
	}
	if sub.opts.Category != "" && evt.Category != sub.opts.Category {
		return false
	}
	if sub.opts.Filter != nil && !sub.opts.Filter(evt) {
		return false
	}
	return true
}

// invoke runs one handler with timeout and the subscription's retry policy.
// Failures that exhaust retries are dead-lettered; nothing propagates back
// to the publisher.
func (b *EventBus) invoke(sub *Subscription, channel string, evt *event.Event) {
	if sub.sem != nil {
		sub.sem <- struct{}{}
		defer func() { <-sub.sem }()
	}

	for {
		start := time.Now()
		err := b.callWithTimeout(sub, evt)
		elapsed := time.Since(start)

		if err == nil {
			b.stats.recordConsumed(elapsed)
			metrics.RecordConsume(string(evt.Category), "ok", elapsed.Seconds())
			b.notify("consumed", evt)
			return
		}

		outcome := "error"
		if errors.Is(err, ErrHandlerTimeout) {
			outcome = "timeout"
		}
		metrics.RecordConsume(string(evt.Category), outcome, elapsed.Seconds())

		if !sub.opts.RetryOnError || evt.Metadata.RetryCount >= evt.Metadata.MaxRetries {
			b.deadLetter(evt, err, channel)
			return
		}

		evt.Metadata.RetryCount++
		backoff := b.cfg.RetryDelay * (1 << (evt.Metadata.RetryCount - 1))
		b.logger.Debug("retrying handler",
			zap.String("event_id", evt.ID),
			zap.Int("retry", evt.Metadata.RetryCount),
			zap.Duration("backoff", backoff),
		)
		time.Sleep(backoff)
		// Redeliver directly to this handler, not through the broker.
	}
}

func (b *EventBus) callWithTimeout(sub *Subscription, evt *event.Event) error {
	timeout := sub.opts.Timeout
	if timeout <= 0 {
		timeout = b.cfg.HandlerTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("handler panic: %v", r)
			}
		}()
		done <- sub.handler(ctx, evt)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		// The handler may still be running; only the wait is abandoned.
		return ErrHandlerTimeout
	}
}

// deadLetter records a terminal failure and republishes it on the DLQ channel.
func (b *EventBus) deadLetter(evt *event.Event, cause error, channel string) {
	dle := &DeadLetterEvent{
		Event:           evt,
		Error:           cause.Error(),
		FailedAt:        time.Now().UTC(),
		OriginalChannel: channel,
	}

	b.dlMu.Lock()
	b.deadLetters = append(b.deadLetters, dle)
	if len(b.deadLetters) > b.cfg.DeadLetterLimit {
		b.deadLetters = b.deadLetters[len(b.deadLetters)-b.cfg.DeadLetterLimit:]
	}
	b.dlMu.Unlock()

	metrics.EventsDeadLetteredTotal.Inc()
	b.notify("deadletter", evt)

	b.logger.Warn("event dead-lettered",
		zap.String("event_id", evt.ID),
		zap.String("type", evt.Type),
		zap.String("channel", channel),
		zap.Int("retries", evt.Metadata.RetryCount),
		zap.String("error", dle.Error),
	)

	data, err := json.Marshal(dle)
	if err != nil {
		b.logger.Error("failed to serialize dead-letter event", zap.Error(err))
		return
	}
	dlq := event.DeadLetterChannel(b.cfg.ChannelPrefix)
	if err := b.broker.Publish(context.Background(), dlq, data); err != nil {
		b.logger.Error("failed to publish dead-letter event",
			zap.String("event_id", evt.ID), zap.Error(err))
	}
}

// DeadLetters returns a copy of the dead-letter collection, oldest first.
func (b *EventBus) DeadLetters() []DeadLetterEvent {
	b.dlMu.Lock()
	defer b.dlMu.Unlock()

	out := make([]DeadLetterEvent, len(b.deadLetters))
	for i, dle := range b.deadLetters {
		out[i] = *dle
	}
	return out
}

// ReplayDeadLetter republishes a dead-lettered event at its original channel
// with the retry count reset, and removes it from the collection.
func (b *EventBus) ReplayDeadLetter(ctx context.Context, eventID string) error {
	b.dlMu.Lock()
	var found *DeadLetterEvent
	for i, dle := range b.deadLetters {
		if dle.Event != nil && dle.Event.ID == eventID {
			found = dle
			b.deadLetters = append(b.deadLetters[:i], b.deadLetters[i+1:]...)
			break
		}
	}
	b.dlMu.Unlock()

	if found == nil {
		return fmt.Errorf("dead-letter event %s not found", eventID)
	}

	evt := *found.Event
	evt.Metadata.RetryCount = 0
	return b.publishNow(ctx, found.OriginalChannel, &evt)
}

// Stats returns a snapshot of bus statistics.
func (b *EventBus) Stats() StatsSnapshot {
	b.mu.RLock()
	active := len(b.subToPattern)
	b.mu.RUnlock()
	return b.stats.snapshot(active)
}

// Close releases every broker subscription. Delayed publishes scheduled
// before Close are dropped when they fire.
func (b *EventBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	groups := make([]*patternGroup, 0, len(b.groups))
	for _, g := range b.groups {
		groups = append(groups, g)
	}
	b.groups = make(map[string]*patternGroup)
	b.subToPattern = make(map[string]string)
	b.mu.Unlock()

	for _, g := range groups {
		if err := g.brokerSub.Unsubscribe(); err != nil {
			b.logger.Warn("failed to release broker subscription on close",
				zap.String("pattern", g.pattern), zap.Error(err))
		}
	}
	return nil
}
