package bus

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elevate-ai/coaching-platform/internal/broker"
	"github.com/elevate-ai/coaching-platform/internal/event"
	"github.com/elevate-ai/coaching-platform/pkg/logger"
)

func testBus(t *testing.T) (*EventBus, *broker.MemoryBroker) {
	t.Helper()
	mb := broker.NewMemoryBroker()
	cfg := DefaultConfig()
	cfg.ChannelPrefix = ""
	cfg.RetryDelay = time.Millisecond
	cfg.HandlerTimeout = time.Second
	b := New(mb, cfg, logger.NewNop())
	t.Cleanup(func() { _ = b.Close() })
	return b, mb
}

func TestPublish_RequiresTypeAndCategory(t *testing.T) {
	b, _ := testBus(t)
	ctx := context.Background()

	_, err := b.Publish(ctx, "", event.CategoryUser, nil, nil)
	assert.Error(t, err)

	_, err = b.Publish(ctx, "user.created", "", nil, nil)
	assert.Error(t, err)

	_, err = b.Publish(ctx, "user.created", event.Category("bogus"), nil, nil)
	assert.Error(t, err)
}

func TestPublish_ReturnsEventID(t *testing.T) {
	b, _ := testBus(t)

	id, err := b.Publish(context.Background(), "user.created", event.CategoryUser, json.RawMessage(`{"name":"ada"}`), nil)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	stats := b.Stats()
	assert.Equal(t, uint64(1), stats.Published)
}

func TestSubscribe_ReceivesMatchingEvent(t *testing.T) {
	b, _ := testBus(t)
	ctx := context.Background()

	received := make(chan *event.Event, 1)
	_, err := b.Subscribe(ctx, "user.*", func(ctx context.Context, evt *event.Event) error {
		received <- evt
		return nil
	}, nil)
	require.NoError(t, err)

	id, err := b.Publish(ctx, "user.created", event.CategoryUser, json.RawMessage(`{}`), nil)
	require.NoError(t, err)

	select {
	case evt := <-received:
		assert.Equal(t, id, evt.ID)
		assert.Equal(t, "user.created", evt.Type)
		assert.Equal(t, event.CategoryUser, evt.Category)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestSubscribe_CategoryFilterExcludes(t *testing.T) {
	b, _ := testBus(t)
	ctx := context.Background()

	var userHits, analyticsHits atomic.Int32

	_, err := b.Subscribe(ctx, "user.*", func(ctx context.Context, evt *event.Event) error {
		userHits.Add(1)
		return nil
	}, nil)
	require.NoError(t, err)

	_, err = b.Subscribe(ctx, "user.*", func(ctx context.Context, evt *event.Event) error {
		analyticsHits.Add(1)
		return nil
	}, &SubscribeOptions{Category: event.CategoryAnalytics})
	require.NoError(t, err)

	_, err = b.Publish(ctx, "user.created", event.CategoryUser, json.RawMessage(`{}`), nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return userHits.Load() == 1
	}, time.Second, 5*time.Millisecond)

	// Give the analytics subscriber a chance to (incorrectly) fire.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), analyticsHits.Load())
}

func TestSubscribe_PriorityFilter(t *testing.T) {
	b, _ := testBus(t)
	ctx := context.Background()

	var hits atomic.Int32
	_, err := b.Subscribe(ctx, "session.*", func(ctx context.Context, evt *event.Event) error {
		hits.Add(1)
		return nil
	}, &SubscribeOptions{Priority: event.PriorityCritical})
	require.NoError(t, err)

	_, err = b.Publish(ctx, "session.ended", event.CategorySession, json.RawMessage(`{}`), nil)
	require.NoError(t, err)
	_, err = b.Publish(ctx, "session.ended", event.CategorySession, json.RawMessage(`{}`),
		&PublishOptions{Priority: event.PriorityCritical})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return hits.Load() == 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), hits.Load())
}

func TestRetry_ExhaustionDeadLetters(t *testing.T) {
	b, _ := testBus(t)
	ctx := context.Background()

	var calls atomic.Int32
	_, err := b.Subscribe(ctx, "coaching.failed", func(ctx context.Context, evt *event.Event) error {
		calls.Add(1)
		return errors.New("handler always fails")
	}, &SubscribeOptions{RetryOnError: true})
	require.NoError(t, err)

	id, err := b.Publish(ctx, "coaching.failed", event.CategoryCoaching, json.RawMessage(`{}`),
		&PublishOptions{MaxRetries: 2})
	require.NoError(t, err)

	// A handler that always fails runs 1 + maxRetries times, then appears
	// exactly once in the dead-letter collection.
	require.Eventually(t, func() bool {
		return len(b.DeadLetters()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, int32(3), calls.Load())

	dls := b.DeadLetters()
	require.Len(t, dls, 1)
	assert.Equal(t, id, dls[0].Event.ID)
	assert.Equal(t, 2, dls[0].Event.Metadata.RetryCount)
	assert.Contains(t, dls[0].Error, "handler always fails")
}

func TestRetry_DisabledDeadLettersImmediately(t *testing.T) {
	b, _ := testBus(t)
	ctx := context.Background()

	var calls atomic.Int32
	_, err := b.Subscribe(ctx, "coaching.failed", func(ctx context.Context, evt *event.Event) error {
		calls.Add(1)
		return errors.New("boom")
	}, nil)
	require.NoError(t, err)

	_, err = b.Publish(ctx, "coaching.failed", event.CategoryCoaching, json.RawMessage(`{}`), nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(b.DeadLetters()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestHandlerTimeout(t *testing.T) {
	b, _ := testBus(t)
	ctx := context.Background()

	_, err := b.Subscribe(ctx, "ai.slow", func(ctx context.Context, evt *event.Event) error {
		time.Sleep(500 * time.Millisecond)
		return nil
	}, &SubscribeOptions{Timeout: 10 * time.Millisecond})
	require.NoError(t, err)

	_, err = b.Publish(ctx, "ai.slow", event.CategoryAI, json.RawMessage(`{}`), nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		dls := b.DeadLetters()
		return len(dls) == 1 && dls[0].Error == ErrHandlerTimeout.Error()
	}, 2*time.Second, 5*time.Millisecond)
}

func TestDeadLetter_PublishedToDLQChannel(t *testing.T) {
	b, mb := testBus(t)
	ctx := context.Background()

	dlq := make(chan []byte, 1)
	_, err := mb.PSubscribe(ctx, event.DeadLetterChannel(""), func(channel string, payload []byte) {
		dlq <- payload
	})
	require.NoError(t, err)

	_, err = b.Subscribe(ctx, "safety.alert", func(ctx context.Context, evt *event.Event) error {
		return errors.New("unprocessable")
	}, nil)
	require.NoError(t, err)

	_, err = b.Publish(ctx, "safety.alert", event.CategorySafety, json.RawMessage(`{}`), nil)
	require.NoError(t, err)

	select {
	case payload := <-dlq:
		var dle DeadLetterEvent
		require.NoError(t, json.Unmarshal(payload, &dle))
		assert.Equal(t, "safety.alert", dle.Event.Type)
		assert.Equal(t, "events:safety:safety.alert", dle.OriginalChannel)
	case <-time.After(2 * time.Second):
		t.Fatal("dead letter not published")
	}
}

func TestReplayDeadLetter(t *testing.T) {
	b, _ := testBus(t)
	ctx := context.Background()

	var calls atomic.Int32
	fail := atomic.Bool{}
	fail.Store(true)
	_, err := b.Subscribe(ctx, "notification.send", func(ctx context.Context, evt *event.Event) error {
		calls.Add(1)
		if fail.Load() {
			return errors.New("downstream down")
		}
		return nil
	}, nil)
	require.NoError(t, err)

	id, err := b.Publish(ctx, "notification.send", event.CategoryNotification, json.RawMessage(`{}`), nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(b.DeadLetters()) == 1
	}, time.Second, 5*time.Millisecond)

	fail.Store(false)
	require.NoError(t, b.ReplayDeadLetter(ctx, id))
	assert.Empty(t, b.DeadLetters())

	require.Eventually(t, func() bool {
		return calls.Load() == 2
	}, time.Second, 5*time.Millisecond)

	assert.Error(t, b.ReplayDeadLetter(ctx, "nonexistent"))
}

func TestUnsubscribe(t *testing.T) {
	b, _ := testBus(t)
	ctx := context.Background()

	id, err := b.Subscribe(ctx, "user.*", func(ctx context.Context, evt *event.Event) error {
		return nil
	}, nil)
	require.NoError(t, err)

	assert.True(t, b.Unsubscribe(id))
	assert.False(t, b.Unsubscribe(id), "unsubscribe is an idempotent no-op")
	assert.False(t, b.Unsubscribe("unknown"))
	assert.Equal(t, 0, b.Stats().ActiveSubscriptions)
}

func TestSharedBrokerSubscription(t *testing.T) {
	b, _ := testBus(t)
	ctx := context.Background()

	var first, second atomic.Int32
	id1, err := b.Subscribe(ctx, "user.*", func(ctx context.Context, evt *event.Event) error {
		first.Add(1)
		return nil
	}, nil)
	require.NoError(t, err)
	_, err = b.Subscribe(ctx, "user.*", func(ctx context.Context, evt *event.Event) error {
		second.Add(1)
		return nil
	}, nil)
	require.NoError(t, err)

	b.mu.RLock()
	assert.Len(t, b.groups, 1, "same pattern shares one broker subscription")
	b.mu.RUnlock()

	_, err = b.Publish(ctx, "user.created", event.CategoryUser, json.RawMessage(`{}`), nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return first.Load() == 1 && second.Load() == 1
	}, time.Second, 5*time.Millisecond)

	// Removing one logical subscription keeps the group alive.
	assert.True(t, b.Unsubscribe(id1))
	_, err = b.Publish(ctx, "user.updated", event.CategoryUser, json.RawMessage(`{}`), nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return second.Load() == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), first.Load())
}

func TestDelayedPublish(t *testing.T) {
	b, _ := testBus(t)
	ctx := context.Background()

	received := make(chan struct{}, 1)
	_, err := b.Subscribe(ctx, "system.reminder", func(ctx context.Context, evt *event.Event) error {
		received <- struct{}{}
		return nil
	}, nil)
	require.NoError(t, err)

	start := time.Now()
	id, err := b.Publish(ctx, "system.reminder", event.CategorySystem, json.RawMessage(`{}`),
		&PublishOptions{Delay: 50 * time.Millisecond})
	require.NoError(t, err)
	assert.NotEmpty(t, id, "id returned immediately for deferred publish")

	select {
	case <-received:
		assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("delayed event not delivered")
	}
}

func TestNotifications(t *testing.T) {
	b, _ := testBus(t)
	ctx := context.Background()

	kinds := make(chan string, 8)
	b.OnNotification(func(kind string, evt *event.Event) {
		kinds <- kind
	})

	_, err := b.Subscribe(ctx, "engagement.*", func(ctx context.Context, evt *event.Event) error {
		return nil
	}, nil)
	require.NoError(t, err)

	_, err = b.Publish(ctx, "engagement.streak", event.CategoryEngagement, json.RawMessage(`{}`), nil)
	require.NoError(t, err)

	assert.Equal(t, "published", <-kinds)
	select {
	case kind := <-kinds:
		assert.Equal(t, "consumed", kind)
	case <-time.After(time.Second):
		t.Fatal("consumed notification missing")
	}
}

func TestStats_ThroughputAndLatency(t *testing.T) {
	b, _ := testBus(t)
	ctx := context.Background()

	done := make(chan struct{}, 4)
	_, err := b.Subscribe(ctx, "analytics.*", func(ctx context.Context, evt *event.Event) error {
		done <- struct{}{}
		return nil
	}, nil)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, err := b.Publish(ctx, "analytics.pageview", event.CategoryAnalytics, json.RawMessage(`{}`), nil)
		require.NoError(t, err)
	}
	for i := 0; i < 4; i++ {
		<-done
	}

	require.Eventually(t, func() bool {
		return b.Stats().Consumed == 4
	}, time.Second, 5*time.Millisecond)

	stats := b.Stats()
	assert.Equal(t, uint64(4), stats.Published)
	assert.Equal(t, 1, stats.ActiveSubscriptions)
	assert.GreaterOrEqual(t, stats.AvgLatencyMs, 0.0)
}
