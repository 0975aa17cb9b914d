package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBroker_PublishSubscribe(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()

	received := make(chan string, 1)
	sub, err := b.PSubscribe(ctx, "events:*", func(channel string, payload []byte) {
		received <- channel + "|" + string(payload)
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "events:user:user.created", []byte("hello")))

	select {
	case got := <-received:
		assert.Equal(t, "events:user:user.created|hello", got)
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}

	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, b.Publish(ctx, "events:user:user.created", []byte("bye")))
	select {
	case <-received:
		t.Fatal("delivery after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBroker_WildcardCrossesSeparators(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()

	received := make(chan string, 2)
	_, err := b.PSubscribe(ctx, "events:*", func(channel string, payload []byte) {
		received <- channel
	})
	require.NoError(t, err)

	// Like Redis PSUBSCRIBE, the broker-level glob over-matches; callers
	// needing segment semantics filter on top.
	require.NoError(t, b.Publish(ctx, "events:a:b:c", nil))
	select {
	case got := <-received:
		assert.Equal(t, "events:a:b:c", got)
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}

func TestMemoryBroker_NonMatchingChannel(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()

	received := make(chan string, 1)
	_, err := b.PSubscribe(ctx, "events:user:*", func(channel string, payload []byte) {
		received <- channel
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "jobs:user:created", nil))
	select {
	case got := <-received:
		t.Fatalf("unexpected delivery on %s", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBroker_PayloadIsolation(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()

	received := make(chan []byte, 1)
	_, err := b.PSubscribe(ctx, "ch", func(channel string, payload []byte) {
		received <- payload
	})
	require.NoError(t, err)

	payload := []byte("original")
	require.NoError(t, b.Publish(ctx, "ch", payload))
	payload[0] = 'X'

	select {
	case got := <-received:
		assert.Equal(t, "original", string(got), "subscriber gets its own copy")
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}
