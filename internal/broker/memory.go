package broker

import (
	"context"
	"regexp"
	"strings"
	"sync"
)

// MemoryBroker is an in-process Broker used by tests and local development.
// Deliveries are asynchronous, matching the fire-and-forget contract of the
// real transports.
type MemoryBroker struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]*memorySub
	closed bool
}

type memorySub struct {
	id      int
	broker  *MemoryBroker
	pattern *regexp.Regexp
	handler Handler
}

func (s *memorySub) Unsubscribe() error {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	delete(s.broker.subs, s.id)
	return nil
}

// NewMemoryBroker creates an empty in-memory broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[int]*memorySub)}
}

func (b *MemoryBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	var matched []*memorySub
	for _, sub := range b.subs {
		if sub.pattern.MatchString(channel) {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range matched {
		data := make([]byte, len(payload))
		copy(data, payload)
		go sub.handler(channel, data)
	}
	return nil
}

func (b *MemoryBroker) PSubscribe(ctx context.Context, pattern string, h Handler) (Subscription, error) {
	// Relaxed glob, like Redis PSUBSCRIBE: '*' crosses separators. The bus
	// applies strict segment matching on top.
	quoted := regexp.QuoteMeta(pattern)
	quoted = strings.ReplaceAll(quoted, `\*`, `.*`)
	quoted = strings.ReplaceAll(quoted, `\?`, `.`)
	re, err := regexp.Compile("^" + quoted + "$")
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &memorySub{id: b.nextID, broker: b, pattern: re, handler: h}
	b.subs[sub.id] = sub
	return sub, nil
}

func (b *MemoryBroker) Ping(ctx context.Context) error { return nil }

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[int]*memorySub)
	b.closed = true
	return nil
}
