// Package store implements the append-only event log: monotonic sequencing,
// secondary indexes, per-aggregate streams, snapshots, replay and projection.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/elevate-ai/coaching-platform/internal/event"
	"github.com/elevate-ai/coaching-platform/internal/storage"
	"github.com/elevate-ai/coaching-platform/pkg/logger"
	"github.com/elevate-ai/coaching-platform/pkg/metrics"
)

// StoredEvent is an appended event. Immutable once written; the log has no
// update or delete operation.
type StoredEvent struct {
	event.Event
	StoredAt      time.Time `json:"stored_at"`
	Sequence      uint64    `json:"sequence"`
	AggregateID   string    `json:"aggregate_id,omitempty"`
	AggregateType string    `json:"aggregate_type,omitempty"`
}

// EventStream is the derived view of one aggregate's events.
type EventStream struct {
	StreamID      string        `json:"stream_id"`
	AggregateID   string        `json:"aggregate_id"`
	AggregateType string        `json:"aggregate_type"`
	Events        []StoredEvent `json:"events"`
	Version       uint64        `json:"version"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// Snapshot is the latest cached projection of an aggregate, used to bound
// replay cost.
type Snapshot struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	Version       uint64          `json:"version"`
	State         json.RawMessage `json:"state"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Projection is the result of folding a reducer over an aggregate's events.
type Projection struct {
	State       json.RawMessage `json:"state"`
	Version     uint64          `json:"version"`
	LastEventAt time.Time       `json:"last_event_at"`
}

// Reducer folds one event into the running state.
type Reducer func(state json.RawMessage, evt StoredEvent) (json.RawMessage, error)

// Filter selects stored events. Exactly one index drives the scan, picked by
// specificity (aggregate stream > type > category > user > full scan); every
// other predicate is applied in memory.
type Filter struct {
	AggregateID   string
	AggregateType string
	EventType     string
	Category      event.Category
	UserID        string
	TenantID      string
	Priority      event.Priority
	Tags          []string // any-of
	From          time.Time
	To            time.Time
	FromSequence  uint64
	ToSequence    uint64
	Limit         int
	Offset        int
}

// ReplayOptions configure a paginated replay.
type ReplayOptions struct {
	FromSequence  uint64
	ToSequence    uint64
	AggregateID   string
	AggregateType string
	BatchSize     int
	Handler       func(ctx context.Context, evt StoredEvent) error
}

// SnapshotNeededFunc is invoked when an aggregate append lands on a snapshot
// boundary. Taking the snapshot is the aggregate owner's responsibility.
type SnapshotNeededFunc func(aggregateID, aggregateType string, sequence uint64)

// NotificationFunc observes store activity. Kinds: "appended", "replayed".
type NotificationFunc func(kind string, evt *StoredEvent)

// Config holds event store tunables.
type Config struct {
	KeyPrefix        string
	Retention        time.Duration
	SnapshotInterval uint64
	ReplayBatchSize  int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		KeyPrefix:        "coach:",
		Retention:        90 * 24 * time.Hour,
		SnapshotInterval: 100,
		ReplayBatchSize:  100,
	}
}

// EventStore is the durable append-only log.
type EventStore struct {
	cfg    Config
	store  storage.Store
	keys   keys
	logger *logger.Logger

	// seqMu serializes sequence assignment and counter persistence so the
	// stored counter never regresses. The rest of append work runs outside it.
	seqMu    sync.Mutex
	sequence uint64

	snapshotNeeded SnapshotNeededFunc

	notifyMu  sync.RWMutex
	notifiers []NotificationFunc
}

// New creates an event store, resuming the sequence counter from storage.
func New(ctx context.Context, st storage.Store, cfg Config, log *logger.Logger) (*EventStore, error) {
	if cfg.ReplayBatchSize <= 0 {
		cfg.ReplayBatchSize = 100
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 90 * 24 * time.Hour
	}

	s := &EventStore{
		cfg:    cfg,
		store:  st,
		keys:   keys{prefix: cfg.KeyPrefix},
		logger: log.WithComponent("store"),
	}

	val, err := st.Get(ctx, s.keys.sequence())
	switch {
	case errors.Is(err, storage.ErrNotFound):
		s.sequence = 0
	case err != nil:
		return nil, fmt.Errorf("failed to load sequence counter: %w", err)
	default:
		seq, perr := strconv.ParseUint(val, 10, 64)
		if perr != nil {
			return nil, fmt.Errorf("corrupt sequence counter %q: %w", val, perr)
		}
		s.sequence = seq
	}

	return s, nil
}

// SetSnapshotNeeded registers the snapshot-boundary callback.
func (s *EventStore) SetSnapshotNeeded(fn SnapshotNeededFunc) {
	s.snapshotNeeded = fn
}

// OnNotification registers a local observability hook.
func (s *EventStore) OnNotification(fn NotificationFunc) {
	s.notifyMu.Lock()
	s.notifiers = append(s.notifiers, fn)
	s.notifyMu.Unlock()
}

func (s *EventStore) notify(kind string, evt *StoredEvent) {
	s.notifyMu.RLock()
	notifiers := s.notifiers
	s.notifyMu.RUnlock()
	for _, fn := range notifiers {
		fn(kind, evt)
	}
}

// Sequence returns the last assigned sequence number.
func (s *EventStore) Sequence() uint64 {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	return s.sequence
}

// Append writes an event to the log with the next sequence number. Aggregate
// id/type are optional; when present the event joins that aggregate's stream.
// A primary write failure is returned to the caller; secondary index failures
// are logged and ignored since indexes are advisory.
func (s *EventStore) Append(ctx context.Context, evt *event.Event, aggregateID, aggregateType string) (*StoredEvent, error) {
	if evt == nil {
		return nil, fmt.Errorf("event is required")
	}
	if err := evt.Validate(); err != nil {
		return nil, fmt.Errorf("invalid event: %w", err)
	}
	if (aggregateID == "") != (aggregateType == "") {
		return nil, fmt.Errorf("aggregate id and type must be set together")
	}

	start := time.Now()

	s.seqMu.Lock()
	s.sequence++
	seq := s.sequence
	// The counter write stays inside the lock so the persisted value never
	// regresses under concurrent appends. Sequences are never reused, even
	// when the event write below fails.
	if err := s.store.Set(ctx, s.keys.sequence(), strconv.FormatUint(seq, 10)); err != nil {
		s.seqMu.Unlock()
		return nil, fmt.Errorf("failed to persist sequence counter: %w", err)
	}
	s.seqMu.Unlock()

	stored := &StoredEvent{
		Event:         *evt,
		StoredAt:      time.Now().UTC(),
		Sequence:      seq,
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
	}

	data, err := json.Marshal(stored)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize event: %w", err)
	}
	if err := s.store.SetEx(ctx, s.keys.event(evt.ID), string(data), s.cfg.Retention); err != nil {
		return nil, fmt.Errorf("failed to append event %s: %w", evt.ID, err)
	}

	if aggregateID != "" {
		streamKey := s.keys.stream(aggregateType, aggregateID)
		if err := s.store.ZAdd(ctx, streamKey, float64(seq), evt.ID); err != nil {
			return nil, fmt.Errorf("failed to update stream %s: %w", streamKey, err)
		}
		meta := map[string]string{
			"version":    strconv.FormatUint(seq, 10),
			"updated_at": stored.StoredAt.Format(time.RFC3339Nano),
		}
		if err := s.store.HSet(ctx, s.keys.streamMeta(aggregateType, aggregateID), meta); err != nil {
			return nil, fmt.Errorf("failed to update stream metadata: %w", err)
		}
	}

	s.updateIndexes(ctx, stored)

	metrics.RecordAppend(time.Since(start).Seconds())
	s.notify("appended", stored)

	if aggregateID != "" && s.cfg.SnapshotInterval > 0 && seq%s.cfg.SnapshotInterval == 0 {
		if fn := s.snapshotNeeded; fn != nil {
			fn(aggregateID, aggregateType, seq)
		}
	}

	return stored, nil
}

// updateIndexes applies every applicable secondary index as one batch.
// Best effort: a failure here must not corrupt the primary append.
func (s *EventStore) updateIndexes(ctx context.Context, stored *StoredEvent) {
	score := float64(stored.Sequence)
	id := stored.ID
	day := stored.StoredAt.Format("2006-01-02")

	err := s.store.Multi(ctx, func(tx storage.Tx) error {
		tx.ZAdd(s.keys.index("type", stored.Type), score, id)
		tx.ZAdd(s.keys.index("category", string(stored.Category)), score, id)
		if stored.Metadata.UserID != "" {
			tx.ZAdd(s.keys.index("user", stored.Metadata.UserID), score, id)
		}
		if stored.Metadata.TenantID != "" {
			tx.ZAdd(s.keys.index("tenant", stored.Metadata.TenantID), score, id)
		}
		tx.ZAdd(s.keys.index("day", day), score, id)
		for _, tag := range stored.Metadata.Tags {
			tx.ZAdd(s.keys.index("tag", tag), score, id)
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("secondary index update failed",
			zap.String("event_id", id), zap.Error(err))
	}
}

// Query returns stored events matching the filter, always sorted by ascending
// sequence regardless of which index drove the scan.
func (s *EventStore) Query(ctx context.Context, f Filter) ([]StoredEvent, error) {
	ids, err := s.candidateIDs(ctx, f)
	if err != nil {
		return nil, err
	}

	events := make([]StoredEvent, 0, len(ids))
	for _, id := range ids {
		stored, err := s.fetch(ctx, id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				// Aged out of retention; indexes may still reference it.
				continue
			}
			return nil, err
		}
		if s.matches(stored, f) {
			events = append(events, *stored)
		}
	}

	sort.Slice(events, func(i, j int) bool {
		return events[i].Sequence < events[j].Sequence
	})

	if f.Offset > 0 {
		if f.Offset >= len(events) {
			return nil, nil
		}
		events = events[f.Offset:]
	}
	if f.Limit > 0 && len(events) > f.Limit {
		events = events[:f.Limit]
	}
	return events, nil
}

// candidateIDs picks the most specific index available and returns its
// members. The full key scan is explicitly the slow path.
func (s *EventStore) candidateIDs(ctx context.Context, f Filter) ([]string, error) {
	switch {
	case f.AggregateID != "" && f.AggregateType != "":
		return s.store.ZRange(ctx, s.keys.stream(f.AggregateType, f.AggregateID), 0, -1)
	case f.EventType != "":
		return s.store.ZRange(ctx, s.keys.index("type", f.EventType), 0, -1)
	case f.Category != "":
		return s.store.ZRange(ctx, s.keys.index("category", string(f.Category)), 0, -1)
	case f.UserID != "":
		return s.store.ZRange(ctx, s.keys.index("user", f.UserID), 0, -1)
	default:
		keys, err := s.store.Keys(ctx, s.keys.eventPattern())
		if err != nil {
			return nil, err
		}
		ids := make([]string, 0, len(keys))
		for _, key := range keys {
			ids = append(ids, key[len(s.keys.eventPattern())-1:])
		}
		return ids, nil
	}
}

func (s *EventStore) fetch(ctx context.Context, id string) (*StoredEvent, error) {
	data, err := s.store.Get(ctx, s.keys.event(id))
	if err != nil {
		return nil, err
	}
	var stored StoredEvent
	if err := json.Unmarshal([]byte(data), &stored); err != nil {
		return nil, fmt.Errorf("corrupt stored event %s: %w", id, err)
	}
	return &stored, nil
}

func (s *EventStore) matches(e *StoredEvent, f Filter) bool {
	if f.AggregateID != "" && e.AggregateID != f.AggregateID {
		return false
	}
	if f.AggregateType != "" && e.AggregateType != f.AggregateType {
		return false
	}
	if f.EventType != "" && e.Type != f.EventType {
		return false
	}
	if f.Category != "" && e.Category != f.Category {
		return false
	}
	if f.UserID != "" && e.Metadata.UserID != f.UserID {
		return false
	}
	if f.TenantID != "" && e.Metadata.TenantID != f.TenantID {
		return false
	}
	if f.Priority != "" && e.Metadata.Priority != f.Priority {
		return false
	}
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.Timestamp.After(f.To) {
		return false
	}
	if f.FromSequence > 0 && e.Sequence < f.FromSequence {
		return false
	}
	if f.ToSequence > 0 && e.Sequence > f.ToSequence {
		return false
	}
	if len(f.Tags) > 0 {
		found := false
		for _, want := range f.Tags {
			for _, have := range e.Metadata.Tags {
				if want == have {
					found = true
					break
				}
			}
			if found {
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// GetStream returns the ordered stream for an aggregate, or nil if the
// aggregate has never been appended to.
func (s *EventStore) GetStream(ctx context.Context, aggregateID, aggregateType string) (*EventStream, error) {
	streamKey := s.keys.stream(aggregateType, aggregateID)
	count, err := s.store.ZCard(ctx, streamKey)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, nil
	}

	ids, err := s.store.ZRange(ctx, streamKey, 0, -1)
	if err != nil {
		return nil, err
	}

	events := make([]StoredEvent, 0, len(ids))
	for _, id := range ids {
		stored, err := s.fetch(ctx, id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, err
		}
		events = append(events, *stored)
	}

	stream := &EventStream{
		StreamID:      aggregateType + ":" + aggregateID,
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		Events:        events,
	}

	meta, err := s.store.HGetAll(ctx, s.keys.streamMeta(aggregateType, aggregateID))
	if err == nil {
		if v, ok := meta["version"]; ok {
			stream.Version, _ = strconv.ParseUint(v, 10, 64)
		}
		if v, ok := meta["updated_at"]; ok {
			stream.UpdatedAt, _ = time.Parse(time.RFC3339Nano, v)
		}
	}
	return stream, nil
}

// SaveSnapshot stores the latest snapshot for an aggregate, replacing any
// prior one. Snapshots are not versioned history.
func (s *EventStore) SaveSnapshot(ctx context.Context, aggregateID, aggregateType string, version uint64, state json.RawMessage) (*Snapshot, error) {
	if aggregateID == "" || aggregateType == "" {
		return nil, fmt.Errorf("aggregate id and type are required")
	}

	snap := &Snapshot{
		ID:            uuid.New().String(),
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		Version:       version,
		State:         state,
		CreatedAt:     time.Now().UTC(),
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize snapshot: %w", err)
	}
	if err := s.store.Set(ctx, s.keys.snapshot(aggregateType, aggregateID), string(data)); err != nil {
		return nil, fmt.Errorf("failed to save snapshot: %w", err)
	}
	return snap, nil
}

// GetSnapshot returns the latest snapshot for an aggregate, or nil.
func (s *EventStore) GetSnapshot(ctx context.Context, aggregateID, aggregateType string) (*Snapshot, error) {
	data, err := s.store.Get(ctx, s.keys.snapshot(aggregateType, aggregateID))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, fmt.Errorf("corrupt snapshot: %w", err)
	}
	return &snap, nil
}

// Replay scans matching events in bounded pages, invoking the handler per
// event. It is a pull-based cursor, not a live tail: it terminates when a
// page comes back short. Cancellation is honored between pages only.
func (s *EventStore) Replay(ctx context.Context, opts ReplayOptions) (int, error) {
	if opts.Handler == nil {
		return 0, fmt.Errorf("replay handler is required")
	}
	batch := opts.BatchSize
	if batch <= 0 {
		batch = s.cfg.ReplayBatchSize
	}

	count := 0
	for page := 0; ; page++ {
		if err := ctx.Err(); err != nil {
			return count, err
		}

		events, err := s.Query(ctx, Filter{
			AggregateID:   opts.AggregateID,
			AggregateType: opts.AggregateType,
			FromSequence:  opts.FromSequence,
			ToSequence:    opts.ToSequence,
			Limit:         batch,
			Offset:        page * batch,
		})
		if err != nil {
			return count, err
		}

		for i := range events {
			if err := opts.Handler(ctx, events[i]); err != nil {
				return count, fmt.Errorf("replay handler failed at sequence %d: %w", events[i].Sequence, err)
			}
			count++
			metrics.StoreReplayedTotal.Inc()
			s.notify("replayed", &events[i])
		}

		if len(events) < batch {
			return count, nil
		}
	}
}

// Project reconstructs current aggregate state by folding the reducer over
// the stream, starting from the latest snapshot when one exists. Projection
// of a snapshot plus its subsequent events equals projection of the full
// history from sequence zero.
func (s *EventStore) Project(ctx context.Context, aggregateID, aggregateType string, reducer Reducer, initialState json.RawMessage) (*Projection, error) {
	if reducer == nil {
		return nil, fmt.Errorf("reducer is required")
	}

	state := initialState
	var version uint64
	var lastEventAt time.Time

	snap, err := s.GetSnapshot(ctx, aggregateID, aggregateType)
	if err != nil {
		return nil, err
	}
	if snap != nil {
		state = snap.State
		version = snap.Version
	}

	events, err := s.Query(ctx, Filter{
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		FromSequence:  version + 1,
	})
	if err != nil {
		return nil, err
	}

	for i := range events {
		state, err = reducer(state, events[i])
		if err != nil {
			return nil, fmt.Errorf("reducer failed at sequence %d: %w", events[i].Sequence, err)
		}
		version = events[i].Sequence
		lastEventAt = events[i].Timestamp
	}

	return &Projection{State: state, Version: version, LastEventAt: lastEventAt}, nil
}
