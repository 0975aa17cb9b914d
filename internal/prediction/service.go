// Package prediction implements the low-latency cached dispatcher: pluggable
// prediction functions behind a uniform request/response contract, a
// fingerprint-keyed cache, a bounded priority queue, live fan-out, and SLA
// latency tracking.
package prediction

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/elevate-ai/coaching-platform/internal/bus"
	"github.com/elevate-ai/coaching-platform/internal/event"
	"github.com/elevate-ai/coaching-platform/internal/storage"
	"github.com/elevate-ai/coaching-platform/pkg/logger"
	"github.com/elevate-ai/coaching-platform/pkg/metrics"
)

// Type identifies a prediction model in the fixed catalog.
type Type string

const (
	TypeChurn          Type = "churn"
	TypeGoalCompletion Type = "goal_completion"
	TypeEngagement     Type = "engagement"
	TypeSentiment      Type = "sentiment"
	TypeNextSession    Type = "next_session"
)

var catalog = map[Type]struct{}{
	TypeChurn:          {},
	TypeGoalCompletion: {},
	TypeEngagement:     {},
	TypeSentiment:      {},
	TypeNextSession:    {},
}

var (
	// ErrQueueFull is returned when the async request queue is at capacity.
	ErrQueueFull = errors.New("prediction queue full")
	// ErrUnknownType is returned for types outside the catalog or with no
	// registered function.
	ErrUnknownType = errors.New("unknown prediction type")
	// ErrTimeout is returned when a prediction function exceeds its
	// deadline. Terminal for that attempt; the service never retries.
	ErrTimeout = errors.New("prediction timeout")
)

// Prediction is what a registered function returns.
type Prediction struct {
	Result     json.RawMessage `json:"result"`
	Confidence float64         `json:"confidence"`
}

// Func is a pure prediction function of its input.
type Func func(ctx context.Context, input json.RawMessage) (Prediction, error)

// Request asks for one prediction.
type Request struct {
	Type      Type            `json:"type"`
	UserID    string          `json:"user_id"`
	Input     json.RawMessage `json:"input"`
	Priority  event.Priority  `json:"priority"`
	Timeout   time.Duration   `json:"-"`
	SkipCache bool            `json:"-"`
}

// Result is a completed prediction.
type Result struct {
	Type       Type            `json:"type"`
	UserID     string          `json:"user_id"`
	Prediction json.RawMessage `json:"prediction"`
	Confidence float64         `json:"confidence"`
	LatencyMs  float64         `json:"latency_ms"`
	FromCache  bool            `json:"from_cache"`
	ExpiresAt  time.Time       `json:"expires_at"`
}

// BatchResult aggregates a batch run. Individual failures are counted, never
// propagated; a bad request cannot abort the batch.
type BatchResult struct {
	Total     int       `json:"total"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	Results   []*Result `json:"results"`
}

// cacheEntry is the stored form of a cached prediction.
type cacheEntry struct {
	Prediction json.RawMessage `json:"prediction"`
	Confidence float64         `json:"confidence"`
	ExpiresAt  time.Time       `json:"expires_at"`
}

// Config holds prediction service tunables.
type Config struct {
	KeyPrefix        string
	Timeout          time.Duration
	CacheTTLCritical time.Duration
	CacheTTLHigh     time.Duration
	CacheTTLNormal   time.Duration
	CacheTTLLow      time.Duration
	QueueCapacity    int
	DrainInterval    time.Duration
	DrainBatch       int
	BatchChunkSize   int
	LatencyWindow    int
}

// DefaultConfig returns production defaults. Critical predictions cache for
// the shortest window, reflecting their time-sensitivity.
func DefaultConfig() Config {
	return Config{
		KeyPrefix:        "coach:",
		Timeout:          5 * time.Second,
		CacheTTLCritical: 30 * time.Second,
		CacheTTLHigh:     time.Minute,
		CacheTTLNormal:   5 * time.Minute,
		CacheTTLLow:      10 * time.Minute,
		QueueCapacity:    1000,
		DrainInterval:    100 * time.Millisecond,
		DrainBatch:       10,
		BatchChunkSize:   5,
		LatencyWindow:    1000,
	}
}

type subscriber struct {
	id       string
	userID   string
	types    map[Type]struct{}
	callback func(*Result)
}

// Service is the realtime prediction dispatcher.
type Service struct {
	cfg    Config
	store  storage.Store
	bus    *bus.EventBus
	logger *logger.Logger

	regMu    sync.RWMutex
	registry map[Type]Func

	subMu       sync.RWMutex
	subscribers map[string]*subscriber

	queue   *requestQueue
	latency *latencyTracker

	runMu sync.Mutex
	stop  chan struct{}
	done  chan struct{}
}

// New creates a prediction service persisting its cache through the store and
// announcing completions on the bus.
func New(st storage.Store, eventBus *bus.EventBus, cfg Config, log *logger.Logger) *Service {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 1000
	}
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = 100 * time.Millisecond
	}
	if cfg.DrainBatch <= 0 {
		cfg.DrainBatch = 10
	}
	if cfg.BatchChunkSize <= 0 {
		cfg.BatchChunkSize = 5
	}
	return &Service{
		cfg:         cfg,
		store:       st,
		bus:         eventBus,
		logger:      log.WithComponent("prediction"),
		registry:    make(map[Type]Func),
		subscribers: make(map[string]*subscriber),
		queue:       newRequestQueue(cfg.QueueCapacity),
		latency:     newLatencyTracker(cfg.LatencyWindow),
	}
}

// Register installs the prediction function for a catalog type.
func (s *Service) Register(t Type, fn Func) error {
	if _, ok := catalog[t]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownType, t)
	}
	if fn == nil {
		return fmt.Errorf("prediction function is required")
	}
	s.regMu.Lock()
	s.registry[t] = fn
	s.regMu.Unlock()
	return nil
}

// Predict serves one request, from cache when possible. A cache hit never
// re-invokes the model. The cache key fingerprints the serialized input as-is:
// logically equal inputs with different field order produce different keys, so
// callers must normalize input ordering themselves.
func (s *Service) Predict(ctx context.Context, req Request) (*Result, error) {
	if err := s.validate(&req); err != nil {
		return nil, err
	}

	fn := s.lookup(req.Type)
	if fn == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, req.Type)
	}

	start := time.Now()
	key := s.cacheKey(req.Type, req.UserID, fingerprint(req.Input))

	if !req.SkipCache {
		if res := s.cacheGet(ctx, key, &req); res != nil {
			res.LatencyMs = msSince(start)
			s.latency.record(res.LatencyMs)
			metrics.RecordPrediction(string(req.Type), "cache", time.Since(start).Seconds())
			s.fanOut(res)
			return res, nil
		}
	}

	pred, err := s.run(ctx, fn, req)
	if err != nil {
		return nil, err
	}

	ttl := s.ttlFor(req.Priority)
	expiresAt := time.Now().Add(ttl).UTC()
	res := &Result{
		Type:       req.Type,
		UserID:     req.UserID,
		Prediction: pred.Result,
		Confidence: pred.Confidence,
		LatencyMs:  msSince(start),
		FromCache:  false,
		ExpiresAt:  expiresAt,
	}

	s.cachePut(ctx, key, pred, expiresAt, ttl)

	s.latency.record(res.LatencyMs)
	metrics.RecordPrediction(string(req.Type), "model", time.Since(start).Seconds())

	s.publishCompletion(ctx, req, res)
	s.fanOut(res)

	return res, nil
}

func (s *Service) validate(req *Request) error {
	if _, ok := catalog[req.Type]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownType, req.Type)
	}
	if req.UserID == "" {
		return fmt.Errorf("user id is required")
	}
	if req.Priority == "" {
		req.Priority = event.PriorityNormal
	}
	if !req.Priority.Valid() {
		return fmt.Errorf("unknown priority %q", req.Priority)
	}
	return nil
}

func (s *Service) lookup(t Type) Func {
	s.regMu.RLock()
	defer s.regMu.RUnlock()
	return s.registry[t]
}

// run races the prediction function against its deadline. On timeout the
// function may keep running; its result is discarded.
func (s *Service) run(ctx context.Context, fn Func, req Request) (Prediction, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = s.cfg.Timeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		pred Prediction
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		pred, err := fn(runCtx, req.Input)
		done <- outcome{pred, err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return Prediction{}, fmt.Errorf("prediction %s failed: %w", req.Type, out.err)
		}
		return out.pred, nil
	case <-runCtx.Done():
		return Prediction{}, fmt.Errorf("%w: %s after %s", ErrTimeout, req.Type, timeout)
	}
}

func (s *Service) cacheGet(ctx context.Context, key string, req *Request) *Result {
	data, err := s.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("cache read failed", zap.String("key", key), zap.Error(err))
		}
		return nil
	}
	var entry cacheEntry
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		s.logger.Warn("corrupt cache entry", zap.String("key", key), zap.Error(err))
		return nil
	}
	return &Result{
		Type:       req.Type,
		UserID:     req.UserID,
		Prediction: entry.Prediction,
		Confidence: entry.Confidence,
		FromCache:  true,
		ExpiresAt:  entry.ExpiresAt,
	}
}

// cachePut stores the result; a write failure is a capacity problem distinct
// from the prediction itself, so it is reported and the result still returned.
func (s *Service) cachePut(ctx context.Context, key string, pred Prediction, expiresAt time.Time, ttl time.Duration) {
	entry := cacheEntry{
		Prediction: pred.Result,
		Confidence: pred.Confidence,
		ExpiresAt:  expiresAt,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		s.logger.Error("failed to serialize cache entry", zap.Error(err))
		return
	}
	if err := s.store.SetEx(ctx, key, string(data), ttl); err != nil {
		s.logger.Error("cache write failed", zap.String("key", key), zap.Error(err))
	}
}

func (s *Service) ttlFor(p event.Priority) time.Duration {
	switch p {
	case event.PriorityCritical:
		return s.cfg.CacheTTLCritical
	case event.PriorityHigh:
		return s.cfg.CacheTTLHigh
	case event.PriorityLow:
		return s.cfg.CacheTTLLow
	default:
		return s.cfg.CacheTTLNormal
	}
}

// publishCompletion announces the result on the bus so dashboards observe it
// without polling. Publish failures are logged, never surfaced to the caller.
func (s *Service) publishCompletion(ctx context.Context, req Request, res *Result) {
	if s.bus == nil {
		return
	}
	payload, err := event.MarshalPayload(res)
	if err != nil {
		s.logger.Error("failed to serialize completion event", zap.Error(err))
		return
	}
	_, err = s.bus.Publish(ctx, "prediction."+string(req.Type), event.CategoryPrediction, payload, &bus.PublishOptions{
		Priority: req.Priority,
		Source:   "prediction-service",
		UserID:   req.UserID,
	})
	if err != nil {
		s.logger.Error("failed to publish completion event",
			zap.String("type", string(req.Type)), zap.Error(err))
	}
}

// BatchPredict runs requests in fixed-size concurrent chunks, aggregating
// success and failure counts.
func (s *Service) BatchPredict(ctx context.Context, requests []Request) (*BatchResult, error) {
	result := &BatchResult{Total: len(requests)}
	var mu sync.Mutex

	for start := 0; start < len(requests); start += s.cfg.BatchChunkSize {
		end := start + s.cfg.BatchChunkSize
		if end > len(requests) {
			end = len(requests)
		}

		g, chunkCtx := errgroup.WithContext(ctx)
		for _, req := range requests[start:end] {
			req := req
			g.Go(func() error {
				res, err := s.Predict(chunkCtx, req)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					result.Failed++
					s.logger.Warn("batch prediction failed",
						zap.String("type", string(req.Type)),
						zap.String("user_id", req.UserID),
						zap.Error(err),
					)
					return nil
				}
				result.Succeeded++
				result.Results = append(result.Results, res)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return result, err
		}
	}
	return result, nil
}

// Subscribe registers an in-process callback receiving every result for the
// user whose type is in the requested set.
func (s *Service) Subscribe(userID string, types []Type, callback func(*Result)) string {
	set := make(map[Type]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	sub := &subscriber{
		id:       uuid.New().String(),
		userID:   userID,
		types:    set,
		callback: callback,
	}
	s.subMu.Lock()
	s.subscribers[sub.id] = sub
	s.subMu.Unlock()
	return sub.id
}

// Unsubscribe removes a fan-out registration. Returns false for unknown ids.
func (s *Service) Unsubscribe(id string) bool {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if _, ok := s.subscribers[id]; !ok {
		return false
	}
	delete(s.subscribers, id)
	return true
}

func (s *Service) fanOut(res *Result) {
	s.subMu.RLock()
	var matched []*subscriber
	for _, sub := range s.subscribers {
		if sub.userID != res.UserID {
			continue
		}
		if _, ok := sub.types[res.Type]; !ok {
			continue
		}
		matched = append(matched, sub)
	}
	s.subMu.RUnlock()

	for _, sub := range matched {
		go sub.callback(res)
	}
}

// QueuePrediction enqueues an asynchronous request, rejecting past capacity.
func (s *Service) QueuePrediction(req Request) error {
	if err := s.validate(&req); err != nil {
		return err
	}
	if err := s.queue.push(req); err != nil {
		metrics.PredictionQueueRejectedTotal.Inc()
		return err
	}
	return nil
}

// QueueDepth returns the number of queued requests.
func (s *Service) QueueDepth() int {
	return s.queue.len()
}

// Start launches the background queue drainer.
func (s *Service) Start(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.stop != nil {
		return
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.drainLoop(ctx, s.stop, s.done)
}

// Stop halts the drainer after its current batch completes.
func (s *Service) Stop() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.stop == nil {
		return
	}
	close(s.stop)
	<-s.done
	s.stop = nil
	s.done = nil
}

// drainLoop pulls fixed-size batches from the queue on a fixed interval.
// Individual failures are swallowed and logged so one bad request cannot
// stall the queue. The stop condition is checked between batches only.
func (s *Service) drainLoop(ctx context.Context, stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.cfg.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			for _, req := range s.queue.drain(s.cfg.DrainBatch) {
				if _, err := s.Predict(ctx, req); err != nil {
					s.logger.Warn("queued prediction failed",
						zap.String("type", string(req.Type)),
						zap.String("user_id", req.UserID),
						zap.Error(err),
					)
				}
			}
		}
	}
}

// Invalidate removes every cached prediction for a user.
func (s *Service) Invalidate(ctx context.Context, userID string) (int64, error) {
	return s.invalidatePattern(ctx, s.cfg.KeyPrefix+"predict:cache:*:"+userID+":*")
}

// InvalidateType removes cached predictions of one type for a user.
func (s *Service) InvalidateType(ctx context.Context, userID string, t Type) (int64, error) {
	return s.invalidatePattern(ctx, s.cacheKey(t, userID, "*"))
}

func (s *Service) invalidatePattern(ctx context.Context, pattern string) (int64, error) {
	keys, err := s.store.Keys(ctx, pattern)
	if err != nil {
		return 0, fmt.Errorf("cache invalidation scan failed: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := s.store.Del(ctx, keys...)
	if err != nil {
		return 0, fmt.Errorf("cache invalidation failed: %w", err)
	}
	return n, nil
}

// Latency returns the current latency percentiles.
func (s *Service) Latency() LatencyStats {
	return s.latency.stats()
}

func (s *Service) cacheKey(t Type, userID, fp string) string {
	return fmt.Sprintf("%spredict:cache:%s:%s:%s", s.cfg.KeyPrefix, t, userID, fp)
}

// fingerprint hashes the serialized input as-is; no field-order
// canonicalization.
func fingerprint(input json.RawMessage) string {
	sum := sha256.Sum256(input)
	return hex.EncodeToString(sum[:16])
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}
