package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elevate-ai/coaching-platform/internal/broker"
	"github.com/elevate-ai/coaching-platform/internal/bus"
	"github.com/elevate-ai/coaching-platform/internal/storage"
	"github.com/elevate-ai/coaching-platform/pkg/logger"
)

type failingBroker struct {
	*broker.MemoryBroker
}

func (f *failingBroker) Ping(ctx context.Context) error {
	return errors.New("broker down")
}

func newTestHandler(t *testing.T, b broker.Broker) *HealthHandler {
	t.Helper()
	mem := storage.NewMemoryStore()
	cfg := bus.DefaultConfig()
	cfg.ChannelPrefix = ""
	eventBus := bus.New(b, cfg, logger.NewNop())
	t.Cleanup(func() { _ = eventBus.Close() })
	return NewHealthHandler(mem, b, eventBus)
}

func TestHealth(t *testing.T) {
	h := newTestHandler(t, broker.NewMemoryBroker())

	rec := httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
}

func TestReady(t *testing.T) {
	h := newTestHandler(t, broker.NewMemoryBroker())

	rec := httptest.NewRecorder()
	h.Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReady_BrokerDown(t *testing.T) {
	h := newTestHandler(t, &failingBroker{broker.NewMemoryBroker()})

	rec := httptest.NewRecorder()
	h.Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "broker unreachable", body["reason"])
}

func TestStats(t *testing.T) {
	h := newTestHandler(t, broker.NewMemoryBroker())

	rec := httptest.NewRecorder()
	h.Stats(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var body bus.StatsSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Zero(t, body.Published)
}
