// Package event defines the event envelope shared by the bus, the store and
// the prediction service, together with channel naming helpers.
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Category classifies an event into one of the platform domains.
type Category string

const (
	CategoryPrediction   Category = "prediction"
	CategoryEngagement   Category = "engagement"
	CategorySafety       Category = "safety"
	CategorySession      Category = "session"
	CategoryCoaching     Category = "coaching"
	CategorySystem       Category = "system"
	CategoryAI           Category = "ai"
	CategoryAnalytics    Category = "analytics"
	CategoryNotification Category = "notification"
	CategoryUser         Category = "user"
)

var categories = map[Category]struct{}{
	CategoryPrediction:   {},
	CategoryEngagement:   {},
	CategorySafety:       {},
	CategorySession:      {},
	CategoryCoaching:     {},
	CategorySystem:       {},
	CategoryAI:           {},
	CategoryAnalytics:    {},
	CategoryNotification: {},
	CategoryUser:         {},
}

// Valid reports whether the category is one of the known domains.
func (c Category) Valid() bool {
	_, ok := categories[c]
	return ok
}

// Priority orders events and prediction requests.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank returns the scheduling rank of a priority; lower drains first.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

// Valid reports whether the priority is a known level.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Metadata carries routing and tracing context alongside the payload.
type Metadata struct {
	Source        string   `json:"source"`
	CorrelationID string   `json:"correlation_id,omitempty"`
	CausationID   string   `json:"causation_id,omitempty"`
	UserID        string   `json:"user_id,omitempty"`
	TenantID      string   `json:"tenant_id,omitempty"`
	Priority      Priority `json:"priority"`
	TTL           int      `json:"ttl,omitempty"` // seconds, 0 = no expiry
	RetryCount    int      `json:"retry_count"`
	MaxRetries    int      `json:"max_retries"`
	Tags          []string `json:"tags,omitempty"`
}

// Event is the unit of communication on the bus and in the log.
// Payload is opaque serialized bytes; consumers deserialize based on Type.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Category  Category        `json:"category"`
	Payload   json.RawMessage `json:"payload"`
	Metadata  Metadata        `json:"metadata"`
	Timestamp time.Time       `json:"timestamp"`
	Version   int             `json:"version"`
}

// New builds an event with a generated id and current timestamp.
func New(eventType string, category Category, payload json.RawMessage) *Event {
	return &Event{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Type:      eventType,
		Category:  category,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
		Version:   1,
		Metadata: Metadata{
			Priority: PriorityNormal,
		},
	}
}

// Validate checks the required envelope fields.
func (e *Event) Validate() error {
	if e.Type == "" {
		return fmt.Errorf("event type is required")
	}
	if e.Category == "" {
		return fmt.Errorf("event category is required")
	}
	if !e.Category.Valid() {
		return fmt.Errorf("unknown event category %q", e.Category)
	}
	if e.Metadata.Priority != "" && !e.Metadata.Priority.Valid() {
		return fmt.Errorf("unknown event priority %q", e.Metadata.Priority)
	}
	return nil
}

// Expired reports whether the event's TTL has elapsed at the given time.
func (e *Event) Expired(now time.Time) bool {
	if e.Metadata.TTL <= 0 {
		return false
	}
	return now.After(e.Timestamp.Add(time.Duration(e.Metadata.TTL) * time.Second))
}

// MarshalPayload serializes an arbitrary value into an event payload.
func MarshalPayload(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return data, nil
}

// Channel returns the publish channel for a concrete event:
// "<prefix>events:<category>:<type>".
func Channel(prefix string, category Category, eventType string) string {
	return fmt.Sprintf("%sevents:%s:%s", prefix, category, eventType)
}

// PatternChannel returns the subscription channel pattern for a type pattern.
// An empty category subscribes across all categories.
func PatternChannel(prefix string, category Category, pattern string) string {
	cat := "*"
	if category != "" {
		cat = string(category)
	}
	return fmt.Sprintf("%sevents:%s:%s", prefix, cat, pattern)
}

// DeadLetterChannel returns the well-known dead-letter channel name.
func DeadLetterChannel(prefix string) string {
	return prefix + "events:dlq"
}
