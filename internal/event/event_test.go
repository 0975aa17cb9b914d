package event

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	evt := New("user.created", CategoryUser, json.RawMessage(`{"name":"ada"}`))

	assert.NotEmpty(t, evt.ID)
	assert.Equal(t, "user.created", evt.Type)
	assert.Equal(t, CategoryUser, evt.Category)
	assert.Equal(t, PriorityNormal, evt.Metadata.Priority)
	assert.Equal(t, 1, evt.Version)
	assert.WithinDuration(t, time.Now().UTC(), evt.Timestamp, time.Second)
	require.NoError(t, evt.Validate())
}

func TestNew_IDsAreTimeOrdered(t *testing.T) {
	a := New("a", CategorySystem, nil)
	b := New("b", CategorySystem, nil)
	assert.Less(t, a.ID, b.ID)
}

func TestValidate(t *testing.T) {
	evt := New("", CategoryUser, nil)
	assert.Error(t, evt.Validate())

	evt = New("user.created", "", nil)
	assert.Error(t, evt.Validate())

	evt = New("user.created", Category("bogus"), nil)
	assert.Error(t, evt.Validate())

	evt = New("user.created", CategoryUser, nil)
	evt.Metadata.Priority = Priority("urgent")
	assert.Error(t, evt.Validate())
}

func TestExpired(t *testing.T) {
	evt := New("session.ended", CategorySession, nil)
	assert.False(t, evt.Expired(time.Now()), "zero TTL never expires")

	evt.Metadata.TTL = 60
	assert.False(t, evt.Expired(evt.Timestamp.Add(30*time.Second)))
	assert.True(t, evt.Expired(evt.Timestamp.Add(61*time.Second)))
}

func TestPriorityRank(t *testing.T) {
	assert.Equal(t, 0, PriorityCritical.Rank())
	assert.Equal(t, 1, PriorityHigh.Rank())
	assert.Equal(t, 2, PriorityNormal.Rank())
	assert.Equal(t, 3, PriorityLow.Rank())
	assert.Equal(t, 2, Priority("").Rank(), "unknown priorities rank as normal")
}

func TestChannelNaming(t *testing.T) {
	assert.Equal(t, "coach:events:user:user.created", Channel("coach:", CategoryUser, "user.created"))
	assert.Equal(t, "coach:events:*:user.*", PatternChannel("coach:", "", "user.*"))
	assert.Equal(t, "coach:events:analytics:user.*", PatternChannel("coach:", CategoryAnalytics, "user.*"))
	assert.Equal(t, "coach:events:dlq", DeadLetterChannel("coach:"))
}
