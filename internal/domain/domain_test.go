package domain_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/nfcstats/internal/apperr"
	"example.com/nfcstats/internal/domain"
)

func TestEventUnmarshal(t *testing.T) {
	t.Parallel()

	var ev domain.Event
	err := json.Unmarshal([]byte(`{
		"id": "a1",
		"uid": "04a1b2",
		"eventType": "pageView",
		"timestamp": "2024-01-01T00:00:00Z",
		"metadata": {"critical": true, "platform": "ios"}
	}`), &ev)
	require.NoError(t, err)
	assert.Equal(t, "04a1b2", ev.EntityID)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), ev.Timestamp)
	assert.True(t, ev.IsCritical())
	assert.Equal(t, "ios", ev.Platform())
	assert.Equal(t, domain.DefaultSource, ev.SourceOrDefault())

	var millis domain.Event
	require.NoError(t, json.Unmarshal([]byte(`{"entityId":"u1","eventType":"x","timestamp":1704067200000}`), &millis))
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), millis.Timestamp)

	var bad domain.Event
	require.Error(t, json.Unmarshal([]byte(`{"entityId":"u1","timestamp":"yesterday"}`), &bad))
}

func TestEventCriticalRequiresBool(t *testing.T) {
	t.Parallel()

	ev := domain.Event{Metadata: map[string]any{"critical": "true"}}
	assert.False(t, ev.IsCritical())
}

func TestValidateBatch(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	const skew = 5 * time.Minute
	valid := domain.Event{EntityID: "u1", EventType: domain.EventPageView, Timestamp: now}

	t.Run("Empty", func(t *testing.T) {
		t.Parallel()
		err := domain.ValidateBatch(nil, 500, now, skew)
		require.True(t, apperr.IsValidation(err))
	})

	t.Run("OverCeiling", func(t *testing.T) {
		t.Parallel()
		batch := make([]domain.Event, 501)
		for i := range batch {
			batch[i] = valid
		}
		err := domain.ValidateBatch(batch, 500, now, skew)
		require.True(t, apperr.IsValidation(err))
		require.NoError(t, domain.ValidateBatch(batch[:500], 500, now, skew))
	})

	t.Run("FieldDetail", func(t *testing.T) {
		t.Parallel()
		err := domain.ValidateBatch([]domain.Event{valid, {EntityID: "u2"}}, 500, now, skew)
		require.True(t, apperr.IsValidation(err))
		assert.Equal(t, []apperr.FieldError{
			{Field: "events[1].eventType", Msg: "required"},
			{Field: "events[1].timestamp", Msg: "required ISO 8601 instant"},
		}, apperr.FieldsOf(err))
	})

	t.Run("FutureTimestamp", func(t *testing.T) {
		t.Parallel()
		edge := valid
		edge.Timestamp = now.Add(skew)
		require.NoError(t, domain.ValidateBatch([]domain.Event{edge}, 500, now, skew))

		future := valid
		future.Timestamp = time.Date(2999, 1, 1, 0, 0, 0, 0, time.UTC)
		err := domain.ValidateBatch([]domain.Event{valid, future}, 500, now, skew)
		require.True(t, apperr.IsValidation(err))
		assert.Equal(t, []apperr.FieldError{
			{Field: "events[1].timestamp", Msg: "must not be in the future (beyond allowed skew)"},
		}, apperr.FieldsOf(err))
	})

	t.Run("MissingIDIsAllowed", func(t *testing.T) {
		t.Parallel()
		require.NoError(t, domain.ValidateBatch([]domain.Event{valid}, 500, now, skew))
	})
}

func TestPageRequestResolve(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		req     domain.PageRequest
		limit   int
		wantErr bool
	}{
		{"default", domain.PageRequest{}, domain.DefaultPageLimit, false},
		{"max", domain.PageRequest{Limit: 500}, 500, false},
		{"too large", domain.PageRequest{Limit: 501}, 0, true},
		{"negative", domain.PageRequest{Limit: -1}, 0, true},
		{"bad cursor", domain.PageRequest{Cursor: "not-a-date"}, 0, true},
		{"cursor", domain.PageRequest{Limit: 2, Cursor: "2024-01-01T00:00:00Z"}, 2, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p, err := tt.req.Resolve("test")
			if tt.wantErr {
				require.True(t, apperr.IsValidation(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.limit, p.Limit)
		})
	}
}

func TestPageNextCursor(t *testing.T) {
	t.Parallel()

	p, err := domain.PageRequest{Limit: 2}.Resolve("test")
	require.NoError(t, err)
	assert.Equal(t, "2:init", p.CacheKey())

	next := p.NextCursor(2, true, "2024-01-02T00:00:00Z")
	require.NotNil(t, next)
	assert.Equal(t, "2024-01-02T00:00:00Z", *next)

	assert.Nil(t, p.NextCursor(1, false, "2024-01-02T00:00:00Z"), "short page")
	assert.Nil(t, p.NextCursor(2, false, "2024-01-02T00:00:00Z"), "store has no more rows")

	repeat, err := domain.PageRequest{Limit: 2, Cursor: "2024-01-02T00:00:00Z"}.Resolve("test")
	require.NoError(t, err)
	assert.Equal(t, "2:2024-01-02T00:00:00Z", repeat.CacheKey())
	assert.Nil(t, repeat.NextCursor(2, true, "2024-01-02T00:00:00Z"), "cursor would repeat")
}
