package state

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPending_JSON(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

	tests := []struct {
		name    string
		pending Pending
		json    string
	}{
		{"idle", PendingIdle, "false"},
		{"confirming", PendingConfirming, "true"},
		{"timestamp", PendingSince(at), `"2026-03-01T09:30:00Z"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.pending)
			require.NoError(t, err)
			assert.JSONEq(t, tt.json, string(data))

			var got Pending
			require.NoError(t, json.Unmarshal(data, &got))
			assert.Equal(t, tt.pending.Active, got.Active)
			assert.True(t, tt.pending.Since.Equal(got.Since))
		})
	}

	var p Pending
	assert.ErrorIs(t, json.Unmarshal([]byte(`"soon"`), &p), ErrInvalidPending)
	assert.ErrorIs(t, json.Unmarshal([]byte(`42`), &p), ErrInvalidPending)
}

func TestPending_InFlight(t *testing.T) {
	const delay = 2 * time.Second
	at := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

	assert.False(t, PendingIdle.InFlight(at, delay))
	assert.True(t, PendingConfirming.InFlight(at.Add(time.Hour), delay))
	assert.True(t, PendingSince(at).InFlight(at.Add(delay-time.Millisecond), delay))
	assert.False(t, PendingSince(at).InFlight(at.Add(delay+time.Millisecond), delay))
}

func TestUpdate_Merge(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

	t.Run("new record defaults valid", func(t *testing.T) {
		next, change := Update{ActualValue: Value(21.5)}.Merge("p1", nil, now)
		assert.Equal(t, Created, change)
		assert.True(t, next.Valid)
		assert.Equal(t, 21.5, next.ActualValue)
		assert.Equal(t, now, next.CreatedAt)
	})

	t.Run("new expected resets pending", func(t *testing.T) {
		cur := &PropertyState{ID: "p1", Valid: true, ExpectedValue: true, Pending: PendingConfirming}
		next, change := Update{ExpectedValue: Value(false)}.Merge("p1", cur, now)
		assert.Equal(t, Updated, change)
		assert.Equal(t, false, next.ExpectedValue)
		assert.True(t, next.Pending.IsIdle())
	})

	t.Run("confirmation clears expected", func(t *testing.T) {
		cur := &PropertyState{ID: "p1", Valid: true, ExpectedValue: 50, Pending: PendingConfirming}
		next, _ := Update{ActualValue: Value(50.0), ConfirmExpected: true}.Merge("p1", cur, now)
		assert.Nil(t, next.ExpectedValue)
		assert.True(t, next.Pending.IsIdle())
	})

	t.Run("different report keeps intent", func(t *testing.T) {
		cur := &PropertyState{ID: "p1", Valid: true, ExpectedValue: 50, Pending: PendingConfirming}
		next, _ := Update{ActualValue: Value(10), ConfirmExpected: true}.Merge("p1", cur, now)
		assert.Equal(t, 50, next.ExpectedValue)
		assert.Equal(t, PendingConfirming, next.Pending)
	})

	t.Run("current is untouched", func(t *testing.T) {
		cur := &PropertyState{ID: "p1", Valid: true, ActualValue: map[string]any{"r": 1}}
		next, _ := Update{Valid: Bool(false)}.Merge("p1", cur, now)
		next.ActualValue.(map[string]any)["r"] = 2
		assert.True(t, cur.Valid)
		assert.Equal(t, 1, cur.ActualValue.(map[string]any)["r"])
	})
	t.Run("same values are unchanged", func(t *testing.T) {
		earlier := now.Add(-time.Minute)
		cur := &PropertyState{ID: "p1", Valid: true, ActualValue: 21.5, CreatedAt: earlier, UpdatedAt: earlier}
		next, change := Update{ActualValue: Value(21.5), Valid: Bool(true), ConfirmExpected: true}.Merge("p1", cur, now)
		assert.Equal(t, Unchanged, change)
		assert.Equal(t, earlier, next.UpdatedAt)
	})

	t.Run("condition on expected value", func(t *testing.T) {
		cur := &PropertyState{ID: "p1", Valid: true, ExpectedValue: "off"}
		u := Update{Pending: PendingPtr(PendingConfirming), IfExpected: Value("on")}

		next, change := u.Merge("p1", cur, now)
		assert.Equal(t, Unchanged, change)
		assert.True(t, next.Pending.IsIdle())

		cur.ExpectedValue = "on"
		next, change = u.Merge("p1", cur, now)
		assert.Equal(t, Updated, change)
		assert.Equal(t, PendingConfirming, next.Pending)

		_, change = u.Merge("p1", nil, now)
		assert.Equal(t, Unchanged, change, "a condition never creates a record")
	})
}
