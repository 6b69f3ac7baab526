package state

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/nerrad567/gray-logic-hub/internal/topology"
)

// Pending marks a write as idle, in flight awaiting confirmation, or attempted
// at a point in time.
//
// On the wire it is false, true, or an RFC 3339 timestamp.
type Pending struct {
	Active bool
	Since  time.Time
}

// PendingIdle means no write is in flight.
var PendingIdle = Pending{}

// PendingConfirming means the device accepted a write and the engine waits for
// its report to confirm the value.
var PendingConfirming = Pending{Active: true}

// PendingSince marks a write attempted at t.
func PendingSince(t time.Time) Pending {
	return Pending{Active: true, Since: t.UTC()}
}

// IsIdle reports whether no write is in flight.
func (p Pending) IsIdle() bool {
	return !p.Active
}

// IsTimestamp reports whether the marker carries an attempt time.
func (p Pending) IsTimestamp() bool {
	return p.Active && !p.Since.IsZero()
}

// InFlight reports whether a write should be treated as still in progress at
// now: confirming writes always are, timestamped attempts until delay has passed.
func (p Pending) InFlight(now time.Time, delay time.Duration) bool {
	if !p.Active {
		return false
	}
	if p.Since.IsZero() {
		return true
	}
	return now.Sub(p.Since) < delay
}

// String renders the marker for logs.
func (p Pending) String() string {
	switch {
	case !p.Active:
		return "false"
	case p.Since.IsZero():
		return "true"
	default:
		return p.Since.Format(time.RFC3339Nano)
	}
}

// MarshalJSON implements json.Marshaler.
func (p Pending) MarshalJSON() ([]byte, error) {
	if p.IsTimestamp() {
		return json.Marshal(p.Since.Format(time.RFC3339Nano))
	}
	return json.Marshal(p.Active)
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *Pending) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")), bytes.Equal(data, []byte("false")):
		*p = PendingIdle
		return nil
	case bytes.Equal(data, []byte("true")):
		*p = PendingConfirming
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidPending, data)
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidPending, s)
	}
	*p = PendingSince(t)
	return nil
}

// PropertyState is the live record of a dynamic or mapped property.
type PropertyState struct {
	ID            string    `json:"id"`
	ActualValue   any       `json:"actual_value"`
	ExpectedValue any       `json:"expected_value"`
	Pending       Pending   `json:"pending"`
	Valid         bool      `json:"valid"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Clone returns an independent copy of the state.
func (s *PropertyState) Clone() *PropertyState {
	if s == nil {
		return nil
	}
	cpy := *s
	cpy.ActualValue = topology.CopyValue(s.ActualValue)
	cpy.ExpectedValue = topology.CopyValue(s.ExpectedValue)
	return &cpy
}

// Current returns the actual value when it can be trusted, else nil.
func (s *PropertyState) Current() any {
	if s == nil || !s.Valid {
		return nil
	}
	return s.ActualValue
}

// Field is an optional value in an Update. A set field with a nil Value clears it.
type Field struct {
	Set   bool
	Value any
}

// Value returns a set field.
func Value(v any) Field {
	return Field{Set: true, Value: v}
}

// Clear returns a set field with no value.
func Clear() Field {
	return Field{Set: true}
}

// Update is a partial change to a PropertyState. Unset fields keep their value.
type Update struct {
	ActualValue   Field
	ExpectedValue Field
	Valid         *bool
	Pending       *Pending

	// ConfirmExpected clears the expected value and pending marker when the
	// new actual value equals the expected one.
	ConfirmExpected bool

	// IfExpected makes the update conditional: when set, it applies only while
	// the record's expected value equals IfExpected.Value.
	IfExpected Field
}

// Bool returns a pointer to b, for Update.Valid.
func Bool(b bool) *bool { return &b }

// PendingPtr returns a pointer to p, for Update.Pending.
func PendingPtr(p Pending) *Pending { return &p }

// IsZero reports whether the update changes nothing.
func (u Update) IsZero() bool {
	return !u.ActualValue.Set && !u.ExpectedValue.Set && u.Valid == nil && u.Pending == nil
}

// Change says what applying an update did to a record.
type Change int

const (
	// Unchanged means the record was left as it was: the update carried
	// nothing new or its IfExpected condition did not hold.
	Unchanged Change = iota
	Created
	Updated
)

func (c Change) String() string {
	switch c {
	case Created:
		return "created"
	case Updated:
		return "updated"
	default:
		return "unchanged"
	}
}

// Merge applies u to current (nil for a new record) and returns the result.
// Stores call it inside their per-key critical section and skip the write
// when the change is Unchanged; next is then the zero value for a missing
// record and a copy of current otherwise.
func (u Update) Merge(id string, current *PropertyState, now time.Time) (next PropertyState, change Change) {
	if u.IfExpected.Set {
		var expected any
		if current != nil {
			expected = current.ExpectedValue
		}
		if !SameValue(expected, u.IfExpected.Value) {
			if current == nil {
				return PropertyState{}, Unchanged
			}
			return *current.Clone(), Unchanged
		}
	}

	if current == nil {
		change = Created
		next = PropertyState{ID: id, Valid: true, CreatedAt: now}
	} else {
		change = Updated
		next = *current.Clone()
	}

	if u.ActualValue.Set {
		next.ActualValue = topology.CopyValue(u.ActualValue.Value)
	}
	if u.Valid != nil {
		next.Valid = *u.Valid
	}
	if u.ExpectedValue.Set {
		next.ExpectedValue = topology.CopyValue(u.ExpectedValue.Value)
		// A new intent starts a fresh write cycle.
		next.Pending = PendingIdle
	}
	if u.Pending != nil {
		next.Pending = *u.Pending
	}
	if u.ConfirmExpected && u.ActualValue.Set && next.ExpectedValue != nil &&
		topology.EqualValues(next.ActualValue, next.ExpectedValue) {
		next.ExpectedValue = nil
		next.Pending = PendingIdle
	}

	if current != nil && sameState(current, &next) {
		return *current.Clone(), Unchanged
	}
	next.UpdatedAt = now
	return next, change
}

// SameValue compares property values: scalars numerically or exactly,
// anything else structurally.
func SameValue(a, b any) bool {
	return topology.EqualValues(a, b) || reflect.DeepEqual(a, b)
}

// sameState reports whether a and b hold the same record, ignoring UpdatedAt.
func sameState(a, b *PropertyState) bool {
	return a.ID == b.ID &&
		a.Valid == b.Valid &&
		a.Pending.Active == b.Pending.Active &&
		a.Pending.Since.Equal(b.Pending.Since) &&
		a.CreatedAt.Equal(b.CreatedAt) &&
		SameValue(a.ActualValue, b.ActualValue) &&
		SameValue(a.ExpectedValue, b.ExpectedValue)
}
