package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) Now() time.Time          { return f.t }
func (f *fakeClock) Advance(d time.Duration) { f.t = f.t.Add(d) }

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b := New(3, time.Minute)

	b.RecordFailure("hooks.example")
	b.RecordFailure("hooks.example")
	assert.True(t, b.Allow("hooks.example"))

	b.RecordFailure("hooks.example")
	assert.False(t, b.Allow("hooks.example"))
	assert.Equal(t, StateOpen, b.State("hooks.example"))
	assert.Equal(t, StateClosed, b.State("other.example"))
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	b := New(1, 30*time.Second).WithClock(clock.Now)

	b.RecordFailure("k")
	require.False(t, b.Allow("k"))

	clock.Advance(31 * time.Second)
	assert.True(t, b.Allow("k"), "first call after cool-down is a probe")
	assert.Equal(t, StateHalfOpen, b.State("k"))
	assert.False(t, b.Allow("k"), "only one probe at a time")

	b.RecordSuccess("k")
	assert.Equal(t, StateClosed, b.State("k"))
	assert.True(t, b.Allow("k"))
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	b := New(2, time.Second).WithClock(clock.Now)

	b.RecordFailure("k")
	b.RecordFailure("k")
	clock.Advance(2 * time.Second)
	require.True(t, b.Allow("k"))

	b.RecordFailure("k")
	assert.Equal(t, StateOpen, b.State("k"))
	assert.False(t, b.Allow("k"))
}

func TestBreaker_Do(t *testing.T) {
	b := New(1, time.Hour)
	boom := errors.New("502")

	assert.ErrorIs(t, b.Do("k", func() error { return boom }), boom)
	assert.ErrorIs(t, b.Do("k", func() error { return nil }), ErrOpen)
	assert.NoError(t, b.Do("fresh", func() error { return nil }))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(42).String())
}
