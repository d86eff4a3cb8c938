package circuitbreaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	b := New(Config{MaxFailures: 5, CoolDown: 5 * time.Minute})

	for i := 0; i < 4; i++ {
		b.RecordFailure()
		require.Equal(t, StateClosed, b.State(), "still closed after %d failures", i+1)
	}
	b.RecordFailure()
	require.Equal(t, StateOpen, b.State())

	ok, retryAt := b.Allow()
	require.False(t, ok, "sixth call must be rejected, not attempted")
	require.False(t, retryAt.IsZero())
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	b := New(Config{MaxFailures: 3})
	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	require.Equal(t, StateClosed, b.State(), "streak must reset on success")
}

func TestHalfOpenSingleProbe(t *testing.T) {
	b := New(Config{MaxFailures: 1, CoolDown: time.Minute})
	now := time.Now()
	b.SetClock(func() time.Time { return now })

	b.RecordFailure()
	require.Equal(t, StateOpen, b.State())

	ok, _ := b.Allow()
	require.False(t, ok, "inside cool-down")

	now = now.Add(61 * time.Second)
	ok, _ = b.Allow()
	require.True(t, ok, "first caller after cool-down gets the probe")
	ok, _ = b.Allow()
	require.False(t, ok, "second caller must wait for the probe outcome")
}

func TestProbeFailureReopens(t *testing.T) {
	b := New(Config{MaxFailures: 1, CoolDown: time.Minute})
	now := time.Now()
	b.SetClock(func() time.Time { return now })

	b.RecordFailure()
	now = now.Add(61 * time.Second)
	ok, _ := b.Allow()
	require.True(t, ok)
	b.RecordFailure()
	require.Equal(t, StateOpen, b.State())

	ok, _ = b.Allow()
	require.False(t, ok, "cool-down restarts after a failed probe")

	now = now.Add(61 * time.Second)
	ok, _ = b.Allow()
	require.True(t, ok)
	b.RecordSuccess()
	require.Equal(t, StateClosed, b.State())
	ok, _ = b.Allow()
	require.True(t, ok)
}

func TestPoolIsolatesAccounts(t *testing.T) {
	p := NewPool(Config{MaxFailures: 2})

	bad := p.For("acct-bad")
	bad.RecordFailure()
	bad.RecordFailure()
	require.Equal(t, StateOpen, p.For("acct-bad").State())
	require.Equal(t, StateClosed, p.For("acct-good").State())

	ok, _ := p.For("acct-good").Allow()
	require.True(t, ok, "a failing account must not block others")

	require.Same(t, bad, p.For("acct-bad"))

	states := p.States()
	require.Equal(t, StateOpen, states["acct-bad"])
	require.Equal(t, StateClosed, states["acct-good"])
}
