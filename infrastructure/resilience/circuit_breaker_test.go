package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/require"
)

func TestExecute_ClosedPassesResultThrough(t *testing.T) {
	cb := New(DefaultConfig())

	require.NoError(t, cb.Execute(context.Background(), func() error { return nil }))
	require.Equal(t, StateClosed, cb.State())

	boom := errors.New("boom")
	require.ErrorIs(t, cb.Execute(context.Background(), func() error { return boom }), boom)
}

func TestExecute_OpensAfterConsecutiveFailuresAndShortCircuits(t *testing.T) {
	cb := New(Config{MaxFailures: 3, Timeout: time.Hour})
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		require.ErrorIs(t, cb.Execute(context.Background(), func() error { return boom }), boom)
	}
	require.Equal(t, StateOpen, cb.State())

	// gobreaker's ErrOpenState must surface as this package's own sentinel,
	// the one the DEX Client compares against.
	var called bool
	err := cb.Execute(context.Background(), func() error { called = true; return nil })
	require.ErrorIs(t, err, ErrCircuitOpen)
	require.False(t, called)
}

func TestExecute_HalfOpenTrialClosesBreaker(t *testing.T) {
	var transitions []State
	cb := New(Config{
		MaxFailures: 1,
		Timeout:     20 * time.Millisecond,
		HalfOpenMax: 1,
		OnStateChange: func(_, to State) {
			transitions = append(transitions, to)
		},
	})

	cb.Execute(context.Background(), func() error { return errors.New("fail") })
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(40 * time.Millisecond)

	require.NoError(t, cb.Execute(context.Background(), func() error { return nil }))
	require.Equal(t, StateClosed, cb.State())

	// The OnStateChange hook is what feeds the Health Monitor's published
	// breaker states; it must have seen the half-open trial and the close.
	require.Contains(t, transitions, StateHalfOpen)
	require.Equal(t, StateClosed, transitions[len(transitions)-1])
}

func TestExecute_HalfOpenAdmitsAtMostHalfOpenMaxTrials(t *testing.T) {
	cb := New(Config{MaxFailures: 1, Timeout: 10 * time.Millisecond, HalfOpenMax: 1})
	cb.Execute(context.Background(), func() error { return errors.New("fail") })

	time.Sleep(30 * time.Millisecond)

	started := make(chan struct{})
	release := make(chan struct{})
	go cb.Execute(context.Background(), func() error {
		close(started)
		<-release
		return nil
	})
	<-started

	err := cb.Execute(context.Background(), func() error { return nil })
	require.ErrorIs(t, err, ErrTooManyRequests)
	close(release)
}

func TestMapGobreakerError(t *testing.T) {
	require.ErrorIs(t, mapGobreakerError(gobreaker.ErrOpenState), ErrCircuitOpen)
	require.ErrorIs(t, mapGobreakerError(gobreaker.ErrTooManyRequests), ErrTooManyRequests)

	other := errors.New("other")
	require.Equal(t, other, mapGobreakerError(other))
}

func TestState_String(t *testing.T) {
	require.Equal(t, "closed", StateClosed.String())
	require.Equal(t, "open", StateOpen.String())
	require.Equal(t, "half-open", StateHalfOpen.String())
}
