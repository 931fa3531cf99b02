package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestNewPolicyClampsAndDefaults(t *testing.T) {
	p := NewPolicy(ModeFixed, 5*time.Second, 2*time.Second, 5)
	require.Equal(t, 2*time.Second, p.Initial)
	require.Equal(t, ModeFixed, p.Mode)
	require.Equal(t, 5, p.MaxRetries)

	p = NewPolicy("weird", 0, 0, -1)
	require.Equal(t, DefaultPolicy(), p)
}

func TestDelayModes(t *testing.T) {
	cases := []struct {
		name   string
		policy Policy
		want   []time.Duration
	}{
		{"fixed", NewPolicy(ModeFixed, 100*time.Millisecond, time.Second, 3), []time.Duration{0, 100 * time.Millisecond, 100 * time.Millisecond, 100 * time.Millisecond}},
		{"linear", NewPolicy(ModeLinear, 100*time.Millisecond, 250*time.Millisecond, 5), []time.Duration{0, 100 * time.Millisecond, 200 * time.Millisecond, 250 * time.Millisecond}},
		{"exponential", NewPolicy(ModeExponential, 50*time.Millisecond, 160*time.Millisecond, 5), []time.Duration{0, 50 * time.Millisecond, 100 * time.Millisecond, 160 * time.Millisecond}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for attempt, want := range tc.want {
				require.Equal(t, want, tc.policy.Delay(attempt), "attempt %d", attempt)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	require.Error(t, Policy{Initial: 0, Max: time.Second}.Validate())
	require.Error(t, Policy{Initial: time.Second, Max: 0}.Validate())
	require.Error(t, Policy{Initial: time.Second, Max: time.Second, MaxRetries: -1}.Validate())
	require.NoError(t, VanishedSourcePolicy().Validate())
}

func TestDoRetriesOnceThenGivesUp(t *testing.T) {
	clock := clockwork.NewFakeClock()
	gone := errors.New("source vanished")
	calls := 0

	done := make(chan error, 1)
	go func() {
		done <- VanishedSourcePolicy().Do(context.Background(), clock, func() error {
			calls++
			return gone
		}, nil)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(500 * time.Millisecond)

	select {
	case err := <-done:
		require.ErrorIs(t, err, gone)
		require.Equal(t, 2, calls)
	case <-ctx.Done():
		t.Fatal("Do did not return")
	}
}

func TestDoStopsOnSuccessAndNonRetryable(t *testing.T) {
	clock := clockwork.NewFakeClock()
	calls := 0
	require.NoError(t, DefaultPolicy().Do(context.Background(), clock, func() error {
		calls++
		return nil
	}, nil))
	require.Equal(t, 1, calls)

	fatal := errors.New("fatal")
	calls = 0
	err := DefaultPolicy().Do(context.Background(), clock, func() error {
		calls++
		return fatal
	}, func(error) bool { return false })
	require.ErrorIs(t, err, fatal)
	require.Equal(t, 1, calls)
}

func TestDoHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := DefaultPolicy().Do(ctx, clockwork.NewFakeClock(), func() error { return errors.New("x") }, nil)
	require.ErrorIs(t, err, context.Canceled)
}
