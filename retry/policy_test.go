package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errConflict = errors.New("conflict")
	errInternal = errors.New("internal error")
)

func TestShouldRetry(t *testing.T) {
	tests := []struct {
		name     string
		policy   *Policy
		attempts int
		err      error
		want     bool
	}{
		{"nil error", Fixed(3, time.Millisecond), 1, nil, false},
		{"any error", Fixed(3, time.Millisecond), 1, errInternal, true},
		{"attempts exhausted", Fixed(3, time.Millisecond), 3, errInternal, false},
		{"no retry", NoRetry(), 1, errConflict, false},
		{"conflict retried", Conflicts(3, errConflict), 2, errConflict, true},
		{"wrapped conflict retried", Conflicts(3, errConflict), 1, errors.Join(errors.New("ctx"), errConflict), true},
		{"other error not retried", Conflicts(3, errConflict), 1, errInternal, false},
		{"unlimited", &Policy{}, 1000, errInternal, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.policy.ShouldRetry(tt.attempts, tt.err))
		})
	}
}

func TestGetDelay(t *testing.T) {
	p := &Policy{InitialInterval: 100 * time.Millisecond, MaxInterval: time.Second, Multiplier: 2}

	assert.Equal(t, 100*time.Millisecond, p.GetDelay(1))
	assert.Equal(t, 200*time.Millisecond, p.GetDelay(2))
	assert.Equal(t, 400*time.Millisecond, p.GetDelay(3))
	assert.Equal(t, time.Second, p.GetDelay(10))
}

func TestGetDelayJitter(t *testing.T) {
	p := &Policy{InitialInterval: 100 * time.Millisecond, Multiplier: 1, RandomizationFactor: 0.5}
	for range 50 {
		d := p.GetDelay(1)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.LessOrEqual(t, d, 150*time.Millisecond)
	}
}

func TestDoRetriesConflicts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Conflicts(5, errConflict), func(context.Context) error {
		calls++
		if calls < 3 {
			return errConflict
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoGivesUp(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Fixed(2, time.Millisecond), func(context.Context) error {
		calls++
		return errConflict
	})
	assert.ErrorIs(t, err, errConflict)
	assert.Equal(t, 2, calls)
}

func TestDoNilPolicyRunsOnce(t *testing.T) {
	calls := 0
	err := Do(context.Background(), nil, func(context.Context) error {
		calls++
		return errConflict
	})
	assert.ErrorIs(t, err, errConflict)
	assert.Equal(t, 1, calls)
}

func TestDoStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, Fixed(0, time.Hour), func(context.Context) error {
		calls++
		cancel()
		return errConflict
	})
	assert.ErrorIs(t, err, errConflict)
	assert.Equal(t, 1, calls)
}
