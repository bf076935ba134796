package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig(attempts int) *Config {
	return &Config{MaxAttempts: attempts, InitialDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond, Multiplier: 2}
}

func TestRetrier_Do(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name         string
		failures     int
		err          error
		wantAttempts int
		wantErr      bool
	}{
		{name: "succeeds_first_time", failures: 0, wantAttempts: 1},
		{name: "succeeds_after_transient_failures", failures: 2, err: boom, wantAttempts: 3},
		{name: "gives_up_after_max_attempts", failures: 10, err: boom, wantAttempts: 3, wantErr: true},
		{name: "permanent_error_stops_immediately", failures: 10, err: Permanent(boom), wantAttempts: 1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			result := New(fastConfig(3)).Do(context.Background(), func(context.Context) error {
				calls++
				if calls <= tt.failures {
					return tt.err
				}
				return nil
			})
			assert.Equal(t, tt.wantAttempts, result.Attempts)
			assert.Equal(t, tt.wantAttempts, calls)
			if tt.wantErr {
				require.Error(t, result.Err)
				assert.ErrorIs(t, result.Err, boom)
			} else {
				assert.NoError(t, result.Err)
			}
		})
	}
}

func TestRetrier_StopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	result := New(fastConfig(0)).Do(ctx, func(context.Context) error {
		calls++
		return errors.New("unreachable")
	})
	assert.Equal(t, 0, calls)
	assert.ErrorIs(t, result.Err, context.Canceled)
}

func TestNew_ClampsConfig(t *testing.T) {
	r := New(&Config{Multiplier: 0.5, RandomizeFactor: 3, InitialDelay: time.Second})
	assert.InDelta(t, 1.0, r.config.Multiplier, 0.0001)
	assert.InDelta(t, 1.0, r.config.RandomizeFactor, 0.0001)
	assert.Equal(t, time.Second, r.config.MaxDelay)
	assert.NotNil(t, r.config.RetryIf)
}

func TestNext_CapsAtMaxDelay(t *testing.T) {
	r := New(fastConfig(5))
	assert.Equal(t, 2*time.Millisecond, r.next(time.Millisecond))
	assert.Equal(t, 4*time.Millisecond, r.next(3*time.Millisecond))
}

func TestDefaultRetryIf(t *testing.T) {
	assert.False(t, DefaultRetryIf(nil))
	assert.True(t, DefaultRetryIf(errors.New("transient")))
	assert.False(t, DefaultRetryIf(Permanent(errors.New("bad input"))))
	assert.False(t, DefaultRetryIf(context.Canceled))
	assert.Nil(t, Permanent(nil))
}
