package lifecycle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"plugin-governor/internal/resource"
)

func TestCleanupPolicy_ShouldCleanup(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	policy := CleanupPolicy{MaxIdleTime: time.Minute, MaxLifetime: time.Hour, MinPriorityToKeep: resource.Normal}

	tests := []struct {
		name      string
		state     State
		createdAt time.Time
		changedAt time.Time
		priority  resource.Priority
		want      bool
	}{
		{"fresh active", Active, now.Add(-time.Minute), now.Add(-time.Minute), resource.Normal, false},
		{"lifetime exceeded", Active, now.Add(-2 * time.Hour), now, resource.Critical, true},
		{"idle too long", Idle, now.Add(-10 * time.Minute), now.Add(-2 * time.Minute), resource.Normal, true},
		{"idle briefly", Idle, now.Add(-10 * time.Minute), now.Add(-30 * time.Second), resource.Normal, false},
		{"active ignores idle time", Active, now.Add(-10 * time.Minute), now.Add(-5 * time.Minute), resource.High, false},
		{"below priority floor", Active, now, now, resource.Low, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, policy.ShouldCleanup(tt.state, tt.createdAt, tt.changedAt, tt.priority, now))
		})
	}
}

func TestCleanupPolicy_ZeroLimitsNeverExpire(t *testing.T) {
	now := time.Now()
	var policy CleanupPolicy
	assert.False(t, policy.ShouldCleanup(Idle, now.Add(-1000*time.Hour), now.Add(-1000*time.Hour), resource.Low, now))
}
