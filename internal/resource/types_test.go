package resource

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	govErrors "plugin-governor/internal/errors"
)

func TestResourceType_RoundTripNames(t *testing.T) {
	for _, rt := range AllResourceTypes() {
		parsed, err := ParseResourceType(rt.String())
		require.NoError(t, err)
		assert.Equal(t, rt, parsed)
	}

	_, err := ParseResourceType("socket")
	assert.ErrorIs(t, err, govErrors.ErrInvalidArgument)
}

func TestPriority_Ordering(t *testing.T) {
	assert.True(t, Low < Normal)
	assert.True(t, Normal < High)
	assert.True(t, High < Critical)

	p, err := ParsePriority("HIGH")
	require.NoError(t, err)
	assert.Equal(t, High, p)

	p, err = ParsePriority("")
	require.NoError(t, err)
	assert.Equal(t, Normal, p)
}

func TestHandle_JSON(t *testing.T) {
	h := Handle{ID: "h1", Type: DatabaseConnection, PluginID: "p1", State: InUse, Priority: Critical}
	data, err := json.Marshal(h)
	require.NoError(t, err)

	s := string(data)
	assert.Contains(t, s, `"resource_type":"database_connection"`)
	assert.Contains(t, s, `"state":"in_use"`)
	assert.Contains(t, s, `"priority":"critical"`)
}

func TestHandle_ValidityAndAge(t *testing.T) {
	assert.False(t, Handle{}.IsValid())
	assert.Equal(t, time.Duration(0), Handle{}.Age())

	h := Handle{ID: "x", CreatedAt: time.Now().Add(time.Hour)}
	assert.True(t, h.IsValid())
	assert.Equal(t, time.Duration(0), h.Age())
}

func TestHandle_CloneCopiesMetadata(t *testing.T) {
	h := Handle{ID: "x", Metadata: map[string]interface{}{"a": 1}}
	c := h.Clone()
	c.Metadata["a"] = 2
	assert.Equal(t, 1, h.Metadata["a"])
}

func TestQuota(t *testing.T) {
	assert.True(t, Quota{MinPriority: High}.IsUnlimited())
	assert.False(t, Quota{MaxInstances: 1}.IsUnlimited())
	assert.False(t, Quota{MaxLifetime: time.Second}.IsUnlimited())

	assert.NoError(t, Quota{}.Validate())
	assert.Error(t, Quota{MaxInstances: -1}.Validate())
	assert.Error(t, Quota{MinPriority: Priority(9)}.Validate())
}

func TestUsageStats_UtilizationRate(t *testing.T) {
	assert.Equal(t, 0.0, UsageStats{}.UtilizationRate())
	assert.Equal(t, 0.5, UsageStats{TotalCreated: 4, CurrentlyActive: 2}.UtilizationRate())
}
