package geometry_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/theanurin/emphatic-fs/geometry"
)

func TestRecommendFindsMatchingRow(t *testing.T) {
	profile, found := geometry.Recommend(4 * 1024 * 1024 * 1024) // 4 GB
	assert.True(t, found)
	assert.EqualValues(t, 4096, profile.ClusterSizeBytes)
}

func TestDescribeFlagsDeviation(t *testing.T) {
	msg := geometry.Describe(4*1024*1024*1024, 32768)
	assert.Contains(t, msg, "deviates")
}

func TestDescribeConfirmsMatch(t *testing.T) {
	msg := geometry.Describe(4*1024*1024*1024, 4096)
	assert.Contains(t, msg, "matches")
}
