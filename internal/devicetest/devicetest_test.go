package devicetest_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/theanurin/emphatic-fs/internal/devicetest"
)

func TestNewProducesParsableGeometryWithEmptyRoot(t *testing.T) {
	dev, geom, err := devicetest.New(devicetest.Options{TotalClusters: 16})
	require.NoError(t, err)
	require.NotNil(t, dev)

	require.EqualValues(t, 16, geom.TotalClusters)
	require.EqualValues(t, 2, geom.RootCluster)
	require.EqualValues(t, 512, geom.ClusterSize)
}

func TestNewFillsUnsetOptionsWithDefaults(t *testing.T) {
	_, geom, err := devicetest.New(devicetest.Options{})
	require.NoError(t, err)
	require.EqualValues(t, 64, geom.TotalClusters)
	require.EqualValues(t, 2, geom.NumFATs)
}
