package volume_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/theanurin/emphatic-fs/bpb"
	"github.com/theanurin/emphatic-fs/internal/devicetest"
	"github.com/theanurin/emphatic-fs/volume"
)

func mountFresh(t *testing.T) *volume.Context {
	t.Helper()
	dev, _, err := devicetest.New(devicetest.Options{TotalClusters: 32})
	require.NoError(t, err)

	ctx, err := volume.Mount(dev, volume.Options{})
	require.NoError(t, err)
	return ctx
}

func TestMountThenStatfsReportsCapacity(t *testing.T) {
	ctx := mountFresh(t)
	stats := ctx.Statfs()
	require.EqualValues(t, 32, stats.TotalClusters)
	require.EqualValues(t, 1, stats.UsedClusters) // root directory
	require.False(t, stats.HasLabel)
}

func TestCreateWriteReadRoundTrip(t *testing.T) {
	ctx := mountFresh(t)
	require.NoError(t, ctx.Create("/A.TXT", 0))

	h, err := ctx.Open("/A.TXT")
	require.NoError(t, err)

	n, err := ctx.Write(h, []byte("hello there"))
	require.NoError(t, err)
	require.Equal(t, 11, n)
	require.NoError(t, ctx.Close(h))

	h2, err := ctx.Open("/A.TXT")
	require.NoError(t, err)
	buf := make([]byte, 11)
	_, err = ctx.Read(h2, buf)
	require.NoError(t, err)
	require.Equal(t, "hello there", string(buf))
	require.NoError(t, ctx.Close(h2))

	stat, err := ctx.Stat("/A.TXT")
	require.NoError(t, err)
	require.EqualValues(t, 11, stat.Size)
	require.False(t, stat.IsDir)
}

func TestMkdirThenReadDirListsEntries(t *testing.T) {
	ctx := mountFresh(t)
	require.NoError(t, ctx.Mkdir("/D"))
	require.NoError(t, ctx.Create("/D/F.TXT", 0))

	entries, err := ctx.ReadDir("/D")
	require.NoError(t, err)

	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	require.ElementsMatch(t, []string{".", "..", "F.TXT"}, names)
}

func TestReadOnlyMountRejectsMutation(t *testing.T) {
	dev, _, err := devicetest.New(devicetest.Options{TotalClusters: 16})
	require.NoError(t, err)

	ctx, err := volume.Mount(dev, volume.Options{ReadOnly: true})
	require.NoError(t, err)

	err = ctx.Create("/A.TXT", 0)
	require.Error(t, err)

	require.NoError(t, ctx.Unmount())
}

func TestUnlinkThenFsckReadOnlyFindsNoMismatch(t *testing.T) {
	ctx := mountFresh(t)
	require.NoError(t, ctx.Create("/A.TXT", 0))
	require.NoError(t, ctx.Unlink("/A.TXT"))

	mismatches, err := ctx.FsckReadOnly()
	require.NoError(t, err)
	require.Empty(t, mismatches)
}

func TestUnmountPersistsFSInfoHint(t *testing.T) {
	dev, _, err := devicetest.New(devicetest.Options{TotalClusters: 32})
	require.NoError(t, err)
	ctx, err := volume.Mount(dev, volume.Options{})
	require.NoError(t, err)

	require.NoError(t, ctx.Create("/A.TXT", 0))
	require.NoError(t, ctx.Unmount())

	geom, err := bpb.Parse(dev)
	require.NoError(t, err)
	require.EqualValues(t, 30, geom.FSInfo.FreeCount) // 32 clusters, root and A.TXT in use
	require.EqualValues(t, 3, geom.FSInfo.NextFree)   // start of the lowest free region
}
