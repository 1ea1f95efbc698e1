package directory_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/theanurin/emphatic-fs/bpb"
	"github.com/theanurin/emphatic-fs/clusterchain"
	"github.com/theanurin/emphatic-fs/directory"
	"github.com/theanurin/emphatic-fs/dirent"
	"github.com/theanurin/emphatic-fs/errors"
	"github.com/theanurin/emphatic-fs/fatcache"
	"github.com/theanurin/emphatic-fs/fileio"
	"github.com/theanurin/emphatic-fs/freemap"
	"github.com/theanurin/emphatic-fs/openfiles"
)

type rws struct {
	*bytes.Reader
	buf []byte
}

func newRWS(data []byte) *rws {
	return &rws{Reader: bytes.NewReader(data), buf: data}
}

func (r *rws) Write(p []byte) (int, error) {
	pos, _ := r.Reader.Seek(0, 1)
	n := copy(r.buf[pos:], p)
	r.Reader.Seek(int64(n), 1)
	return n, nil
}

// newVolume builds a tiny 16-cluster, 512-byte-cluster volume with an
// empty root directory occupying cluster 2, and returns a wired-up
// directory.Engine ready for use.
func newVolume(t *testing.T) *directory.Engine {
	t.Helper()
	const sectorSize = 512
	geom := &bpb.Geometry{
		SectorSize:    sectorSize,
		ClusterSize:   sectorSize,
		FATStartByte:  sectorSize,
		DataStartByte: 2 * sectorSize,
		TotalClusters: 16,
		RootCluster:   2,
		SectorsPerFAT: 1,
		NumFATs:       1,
	}
	data := make([]byte, int64(2+16)*sectorSize)
	dev := newRWS(data)
	acc := fatcache.New(dev, geom, 32)

	require.NoError(t, acc.PutCell(2, 0x0FFFFFFF)) // root: one cluster, empty
	for c := uint32(3); c < 18; c++ {
		require.NoError(t, acc.PutCell(c, 0))
	}

	freeMap, err := freemap.Build(acc, 2, 16)
	require.NoError(t, err)

	walker := clusterchain.New(acc, geom)
	fio := fileio.New(dev, geom, walker, freeMap)
	files := openfiles.New()

	return directory.New(geom, fio, freeMap, files)
}

func TestCreateThenResolveFindsEntry(t *testing.T) {
	eng := newVolume(t)

	require.NoError(t, eng.Create("/A.TXT", 0))

	resolved, err := eng.Resolve("/A.TXT")
	require.NoError(t, err)
	defer eng.Close(resolved)

	require.False(t, resolved.Entry.IsDirectory())
	require.NotNil(t, resolved.Parent)
}

func TestCreateRejectsReservedName(t *testing.T) {
	eng := newVolume(t)
	err := eng.Create("/.", 0)
	require.Error(t, err)
}

func TestMkdirBootstrapsDotEntries(t *testing.T) {
	eng := newVolume(t)
	require.NoError(t, eng.Mkdir("/D"))

	dot, err := eng.Resolve("/D/.")
	require.NoError(t, err)
	defer eng.Close(dot)
	require.True(t, dot.Entry.IsDirectory())

	dotdot, err := eng.Resolve("/D/..")
	require.NoError(t, err)
	defer eng.Close(dotdot)
	require.True(t, dotdot.Entry.IsDirectory())
}

func TestUnlinkReadOnlyFails(t *testing.T) {
	eng := newVolume(t)
	require.NoError(t, eng.Create("/R.TXT", dirent.AttrReadOnly))

	err := eng.Unlink("/R.TXT")
	require.Error(t, err)

	resolved, err := eng.Resolve("/R.TXT")
	require.NoError(t, err)
	eng.Close(resolved)
}

func TestRmdirNonEmptyFailsThenSucceeds(t *testing.T) {
	eng := newVolume(t)
	require.NoError(t, eng.Mkdir("/D"))
	require.NoError(t, eng.Create("/D/F.TXT", 0))

	err := eng.Rmdir("/D")
	require.Error(t, err)

	require.NoError(t, eng.Unlink("/D/F.TXT"))
	require.NoError(t, eng.Rmdir("/D"))

	_, err = eng.Resolve("/D")
	require.Error(t, err)
}

func TestRenameMovesEntry(t *testing.T) {
	eng := newVolume(t)
	require.NoError(t, eng.Create("/OLD.TXT", 0))

	require.NoError(t, eng.Rename("/OLD.TXT", "/NEW.TXT"))

	_, err := eng.Resolve("/OLD.TXT")
	require.Error(t, err)

	resolved, err := eng.Resolve("/NEW.TXT")
	require.NoError(t, err)
	eng.Close(resolved)
}

func TestRenameFailsWhenDestinationExists(t *testing.T) {
	eng := newVolume(t)
	require.NoError(t, eng.Create("/A.TXT", 0))
	require.NoError(t, eng.Create("/B.TXT", 0))

	err := eng.Rename("/A.TXT", "/B.TXT")
	require.Error(t, err)
}

func TestResolveMissingPathFails(t *testing.T) {
	eng := newVolume(t)
	_, err := eng.Resolve("/NOPE.TXT")
	require.Error(t, err)
	var de errors.DriverError
	require.ErrorAs(t, err, &de)
}
