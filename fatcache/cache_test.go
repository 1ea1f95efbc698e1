package fatcache_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/theanurin/emphatic-fs/bpb"
	"github.com/theanurin/emphatic-fs/fatcache"
)

// newTestGeometry builds a tiny two-FAT-copy geometry with a 512-byte
// sector and one sector per FAT, backed by an in-memory read-write-seeker.
func newTestGeometry(t *testing.T) (*bpb.Geometry, *bytes.Reader, []byte) {
	t.Helper()
	const sectorSize = 512
	const sectorsPerFAT = 1
	const numFATs = 2
	const reserved = 1

	total := (reserved + numFATs*sectorsPerFAT + 4) * sectorSize
	data := make([]byte, total)

	geom := &bpb.Geometry{
		SectorSize:    sectorSize,
		ClusterSize:   sectorSize,
		FATStartByte:  reserved * sectorSize,
		DataStartByte: (reserved + numFATs*sectorsPerFAT) * sectorSize,
		TotalClusters: 4,
		RootCluster:   2,
		SectorsPerFAT: sectorsPerFAT,
		NumFATs:       numFATs,
	}
	return geom, bytes.NewReader(data), data
}

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

func TestPutCellPreservesTopFourBits(t *testing.T) {
	geom, _, data := newTestGeometry(t)
	dev := newRWS(data)
	acc := fatcache.New(dev, geom, 4)

	// Seed cell 2 with reserved bits set, low bits zero.
	binary.LittleEndian.PutUint32(data[geom.FATStartByte+8:], 0xA0000000)

	require.NoError(t, acc.PutCell(2, 0x0FFFFFFF))

	got, err := acc.GetCell(2)
	require.NoError(t, err)
	require.EqualValues(t, 0x0FFFFFFF, got)

	raw := binary.LittleEndian.Uint32(data[geom.FATStartByte+8:])
	require.EqualValues(t, 0xA0000000, raw&0xF0000000, "reserved bits must survive the write")
}

func TestPutCellMirrorsBothFATCopies(t *testing.T) {
	geom, _, data := newTestGeometry(t)
	dev := newRWS(data)
	acc := fatcache.New(dev, geom, 4)

	require.NoError(t, acc.PutCell(3, 7))

	secondCopyStart := geom.FATStartByte + int64(geom.SectorsPerFAT)*int64(geom.SectorSize)
	raw := binary.LittleEndian.Uint32(data[secondCopyStart+12:])
	require.EqualValues(t, 7, raw&0x0FFFFFFF)
}

func TestCacheEvictsLRU(t *testing.T) {
	geom, _, data := newTestGeometry(t)
	geom.SectorSize = 16 // 4 cells per sector, force many sectors for this test
	geom.ClusterSize = 16
	dev := newRWS(data)

	evicted := []uint32{}
	acc := fatcache.New(dev, geom, 1)
	acc.OnEvict(func(sector uint32) { evicted = append(evicted, sector) })

	// Cell 0 and 1 live in sector 0; cell 4 lives in sector 1 (4 cells/sector).
	_, err := acc.GetCell(0)
	require.NoError(t, err)
	_, err = acc.GetCell(4)
	require.NoError(t, err)

	require.Equal(t, []uint32{0}, evicted)
}

func TestIsEndOfChainRange(t *testing.T) {
	require.True(t, fatcache.IsEndOfChain(0x0FFFFFF8))
	require.True(t, fatcache.IsEndOfChain(0x0FFFFFFF))
	require.False(t, fatcache.IsEndOfChain(0x0FFFFFF7)) // that's BadCluster
	require.True(t, fatcache.IsBad(0x0FFFFFF7))
	require.True(t, fatcache.IsFree(0))
	require.False(t, fatcache.IsFree(1))
}
