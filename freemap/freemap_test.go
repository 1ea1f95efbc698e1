package freemap_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/theanurin/emphatic-fs/bpb"
	"github.com/theanurin/emphatic-fs/errors"
	"github.com/theanurin/emphatic-fs/fatcache"
	"github.com/theanurin/emphatic-fs/freemap"
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

// buildAccessor constructs a fatcache.Accessor over a single-FAT-copy
// image with enough room for indices 0..13, and seeds the free/used
// pattern given by used (cluster id -> true if allocated).
func buildAccessor(t *testing.T, used map[uint32]bool) *fatcache.Accessor {
	t.Helper()
	const sectorSize = 512
	geom := &bpb.Geometry{
		SectorSize:    sectorSize,
		ClusterSize:   sectorSize,
		FATStartByte:  sectorSize,
		DataStartByte: 3 * sectorSize,
		TotalClusters: 10,
		RootCluster:   2,
		SectorsPerFAT: 1,
		NumFATs:       1,
	}
	data := make([]byte, 4*sectorSize)
	dev := newRWS(data)
	acc := fatcache.New(dev, geom, 8)

	for id := uint32(2); id < 12; id++ {
		var cell uint32
		if used[id] {
			cell = 0x0FFFFFFF // end-of-chain marks "allocated" for this test
		}
		require.NoError(t, acc.PutCell(id, cell))
	}
	return acc
}

func buildMap(t *testing.T, used map[uint32]bool) *freemap.Map {
	t.Helper()
	acc := buildAccessor(t, used)
	m, err := freemap.Build(acc, 2, 10)
	require.NoError(t, err)
	return m
}

// pattern: 2,3,4 free; 5 used; 6,7 free; 8 used; 9,10,11 free.
func samplePattern() map[uint32]bool {
	return map[uint32]bool{5: true, 8: true}
}

func TestBuildComputesRegionsAndStats(t *testing.T) {
	m := buildMap(t, samplePattern())

	require.Equal(t, 2, m.UsedClusters())
	require.Equal(t, 8, m.FreeClusters())

	regions := m.Regions()
	require.Len(t, regions, 3)
	require.Equal(t, uint32(2), regions[0].Start)
	require.Equal(t, uint32(3), regions[0].Length)
	require.Equal(t, uint32(6), regions[1].Start)
	require.Equal(t, uint32(2), regions[1].Length)
	require.Equal(t, uint32(9), regions[2].Start)
	require.Equal(t, uint32(3), regions[2].Length)
}

func TestAllocateNearPicksClosestEdge(t *testing.T) {
	m := buildMap(t, samplePattern())

	got, err := m.AllocateNear(4)
	require.NoError(t, err)
	require.EqualValues(t, 4, got)
	require.Equal(t, 7, m.FreeClusters())

	regions := m.Regions()
	require.Equal(t, uint32(2), regions[0].Start)
	require.Equal(t, uint32(2), regions[0].Length) // shrunk from 3 to 2
}

func TestAllocateNearOnLeftSideOfRegion(t *testing.T) {
	m := buildMap(t, samplePattern())

	got, err := m.AllocateNear(0)
	require.NoError(t, err)
	require.EqualValues(t, 2, got) // first cluster of the nearest region

	regions := m.Regions()
	require.Equal(t, uint32(3), regions[0].Start)
	require.Equal(t, uint32(2), regions[0].Length)
}

func TestAllocateLargestPrefersFirstMaxOnTie(t *testing.T) {
	m := buildMap(t, samplePattern())

	got, err := m.AllocateLargest()
	require.NoError(t, err)
	require.EqualValues(t, 3, got) // middle of [2,3,4], the first of the two 3-cluster regions
}

func TestReleaseMergesAcrossTwoNeighbours(t *testing.T) {
	m := buildMap(t, samplePattern())

	require.NoError(t, m.Release(8))

	regions := m.Regions()
	require.Len(t, regions, 2)
	require.Equal(t, uint32(2), regions[0].Start)
	require.Equal(t, uint32(3), regions[0].Length)
	require.Equal(t, uint32(6), regions[1].Start)
	require.Equal(t, uint32(6), regions[1].Length) // 6,7,8,9,10,11 joined
}

func TestReleaseOutOfRangeIsRejected(t *testing.T) {
	m := buildMap(t, samplePattern())

	err := m.Release(100)
	require.Error(t, err)
	var de errors.DriverError
	require.ErrorAs(t, err, &de)
}

func TestAllocateFailsWhenExhausted(t *testing.T) {
	allUsed := map[uint32]bool{}
	for id := uint32(2); id < 12; id++ {
		allUsed[id] = true
	}
	m := buildMap(t, allUsed)

	_, err := m.AllocateNear(2)
	require.Error(t, err)
	_, err = m.AllocateLargest()
	require.Error(t, err)
}
