package bpb_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/theanurin/emphatic-fs/bpb"
)

// buildImage constructs a minimal valid FAT32 image in memory: boot sector,
// FSInfo sector, then zero-filled FAT and data regions.
func buildImage(t *testing.T, sectorsPerCluster uint8, numFATs uint8, sectorsPerFAT uint32, totalSectors uint32) *bytes.Reader {
	t.Helper()

	raw := bpb.RawBootSector{
		BytesPerSector:    512,
		SectorsPerCluster: sectorsPerCluster,
		ReservedSectors:   32,
		NumFATs:           numFATs,
		TotalSectors32:    totalSectors,
		SectorsPerFAT32:   sectorsPerFAT,
		RootCluster:       2,
		FSInfoSector:      1,
		BackupBootSector:  6,
	}

	buf := &bytes.Buffer{}
	require.NoError(t, binary.Write(buf, binary.LittleEndian, &raw))
	buf.Write(make([]byte, 512-buf.Len()))

	fsInfo := bpb.RawFSInfo{
		LeadSignature:   0x41615252,
		StructSignature: 0x61417272,
		FreeCount:       1000,
		NextFree:        2,
		TrailSignature:  0xAA550000,
	}
	require.NoError(t, binary.Write(buf, binary.LittleEndian, &fsInfo))

	totalBytes := int64(totalSectors) * 512
	data := make([]byte, totalBytes)
	copy(data, buf.Bytes())
	return bytes.NewReader(data)
}

func TestParseDerivesGeometry(t *testing.T) {
	img := buildImage(t, 8, 2, 100, 200000)

	geom, err := bpb.Parse(img)
	require.NoError(t, err)

	require.EqualValues(t, 512, geom.SectorSize)
	require.EqualValues(t, 8*512, geom.ClusterSize)
	require.EqualValues(t, 32*512, geom.FATStartByte)
	require.EqualValues(t, (32+2*100)*512, geom.DataStartByte)
	require.EqualValues(t, 2, geom.RootCluster)
	require.True(t, geom.IsValidCluster(2))
	require.False(t, geom.IsValidCluster(1))
	require.False(t, geom.IsValidCluster(2+geom.TotalClusters))
}

func TestParseRejectsBadFSInfoMagic(t *testing.T) {
	img := buildImage(t, 8, 2, 100, 200000)
	data := make([]byte, img.Len())
	img.Read(data)
	data[512] = 0 // corrupt the FSInfo lead signature

	_, err := bpb.Parse(bytes.NewReader(data))
	require.Error(t, err)
}

func TestParseRejectsBadSectorSize(t *testing.T) {
	img := buildImage(t, 8, 2, 100, 200000)
	data := make([]byte, img.Len())
	img.Read(data)
	binary.LittleEndian.PutUint16(data[11:13], 777) // BytesPerSector offset

	_, err := bpb.Parse(bytes.NewReader(data))
	require.Error(t, err)
}
