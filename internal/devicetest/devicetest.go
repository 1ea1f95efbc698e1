// Package devicetest builds minimal, valid in-memory FAT32 volume images
// for this module's tests: a boot sector, an FSInfo sector, NumFATs
// copies of the FAT, and an otherwise zeroed data region with cluster 2
// pre-chained as an empty root directory. It is the one place tests
// construct a whole volume rather than wiring individual components by
// hand, matching the teacher's testing/images.go, but built in memory
// (github.com/xaionaro-go/bytesextra) instead of loading a fixture file,
// since there is no on-disk sample image to decompress here.
package devicetest

import (
	"encoding/binary"
	"io"

	"github.com/xaionaro-go/bytesextra"

	"github.com/theanurin/emphatic-fs/bpb"
)

const (
	fsInfoLeadSignature   = 0x41615252
	fsInfoStructSignature = 0x61417272
	fsInfoTrailSignature  = 0xAA550000
)

// Options controls the shape of the built image. Zero-value fields are
// replaced by Default's values.
type Options struct {
	SectorSize        uint16
	SectorsPerCluster uint8
	NumFATs           uint8
	TotalClusters     uint32 // data clusters, numbered from 2
	ReservedSectors   uint16
	FSInfoSector      uint16
}

// Default returns a small but realistic set of options: 512-byte sectors,
// one sector per cluster, two FAT copies, 64 data clusters.
func Default() Options {
	return Options{
		SectorSize:        512,
		SectorsPerCluster: 1,
		NumFATs:           2,
		TotalClusters:     64,
		ReservedSectors:   32,
		FSInfoSector:      1,
	}
}

func (o Options) fill() Options {
	d := Default()
	if o.SectorSize == 0 {
		o.SectorSize = d.SectorSize
	}
	if o.SectorsPerCluster == 0 {
		o.SectorsPerCluster = d.SectorsPerCluster
	}
	if o.NumFATs == 0 {
		o.NumFATs = d.NumFATs
	}
	if o.TotalClusters == 0 {
		o.TotalClusters = d.TotalClusters
	}
	if o.ReservedSectors == 0 {
		o.ReservedSectors = d.ReservedSectors
	}
	if o.FSInfoSector == 0 {
		o.FSInfoSector = d.FSInfoSector
	}
	return o
}

// sectorsPerFAT returns how many sectors of sectorSize bytes are needed
// to hold one copy of the FAT covering clusters 0..totalClusters+1.
func sectorsPerFAT(totalClusters uint32, sectorSize uint16) uint32 {
	cells := totalClusters + 2
	bytesNeeded := cells * 4
	sectors := bytesNeeded / uint32(sectorSize)
	if bytesNeeded%uint32(sectorSize) != 0 {
		sectors++
	}
	return sectors
}

// New builds a fresh in-memory FAT32 image per opts and returns both the
// backing device and the geometry bpb.Parse derives from it. Cluster 2 is
// pre-chained as a one-cluster, empty root directory; every other data
// cluster is free.
func New(opts Options) (io.ReadWriteSeeker, *bpb.Geometry, error) {
	opts = opts.fill()

	fatSectors := sectorsPerFAT(opts.TotalClusters, opts.SectorSize)
	dataSectors := opts.TotalClusters * uint32(opts.SectorsPerCluster)
	totalSectors := uint32(opts.ReservedSectors) + uint32(opts.NumFATs)*fatSectors + dataSectors

	buf := make([]byte, uint64(totalSectors)*uint64(opts.SectorSize))

	boot := bpb.RawBootSector{
		BytesPerSector:    opts.SectorSize,
		SectorsPerCluster: opts.SectorsPerCluster,
		ReservedSectors:   opts.ReservedSectors,
		NumFATs:           opts.NumFATs,
		TotalSectors32:    totalSectors,
		Media:             0xF8,
		SectorsPerFAT32:   fatSectors,
		RootCluster:       2,
		FSInfoSector:      opts.FSInfoSector,
	}
	copy(boot.OEMName[:], "EMPHFS  ")
	copy(boot.FileSystemType[:], "FAT32   ")

	if err := writeStructAt(buf, 0, &boot); err != nil {
		return nil, nil, err
	}

	fsInfo := bpb.RawFSInfo{
		LeadSignature:   fsInfoLeadSignature,
		StructSignature: fsInfoStructSignature,
		FreeCount:       opts.TotalClusters - 1,
		NextFree:        3,
		TrailSignature:  fsInfoTrailSignature,
	}
	fsInfoOffset := int64(opts.FSInfoSector) * int64(opts.SectorSize)
	if err := writeStructAt(buf, fsInfoOffset, &fsInfo); err != nil {
		return nil, nil, err
	}

	fatStartByte := int64(opts.ReservedSectors) * int64(opts.SectorSize)
	for copyIdx := uint8(0); copyIdx < opts.NumFATs; copyIdx++ {
		copyOffset := fatStartByte + int64(copyIdx)*int64(fatSectors)*int64(opts.SectorSize)
		// Cluster 2 (the root directory) is a one-cluster chain:
		// end-of-chain immediately.
		binary.LittleEndian.PutUint32(buf[copyOffset+8:copyOffset+12], 0x0FFFFFFF)
	}

	dev := bytesextra.NewReadWriteSeeker(buf)
	geom, err := bpb.Parse(dev)
	if err != nil {
		return nil, nil, err
	}
	return dev, geom, nil
}

func writeStructAt(buf []byte, offset int64, v interface{}) error {
	w := sliceWriter{buf: buf, pos: offset}
	return binary.Write(&w, binary.LittleEndian, v)
}

// sliceWriter is a minimal io.Writer over a fixed backing slice, used only
// to stage the boot sector and FSInfo sector into the in-memory image
// before handing it to bytesextra.
type sliceWriter struct {
	buf []byte
	pos int64
}

func (w *sliceWriter) Write(p []byte) (int, error) {
	n := copy(w.buf[w.pos:], p)
	w.pos += int64(n)
	return n, nil
}
