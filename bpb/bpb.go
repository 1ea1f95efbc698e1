// Package bpb parses the FAT32 boot sector (BIOS Parameter Block) and
// FSInfo sector and derives the geometry constants the rest of the driver
// needs: sector size, cluster size, and the byte offsets of the FAT and
// data regions. This is spec.md component A, "Volume context".
package bpb

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/theanurin/emphatic-fs/errors"
)

// RawBootSector is the on-disk layout of sector 0 of a FAT32 volume: the
// common BPB fields followed by the FAT32-specific extended BPB.
type RawBootSector struct {
	JmpBoot           [3]byte
	OEMName           [8]byte
	BytesPerSector    uint16
	SectorsPerCluster uint8
	ReservedSectors   uint16
	NumFATs           uint8
	RootEntryCount    uint16
	TotalSectors16    uint16
	Media             uint8
	SectorsPerFAT16   uint16 // always 0 on FAT32; kept for corruption checks
	SectorsPerTrack   uint16
	NumHeads          uint16
	HiddenSectors     uint32
	TotalSectors32    uint32

	// FAT32 extended BPB.
	SectorsPerFAT32  uint32
	ExtFlags         uint16
	FSVersion        uint16
	RootCluster      uint32
	FSInfoSector     uint16
	BackupBootSector uint16
	Reserved         [12]byte
	DriveNumber      uint8
	NTReserved       uint8
	ExtBootSignature uint8
	VolumeID         uint32
	VolumeLabel      [11]byte
	FileSystemType   [8]byte
}

const (
	fsInfoLeadSignature  = 0x41615252
	fsInfoStructSignature = 0x61417272
	fsInfoTrailSignature = 0xAA550000
	fsInfoUnknown        = 0xFFFFFFFF
)

// RawFSInfo is the on-disk layout of the FSInfo sector.
type RawFSInfo struct {
	LeadSignature    uint32
	Reserved1        [480]byte
	StructSignature  uint32
	FreeCount        uint32
	NextFree         uint32
	Reserved2        [12]byte
	TrailSignature   uint32
}

// Geometry is the parsed, derived volume geometry: everything the other
// components need to translate a cluster index into a byte offset, without
// re-deriving it from the raw boot sector fields each time.
type Geometry struct {
	BootSector RawBootSector
	FSInfo     RawFSInfo

	SectorSize      uint32
	ClusterSize     uint32
	FATStartByte    int64
	DataStartByte   int64
	TotalClusters   uint32 // total data clusters, numbered from 2
	RootCluster     uint32
	SectorsPerFAT   uint32
	NumFATs         uint8
}

// ClusterOffset returns the byte offset of the start of data cluster id.
// Clusters are numbered starting at 2; the caller is responsible for
// rejecting ids below 2 or beyond TotalClusters+1 (see IsValidCluster).
func (g *Geometry) ClusterOffset(id uint32) int64 {
	return g.DataStartByte + int64(id-2)*int64(g.ClusterSize)
}

// IsValidCluster reports whether id addresses a real data cluster.
func (g *Geometry) IsValidCluster(id uint32) bool {
	return id >= 2 && id < 2+g.TotalClusters
}

// Parse reads sector 0 and the FSInfo sector from dev and returns the
// derived Geometry. dev's position is left unspecified on both success and
// failure; callers should Seek before issuing further I/O.
func Parse(dev io.ReadSeeker) (*Geometry, error) {
	if _, err := dev.Seek(0, io.SeekStart); err != nil {
		return nil, errors.ErrIOFailed.WrapError(err)
	}

	var raw RawBootSector
	if err := binary.Read(dev, binary.LittleEndian, &raw); err != nil {
		return nil, errors.ErrIOFailed.WrapError(err)
	}

	if err := validateBootSector(&raw); err != nil {
		return nil, err
	}

	fsInfo, err := readFSInfo(dev, raw.BytesPerSector, raw.FSInfoSector)
	if err != nil {
		return nil, err
	}

	sectorSize := uint32(raw.BytesPerSector)
	clusterSize := sectorSize * uint32(raw.SectorsPerCluster)
	fatStartByte := int64(raw.ReservedSectors) * int64(sectorSize)
	dataStartByte := fatStartByte + int64(raw.NumFATs)*int64(raw.SectorsPerFAT32)*int64(sectorSize)

	totalSectors := uint64(raw.TotalSectors32)
	if totalSectors == 0 {
		totalSectors = uint64(raw.TotalSectors16)
	}
	dataSectors := totalSectors - uint64(raw.ReservedSectors) - uint64(raw.NumFATs)*uint64(raw.SectorsPerFAT32)
	totalClusters := uint32(dataSectors / uint64(raw.SectorsPerCluster))

	return &Geometry{
		BootSector:    raw,
		FSInfo:        fsInfo,
		SectorSize:    sectorSize,
		ClusterSize:   clusterSize,
		FATStartByte:  fatStartByte,
		DataStartByte: dataStartByte,
		TotalClusters: totalClusters,
		RootCluster:   raw.RootCluster,
		SectorsPerFAT: raw.SectorsPerFAT32,
		NumFATs:       raw.NumFATs,
	}, nil
}

func validateBootSector(raw *RawBootSector) error {
	switch raw.BytesPerSector {
	case 512, 1024, 2048, 4096:
	default:
		return errors.ErrFileSystemCorrupt.WithMessage(
			fmt.Sprintf("BytesPerSector must be 512/1024/2048/4096, got %d", raw.BytesPerSector))
	}

	switch raw.SectorsPerCluster {
	case 1, 2, 4, 8, 16, 32, 64, 128:
	default:
		return errors.ErrFileSystemCorrupt.WithMessage(
			fmt.Sprintf("SectorsPerCluster must be a power of 2 in [1, 128], got %d", raw.SectorsPerCluster))
	}

	if raw.RootEntryCount != 0 {
		return errors.ErrFileSystemCorrupt.WithMessage(
			"RootEntryCount must be 0 on FAT32 (the root directory is an ordinary cluster chain)")
	}

	if raw.SectorsPerFAT16 != 0 {
		return errors.ErrFileSystemCorrupt.WithMessage(
			"SectorsPerFAT16 must be 0 on FAT32; found a FAT12/FAT16 boot sector")
	}

	if raw.NumFATs == 0 {
		return errors.ErrFileSystemCorrupt.WithMessage("NumFATs must be at least 1")
	}

	if raw.RootCluster < 2 {
		return errors.ErrFileSystemCorrupt.WithMessage(
			fmt.Sprintf("RootCluster must be >= 2, got %d", raw.RootCluster))
	}

	return nil
}

func readFSInfo(dev io.ReadSeeker, bytesPerSector uint16, fsInfoSector uint16) (RawFSInfo, error) {
	var fsInfo RawFSInfo

	offset := int64(fsInfoSector) * int64(bytesPerSector)
	if _, err := dev.Seek(offset, io.SeekStart); err != nil {
		return fsInfo, errors.ErrIOFailed.WrapError(err)
	}

	if err := binary.Read(dev, binary.LittleEndian, &fsInfo); err != nil {
		return fsInfo, errors.ErrIOFailed.WrapError(err)
	}

	if fsInfo.LeadSignature != fsInfoLeadSignature ||
		fsInfo.StructSignature != fsInfoStructSignature ||
		fsInfo.TrailSignature != fsInfoTrailSignature {
		return fsInfo, errors.ErrFileSystemCorrupt.WithMessage("FSInfo sector magic mismatch")
	}

	return fsInfo, nil
}
