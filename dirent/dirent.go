// Package dirent encodes and decodes the 32-byte on-disk directory entry
// record used throughout component H (the directory engine). Unlike
// classic FAT, this driver's on-disk convention marks both "deleted" and
// "never used" slots with a 0x00 first name byte; 0xE5 has no special
// meaning here. Short names are compared byte-exact, 11 bytes, no
// case-folding and no dot insertion — long filenames are out of scope.
package dirent

import (
	"encoding/binary"

	"github.com/theanurin/emphatic-fs/dostime"
	"github.com/theanurin/emphatic-fs/errors"
)

// Size is the length in bytes of one on-disk directory entry.
const Size = 32

// Attribute bits, per spec.md's data model.
const (
	AttrReadOnly  = 0x01
	AttrHidden    = 0x02
	AttrSystem    = 0x04
	AttrVolumeID  = 0x08
	AttrDirectory = 0x10
	AttrArchive   = 0x20
)

// Entry is the decoded form of one 32-byte directory record.
type Entry struct {
	Name         [11]byte
	Attributes   uint8
	Reserved     uint8
	CreateTenths uint8
	CreateTime   uint16
	CreateDate   uint16
	AccessDate   uint16
	clusterHigh  uint16
	WriteTime    uint16
	WriteDate    uint16
	clusterLow   uint16
	FileSize     uint32
}

// IsFree reports whether this slot is unused (a "never used" terminator
// or a deleted entry — both share the 0x00 first-name-byte convention
// this driver uses).
func (e *Entry) IsFree() bool { return e.Name[0] == 0x00 }

// IsDirectory reports whether the DIRECTORY attribute bit is set.
func (e *Entry) IsDirectory() bool { return e.Attributes&AttrDirectory != 0 }

// IsReadOnly reports whether the READ_ONLY attribute bit is set.
func (e *Entry) IsReadOnly() bool { return e.Attributes&AttrReadOnly != 0 }

// IsVolumeLabel reports whether this entry is the volume label, per the
// VOLUME_ID attribute bit rather than a fixed directory position.
func (e *Entry) IsVolumeLabel() bool { return e.Attributes&AttrVolumeID != 0 }

// Cluster returns the first cluster of this entry's chain, assembled from
// the high/low 16-bit halves FAT32 splits across the record.
func (e *Entry) Cluster() uint32 {
	return uint32(e.clusterHigh)<<16 | uint32(e.clusterLow)
}

// SetCluster stores cluster split across the high/low halves.
func (e *Entry) SetCluster(cluster uint32) {
	e.clusterHigh = uint16(cluster >> 16)
	e.clusterLow = uint16(cluster & 0xFFFF)
}

// CreatedUnix, AccessedUnix and ModifiedUnix convert this entry's packed
// DOS timestamps to seconds since the UNIX epoch, via component D.
func (e *Entry) CreatedUnix() int64 { return dostime.ToUnix(e.CreateDate, e.CreateTime) }
func (e *Entry) AccessedUnix() int64 {
	return dostime.ToUnix(e.AccessDate, 0)
}
func (e *Entry) ModifiedUnix() int64 { return dostime.ToUnix(e.WriteDate, e.WriteTime) }

// SetCreated, SetAccessed and SetModified pack seconds since the UNIX
// epoch back into this entry's DOS timestamp fields.
func (e *Entry) SetCreated(seconds int64) {
	e.CreateDate = dostime.DOSDate(seconds)
	e.CreateTime = dostime.DOSTime(seconds)
}

func (e *Entry) SetAccessed(seconds int64) {
	e.AccessDate = dostime.DOSDate(seconds)
}

func (e *Entry) SetModified(seconds int64) {
	e.WriteDate = dostime.DOSDate(seconds)
	e.WriteTime = dostime.DOSTime(seconds)
}

// Decode parses a 32-byte on-disk record. It does not reject free slots;
// callers that only want live entries should check IsFree first.
func Decode(raw []byte) (Entry, error) {
	if len(raw) != Size {
		return Entry{}, errors.ErrInvalidArgument.WithMessage("directory entry must be exactly 32 bytes")
	}

	var e Entry
	copy(e.Name[:], raw[0:11])
	e.Attributes = raw[11]
	e.Reserved = raw[12]
	e.CreateTenths = raw[13]
	e.CreateTime = binary.LittleEndian.Uint16(raw[14:16])
	e.CreateDate = binary.LittleEndian.Uint16(raw[16:18])
	e.AccessDate = binary.LittleEndian.Uint16(raw[18:20])
	e.clusterHigh = binary.LittleEndian.Uint16(raw[20:22])
	e.WriteTime = binary.LittleEndian.Uint16(raw[22:24])
	e.WriteDate = binary.LittleEndian.Uint16(raw[24:26])
	e.clusterLow = binary.LittleEndian.Uint16(raw[26:28])
	e.FileSize = binary.LittleEndian.Uint32(raw[28:32])
	return e, nil
}

// Encode serialises e into a fresh 32-byte on-disk record.
func (e *Entry) Encode() []byte {
	raw := make([]byte, Size)
	copy(raw[0:11], e.Name[:])
	raw[11] = e.Attributes
	raw[12] = e.Reserved
	raw[13] = e.CreateTenths
	binary.LittleEndian.PutUint16(raw[14:16], e.CreateTime)
	binary.LittleEndian.PutUint16(raw[16:18], e.CreateDate)
	binary.LittleEndian.PutUint16(raw[18:20], e.AccessDate)
	binary.LittleEndian.PutUint16(raw[20:22], e.clusterHigh)
	binary.LittleEndian.PutUint16(raw[22:24], e.WriteTime)
	binary.LittleEndian.PutUint16(raw[24:26], e.WriteDate)
	binary.LittleEndian.PutUint16(raw[26:28], e.clusterLow)
	binary.LittleEndian.PutUint32(raw[28:32], e.FileSize)
	return raw
}

// PackName packs a short name and its extension, already split apart by
// the caller, into the fixed 11-byte short-name field:
// 8 bytes of name left-justified and space-padded, 3 bytes of extension
// the same way. The caller is responsible for 8.3 length validation;
// this function only pads or truncates.
func PackName(name, ext string) [11]byte {
	var out [11]byte
	for i := range out {
		out[i] = ' '
	}
	copy(out[0:8], name)
	copy(out[8:11], ext)
	return out
}

// reservedNames are short names that create/rename must never accept as
// a new entry's name: the synthetic "." and ".." directory links, and
// an empty name.
var reservedNames = map[string]bool{
	".":  true,
	"..": true,
	"":   true,
}

// IsReservedName reports whether name (already trimmed of padding) is
// one of the special entries create/rename must refuse.
func IsReservedName(name string) bool {
	return reservedNames[name]
}
