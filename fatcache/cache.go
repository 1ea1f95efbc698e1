// Package fatcache implements the FAT accessor: get/put a 32-bit FAT cell
// through a write-through, no-write-allocate LRU cache of whole FAT
// sectors. This is spec.md component B.
package fatcache

import (
	"encoding/binary"
	"io"

	"github.com/hashicorp/go-multierror"
	"github.com/noxer/bytewriter"

	"github.com/theanurin/emphatic-fs/bpb"
	"github.com/theanurin/emphatic-fs/errors"
)

// cellMask keeps the low 28 bits; the top 4 bits of every FAT32 cell are
// reserved and must survive every write untouched.
const cellMask = 0x0FFFFFFF

const (
	// BadCluster marks a cluster the driver must never allocate or chain
	// into.
	BadCluster = 0x0FFFFFF7
)

// IsFree reports whether a raw (unmasked) cell value means "free".
func IsFree(cell uint32) bool { return cell&cellMask == 0 }

// IsBad reports whether a raw cell value marks a bad cluster.
func IsBad(cell uint32) bool { return cell&cellMask == BadCluster }

// IsEndOfChain reports whether a raw cell value is an end-of-chain
// sentinel (0x0FFFFFF8..0x0FFFFFFF).
func IsEndOfChain(cell uint32) bool {
	masked := cell & cellMask
	return masked >= 0x0FFFFFF8 && masked <= cellMask
}

// DefaultCacheCapacity is the default number of FAT sectors the LRU holds,
// matching spec.md's stated default.
const DefaultCacheCapacity = 128

// node is one entry in the LRU's doubly-linked list.
type node struct {
	sector uint32
	buf    []byte
	prev   *node
	next   *node
}

// Accessor is the FAT accessor + sector cache (spec.md component B). It
// owns no device-open lifecycle; the volume context is responsible for
// opening and closing dev.
type Accessor struct {
	dev      io.ReadWriteSeeker
	geom     *bpb.Geometry
	capacity int

	index map[uint32]*node
	head  *node // LRU end
	tail  *node // MRU end

	// DualWrite mirrors every FAT cell write to all NumFATs copies on
	// disk, per spec.md §9's recommended redesign. The cache itself only
	// ever mirrors the first copy's bytes; the others are kept correct by
	// always re-deriving their byte offset from the first copy's.
	DualWrite bool

	onEvict func(sector uint32)
}

// New creates a FAT accessor over dev, with an empty cache of the given
// capacity (spec.md's default is 128 sectors).
func New(dev io.ReadWriteSeeker, geom *bpb.Geometry, capacity int) *Accessor {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	return &Accessor{
		dev:       dev,
		geom:      geom,
		capacity:  capacity,
		index:     make(map[uint32]*node, capacity),
		DualWrite: true,
	}
}

// OnEvict registers a callback invoked whenever the LRU evicts a sector to
// make room for a miss; used by volume.Context for the ambient logging
// narration described in SPEC_FULL.md.
func (a *Accessor) OnEvict(cb func(sector uint32)) {
	a.onEvict = cb
}

func (a *Accessor) cellsPerSector() uint32 {
	return a.geom.SectorSize / 4
}

func (a *Accessor) locate(index uint32) (sector uint32, offset uint32) {
	sector = index / a.cellsPerSector()
	offset = (index % a.cellsPerSector()) * 4
	return
}

func (a *Accessor) sectorByteOffset(fatCopy uint8, sector uint32) int64 {
	return a.geom.FATStartByte +
		int64(fatCopy)*int64(a.geom.SectorsPerFAT)*int64(a.geom.SectorSize) +
		int64(sector)*int64(a.geom.SectorSize)
}

// unlink removes n from the LRU list without touching the index map.
func (a *Accessor) unlink(n *node) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		a.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		a.tail = n.prev
	}
	n.prev, n.next = nil, nil
}

// pushMRU appends n to the MRU end of the list.
func (a *Accessor) pushMRU(n *node) {
	n.prev = a.tail
	n.next = nil
	if a.tail != nil {
		a.tail.next = n
	}
	a.tail = n
	if a.head == nil {
		a.head = n
	}
}

func (a *Accessor) touch(n *node) {
	a.unlink(n)
	a.pushMRU(n)
}

func (a *Accessor) evictOne() {
	lru := a.head
	if lru == nil {
		return
	}
	a.unlink(lru)
	delete(a.index, lru.sector)
	if a.onEvict != nil {
		a.onEvict(lru.sector)
	}
}

// readSectorFromDisk reads sector (relative to the start of the first FAT copy)
// from disk without inserting it into the cache.
func (a *Accessor) readSectorFromDisk(sector uint32) ([]byte, error) {
	buf := make([]byte, a.geom.SectorSize)
	if _, err := a.dev.Seek(a.sectorByteOffset(0, sector), io.SeekStart); err != nil {
		return nil, errors.ErrIOFailed.WrapError(err)
	}
	if _, err := io.ReadFull(a.dev, buf); err != nil {
		return nil, errors.ErrIOFailed.WrapError(err)
	}
	return buf, nil
}

// getCachedOrLoad returns the node for sector, inserting it (evicting the
// LRU entry if at capacity) on a miss.
func (a *Accessor) getCachedOrLoad(sector uint32) (*node, error) {
	if n, ok := a.index[sector]; ok {
		a.touch(n)
		return n, nil
	}

	buf, err := a.readSectorFromDisk(sector)
	if err != nil {
		return nil, err
	}

	if len(a.index) >= a.capacity {
		a.evictOne()
	}

	n := &node{sector: sector, buf: buf}
	a.index[sector] = n
	a.pushMRU(n)
	return n, nil
}

// GetCell returns the raw 32-bit FAT cell at index, masked to the low 28
// bits per spec.md's convention for callers that interpret it.
func (a *Accessor) GetCell(index uint32) (uint32, error) {
	sector, offset := a.locate(index)

	n, err := a.getCachedOrLoad(sector)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(n.buf[offset:offset+4]) & cellMask, nil
}

// PutCell writes the low 28 bits of value into the FAT cell at index,
// preserving whatever is in the top 4 bits already on disk. It is a
// write-through, no-write-allocate cache: a cached sector is updated and
// rewritten immediately; an uncached sector is read once for the RMW and
// is not pulled into the cache.
func (a *Accessor) PutCell(index uint32, value uint32) error {
	sector, offset := a.locate(index)

	if n, ok := a.index[sector]; ok {
		a.touch(n)
		newCell := mergeCell(binary.LittleEndian.Uint32(n.buf[offset:offset+4]), value)
		writeCellInto(n.buf, offset, newCell)
		return a.writeThrough(sector, n.buf)
	}

	buf, err := a.readSectorFromDisk(sector)
	if err != nil {
		return err
	}
	newCell := mergeCell(binary.LittleEndian.Uint32(buf[offset:offset+4]), value)
	writeCellInto(buf, offset, newCell)
	return a.writeThrough(sector, buf)
}

func mergeCell(old, value uint32) uint32 {
	return (old & ^uint32(cellMask)) | (value & cellMask)
}

// writeCellInto overwrites the 4 bytes at offset in buf with cell, using a
// positional byte writer over the cell's exact window instead of slicing
// and copying by hand.
func writeCellInto(buf []byte, offset uint32, cell uint32) {
	w := bytewriter.New(buf[offset : offset+4])
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], cell)
	w.Write(tmp[:])
}

// writeThrough writes buf to every on-disk FAT copy this accessor is
// configured to keep in sync.
func (a *Accessor) writeThrough(sector uint32, buf []byte) error {
	if _, err := a.dev.Seek(a.sectorByteOffset(0, sector), io.SeekStart); err != nil {
		return errors.ErrIOFailed.WrapError(err)
	}
	if _, err := a.dev.Write(buf); err != nil {
		return errors.ErrIOFailed.WrapError(err)
	}

	if !a.DualWrite || a.geom.NumFATs < 2 {
		return nil
	}

	var merr *multierror.Error
	for copyIdx := uint8(1); copyIdx < a.geom.NumFATs; copyIdx++ {
		if _, err := a.dev.Seek(a.sectorByteOffset(copyIdx, sector), io.SeekStart); err != nil {
			merr = multierror.Append(merr, err)
			continue
		}
		if _, err := a.dev.Write(buf); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	if merr != nil {
		return errors.ErrIOFailed.WrapError(merr)
	}
	return nil
}
