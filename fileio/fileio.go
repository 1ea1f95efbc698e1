// Package fileio implements the cluster-crossing file I/O engine: spec.md
// component G. It owns seek/read/write over an open file's cluster list,
// extends the chain on write-past-EOF, and exposes the bookkeeping the
// directory engine needs to defer a metadata writeback to close time.
package fileio

import (
	"io"

	"github.com/theanurin/emphatic-fs/bpb"
	"github.com/theanurin/emphatic-fs/clusterchain"
	"github.com/theanurin/emphatic-fs/errors"
	"github.com/theanurin/emphatic-fs/freemap"
)

// File is one open file's in-memory state: its cluster list, current
// position, and the pending-writeback bits the directory engine consults
// on close. It is not safe for concurrent use.
type File struct {
	Inode         uint32
	ParentInode   uint32
	ParentIndex   int
	Size          int64
	Offset        int64
	Clusters      []uint32
	current       int // index into Clusters matching Offset
	Dirty         bool
	DeleteOnClose bool
}

// Engine performs cluster-granular I/O against one volume's device,
// geometry, free-space map, and cluster-chain walker.
type Engine struct {
	dev   io.ReadWriteSeeker
	geom  *bpb.Geometry
	chain *clusterchain.Walker
	free  *freemap.Map
}

// New returns an Engine bound to the given volume collaborators.
func New(dev io.ReadWriteSeeker, geom *bpb.Geometry, chain *clusterchain.Walker, free *freemap.Map) *Engine {
	return &Engine{dev: dev, geom: geom, chain: chain, free: free}
}

// StartChain writes an end-of-chain marker into cluster's own FAT cell,
// turning a cluster freshly obtained from freemap.Map into a valid
// one-cluster chain. The directory engine calls this when creating a new
// file or directory, before the entry pointing at cluster is written.
func (eng *Engine) StartChain(cluster uint32) error {
	return eng.chain.Start(cluster)
}

// Open loads the cluster chain for inode and returns a fresh File
// positioned at offset 0. The directory engine supplies size and the
// parent-inode/index pair from the directory entry it already resolved.
func (eng *Engine) Open(inode, parentInode uint32, parentIndex int, size int64) (*File, error) {
	clusters, err := eng.chain.Load(inode)
	if err != nil {
		return nil, err
	}

	return &File{
		Inode:       inode,
		ParentInode: parentInode,
		ParentIndex: parentIndex,
		Size:        size,
		Clusters:    clusters,
		current:     0,
	}, nil
}

// Seek repositions f's offset. whence follows io.Seeker semantics.
func (eng *Engine) Seek(f *File, offset int64, whence int) (int64, error) {
	var newOffset int64
	switch whence {
	case io.SeekStart:
		newOffset = offset
	case io.SeekCurrent:
		newOffset = f.Offset + offset
	case io.SeekEnd:
		// size - 1 + offset, not size + offset: SEEK_END with offset 0
		// lands one byte before EOF, matching this driver's wire contract.
		newOffset = f.Size - 1 + offset
	default:
		return 0, errors.ErrInvalidArgument.WithMessage("unknown whence value")
	}

	if newOffset < 0 || newOffset > f.Size {
		return 0, errors.ErrInvalidArgument.WithMessage("seek target out of range")
	}

	f.Offset = newOffset
	eng.resyncCurrentCluster(f)
	return newOffset, nil
}

func (eng *Engine) resyncCurrentCluster(f *File) {
	clusterSize := int64(eng.geom.ClusterSize)
	idx := int(f.Offset / clusterSize)
	if idx >= len(f.Clusters) {
		idx = len(f.Clusters) - 1
	}
	if idx < 0 {
		idx = 0
	}
	f.current = idx
}

// Read transfers up to len(buf) bytes starting at f.Offset, advancing the
// offset and current-cluster pointer. It never allocates; a read that
// would run past f.Size is shortened, matching ordinary POSIX EOF
// behaviour.
func (eng *Engine) Read(f *File, buf []byte) (int, error) {
	n := int64(len(buf))
	if f.Offset >= f.Size {
		return 0, nil
	}
	if f.Offset+n > f.Size {
		n = f.Size - f.Offset
	}

	return eng.transfer(f, buf[:n], false)
}

// Write transfers len(buf) bytes starting at f.Offset, extending the
// cluster chain first if the write would grow the file, and marking f
// dirty so the directory engine knows to flush size/mtime on close.
func (eng *Engine) Write(f *File, buf []byte) (int, error) {
	n := int64(len(buf))
	endOffset := f.Offset + n

	if err := eng.ensureCapacity(f, endOffset); err != nil {
		return 0, err
	}

	written, err := eng.transfer(f, buf, true)
	if err != nil {
		return written, err
	}

	if endOffset > f.Size {
		f.Size = endOffset
	}
	f.Dirty = true
	return written, nil
}

// ensureCapacity grows f's cluster chain until it can hold byteLength
// bytes, allocating clusters near the current tail.
func (eng *Engine) ensureCapacity(f *File, byteLength int64) error {
	clusterSize := int64(eng.geom.ClusterSize)
	needed := int((byteLength + clusterSize - 1) / clusterSize)
	if needed < 1 {
		needed = 1
	}

	for len(f.Clusters) < needed {
		tail := f.Clusters[len(f.Clusters)-1]
		next, err := eng.free.AllocateNear(tail)
		if err != nil {
			return err
		}
		if err := eng.chain.Extend(f.Clusters[0], next); err != nil {
			return err
		}
		f.Clusters = append(f.Clusters, next)
	}
	return nil
}

// transfer implements the common cluster-crossing transfer loop shared by
// Read and Write: it walks buf in cluster-sized chunks, seeking the
// device to the right byte offset within each cluster in turn.
func (eng *Engine) transfer(f *File, buf []byte, write bool) (int, error) {
	clusterSize := int64(eng.geom.ClusterSize)
	remaining := int64(len(buf))
	total := 0

	intraCluster := f.Offset % clusterSize
	clusterIdx := int(f.Offset / clusterSize)

	for remaining > 0 {
		if clusterIdx >= len(f.Clusters) {
			return total, errors.ErrInvalidArgument.WithMessage("transfer ran past the end of the cluster chain")
		}
		clusterID := f.Clusters[clusterIdx]

		chunk := clusterSize - intraCluster
		if chunk > remaining {
			chunk = remaining
		}

		byteOffset := eng.geom.ClusterOffset(clusterID) + intraCluster
		if _, err := eng.dev.Seek(byteOffset, io.SeekStart); err != nil {
			return total, errors.ErrIOFailed.WrapError(err)
		}

		if write {
			if _, err := eng.dev.Write(buf[total : total+int(chunk)]); err != nil {
				return total, errors.ErrIOFailed.WrapError(err)
			}
		} else {
			if _, err := io.ReadFull(eng.dev, buf[total:total+int(chunk)]); err != nil {
				return total, errors.ErrIOFailed.WrapError(err)
			}
		}

		total += int(chunk)
		remaining -= chunk
		f.Offset += chunk
		intraCluster = 0
		clusterIdx++
	}

	eng.resyncCurrentCluster(f)
	return total, nil
}

// Truncate changes f's size to newSize, releasing trailing clusters via
// the free-space manager when shrinking, or zero-filling up to the new
// length (extending the chain as needed) when growing.
func (eng *Engine) Truncate(f *File, newSize int64) error {
	clusterSize := int64(eng.geom.ClusterSize)

	if newSize < f.Size {
		newLength := int((newSize + clusterSize - 1) / clusterSize)
		if newLength < 1 {
			newLength = 1
		}
		dropped, err := eng.chain.Truncate(f.Clusters[0], newLength)
		if err != nil {
			return err
		}
		for _, c := range dropped {
			if err := eng.free.Release(c); err != nil {
				return err
			}
		}
		f.Clusters = f.Clusters[:newLength]
		f.Size = newSize
		f.Dirty = true
		eng.resyncCurrentCluster(f)
		return nil
	}

	if newSize > f.Size {
		oldSize := f.Size
		if err := eng.ensureCapacity(f, newSize); err != nil {
			return err
		}
		if err := eng.zeroFill(f, oldSize, newSize); err != nil {
			return err
		}
		f.Size = newSize
		f.Dirty = true
	}
	return nil
}

func (eng *Engine) zeroFill(f *File, from, to int64) error {
	const zeroChunk = 4096
	buf := make([]byte, zeroChunk)

	savedOffset := f.Offset
	f.Offset = from
	remaining := to - from
	for remaining > 0 {
		n := int64(len(buf))
		if n > remaining {
			n = remaining
		}
		written, err := eng.transfer(f, buf[:n], true)
		if err != nil {
			return err
		}
		remaining -= int64(written)
	}
	f.Offset = savedOffset
	eng.resyncCurrentCluster(f)
	return nil
}

// Release returns every cluster in f's chain to the free-space manager;
// used when a file is deleted on last close.
func (eng *Engine) Release(f *File) error {
	for _, c := range f.Clusters {
		if err := eng.free.Release(c); err != nil {
			return err
		}
	}
	f.Clusters = nil
	return nil
}
