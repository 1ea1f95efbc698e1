// Package volume wires the driver's components together into a single
// mounted-volume context: spec.md component A's lifecycle (Mount/Unmount)
// plus the whole-volume operations (stat, statfs, the fsck-readonly
// cross-check) that don't belong to any one component. Every other
// package in this module is a building block; Context is the thing a
// caller (or cmd/emphaticfsctl) actually talks to.
package volume

import (
	"encoding/binary"
	"io"
	"log"
	"time"

	"github.com/theanurin/emphatic-fs/bpb"
	"github.com/theanurin/emphatic-fs/clusterchain"
	"github.com/theanurin/emphatic-fs/directory"
	"github.com/theanurin/emphatic-fs/errors"
	"github.com/theanurin/emphatic-fs/fatcache"
	"github.com/theanurin/emphatic-fs/fileio"
	"github.com/theanurin/emphatic-fs/freemap"
	"github.com/theanurin/emphatic-fs/geometry"
	"github.com/theanurin/emphatic-fs/openfiles"
)

// Options configures Mount. A zero Options selects a 128-sector FAT cache
// and a read-write mount. DualFATWrite is passed to the FAT accessor as
// is, so a zero Options writes FAT cells to the first FAT copy only.
type Options struct {
	CacheSectors int
	DualFATWrite bool
	ReadOnly     bool
	Logger       *log.Logger
}

func (o Options) logger() *log.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return log.New(log.Writer(), "emphaticfs: ", log.LstdFlags)
}

// Context is one mounted FAT32 volume, with every component (A-H) wired
// to a single backing device. It is not safe for concurrent use, matching
// the single-threaded design spec.md §5 describes.
type Context struct {
	dev    io.ReadWriteSeeker
	geom   *bpb.Geometry
	acc    *fatcache.Accessor
	free   *freemap.Map
	chain  *clusterchain.Walker
	fio    *fileio.Engine
	files  *openfiles.Table
	dir    *directory.Engine
	logger *log.Logger

	readOnly bool
}

// Handle is an open file, returned by Open and consumed by
// Read/Write/Seek/Truncate/Close.
type Handle struct {
	file *fileio.File
}

// Mount parses dev's boot sector and FSInfo sector, scans the FAT once to
// build the free-space map, and returns a Context ready for use. It logs
// (via opts.Logger, or a stdlib default) one note saying whether dev's
// cluster size matches or deviates from Microsoft's documented
// recommendation for its size; this is advisory only and never fails the
// mount.
func Mount(dev io.ReadWriteSeeker, opts Options) (*Context, error) {
	geom, err := bpb.Parse(dev)
	if err != nil {
		return nil, err
	}

	logger := opts.logger()

	cacheSectors := opts.CacheSectors
	if cacheSectors <= 0 {
		cacheSectors = fatcache.DefaultCacheCapacity
	}

	acc := fatcache.New(dev, geom, cacheSectors)
	acc.DualWrite = opts.DualFATWrite
	acc.OnEvict(func(sector uint32) {
		logger.Printf("fatcache: evicting FAT sector %d", sector)
	})

	free, err := freemap.Build(acc, 2, geom.TotalClusters)
	if err != nil {
		return nil, err
	}

	volumeBytes := uint64(geom.ClusterSize) * uint64(geom.TotalClusters)
	logger.Print(geometry.Describe(volumeBytes, geom.ClusterSize))

	chain := clusterchain.New(acc, geom)
	fio := fileio.New(dev, geom, chain, free)
	files := openfiles.New()
	dir := directory.New(geom, fio, free, files)

	return &Context{
		dev: dev, geom: geom, acc: acc, free: free, chain: chain,
		fio: fio, files: files, dir: dir, logger: logger,
		readOnly: opts.ReadOnly,
	}, nil
}

// Unmount persists the FSInfo free-cluster hint (best-effort, matching
// spec.md §5's note that metadata may lag a crash) and releases nothing
// else: every write in this driver is write-through, so there is no dirty
// buffer left to flush beyond FSInfo. A read-only mount does not touch
// the device at all.
func (ctx *Context) Unmount() error {
	if ctx.readOnly {
		return nil
	}
	return ctx.flushFSInfo()
}

// flushFSInfo writes the current free-cluster count and a fresh
// allocation hint (the first cluster of the lowest-addressed free region,
// or the "no hint" sentinel if the volume is full) back to the FSInfo
// sector, the original driver's `next_free` bookkeeping carried into this
// implementation (see SPEC_FULL.md, Supplemented feature #1).
func (ctx *Context) flushFSInfo() error {
	fsInfo := ctx.geom.FSInfo
	fsInfo.FreeCount = uint32(ctx.free.FreeClusters())

	regions := ctx.free.Regions()
	if len(regions) > 0 {
		fsInfo.NextFree = regions[0].Start
	} else {
		fsInfo.NextFree = 0xFFFFFFFF
	}

	offset := int64(ctx.geom.BootSector.FSInfoSector) * int64(ctx.geom.SectorSize)
	if _, err := ctx.dev.Seek(offset, io.SeekStart); err != nil {
		return errors.ErrIOFailed.WrapError(err)
	}
	if err := binary.Write(ctx.dev, binary.LittleEndian, &fsInfo); err != nil {
		return errors.ErrIOFailed.WrapError(err)
	}

	ctx.geom.FSInfo = fsInfo
	return nil
}

func (ctx *Context) checkWritable() error {
	if ctx.readOnly {
		return errors.ErrReadOnly.WithMessage("volume is mounted read-only")
	}
	return nil
}

// Create adds a new file entry named by path, under its already-existing
// parent directory.
func (ctx *Context) Create(path string, attrs uint8) error {
	if err := ctx.checkWritable(); err != nil {
		return err
	}
	return ctx.dir.Create(path, attrs)
}

// Open resolves path and returns a read/write handle on the plain file it
// names. It does not create the file; call Create first if it may not
// exist yet.
func (ctx *Context) Open(path string) (*Handle, error) {
	f, err := ctx.dir.Open(path)
	if err != nil {
		return nil, err
	}
	return &Handle{file: f}, nil
}

// Read fills buf from h's current offset, advancing it.
func (ctx *Context) Read(h *Handle, buf []byte) (int, error) {
	return ctx.fio.Read(h.file, buf)
}

// Write writes buf at h's current offset, extending the file if needed.
func (ctx *Context) Write(h *Handle, buf []byte) (int, error) {
	if err := ctx.checkWritable(); err != nil {
		return 0, err
	}
	return ctx.fio.Write(h.file, buf)
}

// Seek repositions h, following io.Seeker whence semantics.
func (ctx *Context) Seek(h *Handle, offset int64, whence int) (int64, error) {
	return ctx.fio.Seek(h.file, offset, whence)
}

// Truncate changes h's length in place, without closing it.
func (ctx *Context) Truncate(h *Handle, newSize int64) error {
	if err := ctx.checkWritable(); err != nil {
		return err
	}
	return ctx.fio.Truncate(h.file, newSize)
}

// Close releases h back to the open-file table, flushing its size/mtime
// to its parent directory entry (or finalizing its deletion) once the
// last outstanding handle on the same file closes.
func (ctx *Context) Close(h *Handle) error {
	return ctx.dir.CloseFile(h.file)
}

// Mkdir creates a directory and bootstraps its "." and ".." entries (see
// DESIGN.md's Open Question decision).
func (ctx *Context) Mkdir(path string) error {
	if err := ctx.checkWritable(); err != nil {
		return err
	}
	return ctx.dir.Mkdir(path)
}

// Rmdir removes an empty directory.
func (ctx *Context) Rmdir(path string) error {
	if err := ctx.checkWritable(); err != nil {
		return err
	}
	return ctx.dir.Rmdir(path)
}

// Unlink removes a file, or an empty directory (equivalent to Rmdir).
func (ctx *Context) Unlink(path string) error {
	if err := ctx.checkWritable(); err != nil {
		return err
	}
	return ctx.dir.Unlink(path)
}

// Rename moves the entry at oldPath to newPath.
func (ctx *Context) Rename(oldPath, newPath string) error {
	if err := ctx.checkWritable(); err != nil {
		return err
	}
	return ctx.dir.Rename(oldPath, newPath)
}

// TruncatePath changes the length of the (closed) file at path, without
// requiring the caller to Open it first.
func (ctx *Context) TruncatePath(path string, newSize int64) error {
	if err := ctx.checkWritable(); err != nil {
		return err
	}
	return ctx.dir.Truncate(path, newSize)
}

// DirEntry is one entry returned by ReadDir: the file's name as restored
// from its packed 8.3 form, and the attributes/timestamps/size from its
// decoded directory record.
type DirEntry = directory.NamedEntry

// ReadDir lists the live entries of the directory at path (not including
// the volume-label entry, if any; see VolumeLabel).
func (ctx *Context) ReadDir(path string) ([]DirEntry, error) {
	return ctx.dir.ReadDir(path)
}

// Stat describes one file or directory's metadata, the information a VFS
// adapter's stat(2) implementation would need.
type Stat struct {
	Size       int64
	IsDir      bool
	ReadOnly   bool
	ModifiedAt time.Time
	AccessedAt time.Time
	CreatedAt  time.Time
}

// Stat resolves path and reports its metadata without opening it for I/O.
func (ctx *Context) Stat(path string) (Stat, error) {
	resolved, err := ctx.dir.Resolve(path)
	if err != nil {
		return Stat{}, err
	}
	defer ctx.dir.Close(resolved)

	e := resolved.Entry
	return Stat{
		Size:       int64(e.FileSize),
		IsDir:      e.IsDirectory(),
		ReadOnly:   e.IsReadOnly(),
		ModifiedAt: time.Unix(e.ModifiedUnix(), 0),
		AccessedAt: time.Unix(e.AccessedUnix(), 0),
		CreatedAt:  time.Unix(e.CreatedUnix(), 0),
	}, nil
}

// Statfs reports whole-volume capacity and the optional volume label.
type Statfs struct {
	ClusterSize   uint32
	TotalClusters uint32
	FreeClusters  int
	UsedClusters  int
	Label         string
	HasLabel      bool
}

// Statfs reports aggregate free-space statistics for the mounted volume.
func (ctx *Context) Statfs() Statfs {
	label, hasLabel := ctx.dir.VolumeLabel()
	return Statfs{
		ClusterSize:   ctx.geom.ClusterSize,
		TotalClusters: ctx.geom.TotalClusters,
		FreeClusters:  ctx.free.FreeClusters(),
		UsedClusters:  ctx.free.UsedClusters(),
		Label:         label,
		HasLabel:      hasLabel,
	}
}

// FsckReadOnly performs a fresh linear scan of the FAT, independent of the
// in-memory free-space map built at mount time, and reports every cluster
// where the two disagree about free/used status. It never writes to the
// volume; this is a cross-check, not a repair tool (see spec.md's
// Non-goals and SPEC_FULL.md's read-only CLI subcommand of the same
// name).
func (ctx *Context) FsckReadOnly() ([]uint32, error) {
	bmp := ctx.free.DebugBitmap()

	var mismatches []uint32
	for id := uint32(2); id < 2+ctx.geom.TotalClusters; id++ {
		cell, err := ctx.acc.GetCell(id)
		if err != nil {
			return nil, err
		}
		scannedFree := fatcache.IsFree(cell)
		mapFree := bmp.Get(int(id - 2))
		if scannedFree != mapFree {
			mismatches = append(mismatches, id)
		}
	}
	return mismatches, nil
}
