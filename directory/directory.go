// Package directory implements the directory engine: spec.md component H.
// It resolves POSIX-style paths against the on-disk short-name directory
// entries one token at a time, and implements entry CRUD plus the
// higher-level create/unlink/rename/rmdir/truncate operations on top of
// it, wiring together the cluster-chain loader, free-space manager, file
// I/O engine, and open-file/open-directory table.
package directory

import (
	"strings"
	"time"

	"github.com/theanurin/emphatic-fs/bpb"
	"github.com/theanurin/emphatic-fs/dirent"
	"github.com/theanurin/emphatic-fs/errors"
	"github.com/theanurin/emphatic-fs/fileio"
	"github.com/theanurin/emphatic-fs/freemap"
	"github.com/theanurin/emphatic-fs/openfiles"
)

// Engine resolves paths and performs directory-entry operations for one
// mounted volume.
type Engine struct {
	geom  *bpb.Geometry
	fio   *fileio.Engine
	free  *freemap.Map
	files *openfiles.Table
}

// New returns a directory Engine wired to the given volume collaborators.
// files is shared with the caller so that plain file opens (outside of
// directory operations) see the same refcounted entries.
func New(geom *bpb.Geometry, fio *fileio.Engine, free *freemap.Map, files *openfiles.Table) *Engine {
	return &Engine{geom: geom, fio: fio, free: free, files: files}
}

// Resolved is the output of a path walk: the matched entry itself, the
// still-open handle on its immediate parent directory, and the entry's
// index within that parent. Callers must call Close when done with
// Parent, releasing it back to the open-directory table.
type Resolved struct {
	Entry  dirent.Entry
	Index  int
	Parent *fileio.File
}

// Close releases the parent directory handle acquired by Resolve.
func (e *Engine) Close(r *Resolved) error {
	if r == nil || r.Parent == nil {
		return nil
	}
	_, _, err := e.files.Release(r.Parent.Inode)
	return err
}

// rootEntry synthesises the root directory's entry: no name (it is never
// matched against by name), the DIRECTORY attribute, and cluster =
// root_cluster from the BPB.
func (e *Engine) rootEntry() dirent.Entry {
	var root dirent.Entry
	root.Attributes = dirent.AttrDirectory
	root.SetCluster(e.geom.RootCluster)
	return root
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// splitShortName breaks a single path token into its 8.3 name and
// extension halves. The "." and ".." links are kept whole as names. No
// case-folding is performed anywhere in this driver; callers must already
// supply the exact bytes stored on disk.
func splitShortName(token string) (name, ext string) {
	if token == "." || token == ".." {
		return token, ""
	}
	if i := strings.IndexByte(token, '.'); i >= 0 {
		return token[:i], token[i+1:]
	}
	return token, ""
}

// acquireDir opens inode as a directory, sharing the table entry if it is
// already open. A directory has no meaningful on-disk size field (the
// root has no dirent at all, and a subdirectory's stored size would go
// stale the moment entries are appended), so a freshly opened directory's
// size is always derived from its cluster chain's full capacity: reads
// and appends rely on the first 0x00 name byte to find the live/free
// boundary, exactly as spec'd for read_entry/append_entry.
//
// parentInode/parentIndex identify where inode's own directory entry
// lives and are recorded on a freshly opened File; finalizeDelete uses
// them to remove that entry when the handle is marked delete-on-close.
// Releasing a directory handle never writes its own entry back, even if
// its chain grew. Pass 0, 0 when the caller will not delete the directory
// through this handle.
func (e *Engine) acquireDir(inode, parentInode uint32, parentIndex int) (*fileio.File, error) {
	var openErr error
	entry, existed := e.files.Acquire(inode, func() interface{} {
		f, err := e.fio.Open(inode, parentInode, parentIndex, 0)
		if err != nil {
			openErr = err
			return nil
		}
		f.Size = int64(len(f.Clusters)) * int64(e.geom.ClusterSize)
		return f
	})
	if openErr != nil {
		if !existed {
			e.files.Release(inode)
		}
		return nil, openErr
	}
	return entry.Value().(*fileio.File), nil
}

// acquireFile opens inode as an ordinary (non-directory) file, sharing the
// table entry if already open. Unlike acquireDir, a file's length is not
// derivable from its cluster chain's capacity (the last cluster is usually
// only partly used), so the caller must supply the size already read from
// its directory entry.
func (e *Engine) acquireFile(inode, parentInode uint32, parentIndex int, size int64) (*fileio.File, error) {
	var openErr error
	entry, existed := e.files.Acquire(inode, func() interface{} {
		f, err := e.fio.Open(inode, parentInode, parentIndex, size)
		if err != nil {
			openErr = err
			return nil
		}
		return f
	})
	if openErr != nil {
		if !existed {
			e.files.Release(inode)
		}
		return nil, openErr
	}
	return entry.Value().(*fileio.File), nil
}

// Resolve walks path from the root, one token at a time, and returns the
// final entry together with a handle on its immediate parent directory.
// An empty or "/" path resolves to the root directory itself, with a nil
// Parent.
func (e *Engine) Resolve(path string) (*Resolved, error) {
	tokens := splitPath(path)
	if len(tokens) == 0 {
		return &Resolved{Entry: e.rootEntry()}, nil
	}

	current := e.rootEntry()
	currentInode := e.geom.RootCluster
	// currentParentInode/currentParentIndex describe where currentInode's
	// own entry lives; the root has none, hence the zero values.
	var currentParentInode uint32
	var currentParentIndex int

	var parent *fileio.File
	var index int

	for _, token := range tokens {
		if !current.IsDirectory() {
			if parent != nil {
				e.files.Release(parent.Inode)
			}
			return nil, errors.ErrNotDir.WithMessage("path component is not a directory: " + token)
		}

		dirFile, err := e.acquireDir(currentInode, currentParentInode, currentParentIndex)
		if err != nil {
			if parent != nil {
				e.files.Release(parent.Inode)
			}
			return nil, err
		}

		matchName, matchExt := splitShortName(token)
		wantName := dirent.PackName(matchName, matchExt)

		found := false
		var matched dirent.Entry
		matchedIndex := -1

		count := int(dirFile.Size) / dirent.Size
		for idx := 0; idx < count; idx++ {
			ent, err := e.ReadEntry(dirFile, idx)
			if err != nil {
				e.files.Release(dirFile.Inode)
				if parent != nil {
					e.files.Release(parent.Inode)
				}
				return nil, err
			}
			if ent.IsFree() {
				break
			}
			if ent.IsVolumeLabel() {
				continue
			}
			if ent.Name == wantName {
				found = true
				matched = ent
				matchedIndex = idx
				break
			}
		}

		if !found {
			e.files.Release(dirFile.Inode)
			if parent != nil {
				e.files.Release(parent.Inode)
			}
			return nil, errors.ErrNotFound.WithMessage("no such file or directory: " + token)
		}

		// The previous parent (the grandparent of this token) is closed
		// unless this is the final token's immediate parent.
		if parent != nil {
			e.files.Release(parent.Inode)
		}

		parent = dirFile
		current = matched
		currentInode = matched.Cluster()
		currentParentInode = dirFile.Inode
		currentParentIndex = matchedIndex
		index = matchedIndex
	}

	return &Resolved{Entry: current, Index: index, Parent: parent}, nil
}

// Open resolves path and returns a ready-for-I/O handle on the plain file
// it names, acquired from (and refcounted by) the shared open-file table.
// Callers must eventually pass the returned handle to CloseFile. It
// rejects directories; use ReadDir to list one.
func (e *Engine) Open(path string) (*fileio.File, error) {
	resolved, err := e.Resolve(path)
	if err != nil {
		return nil, err
	}
	defer e.Close(resolved)
	if resolved.Entry.IsDirectory() {
		return nil, errors.ErrIsDir.WithMessage("cannot open a directory for file I/O: " + path)
	}

	var parentInode uint32
	var parentIndex int
	if resolved.Parent != nil {
		parentInode = resolved.Parent.Inode
		parentIndex = resolved.Index
	}
	return e.acquireFile(resolved.Entry.Cluster(), parentInode, parentIndex, int64(resolved.Entry.FileSize))
}

// ReadEntry reads the directory entry at index within an open directory
// file, treating it as an ordinary file of packed 32-byte records.
func (e *Engine) ReadEntry(dirFile *fileio.File, index int) (dirent.Entry, error) {
	buf := make([]byte, dirent.Size)
	if _, err := e.fio.Seek(dirFile, int64(index)*dirent.Size, 0); err != nil {
		return dirent.Entry{}, err
	}
	if _, err := e.fio.Read(dirFile, buf); err != nil {
		return dirent.Entry{}, err
	}
	return dirent.Decode(buf)
}

// WriteEntry writes ent at index within an open directory file.
func (e *Engine) WriteEntry(dirFile *fileio.File, index int, ent dirent.Entry) error {
	if _, err := e.fio.Seek(dirFile, int64(index)*dirent.Size, 0); err != nil {
		return err
	}
	_, err := e.fio.Write(dirFile, ent.Encode())
	return err
}

// AppendEntry locates the first free slot (sequential scan for a 0x00
// first name byte) and writes ent there, growing the directory's chain
// via the file I/O engine if no free slot exists.
func (e *Engine) AppendEntry(dirFile *fileio.File, ent dirent.Entry) (int, error) {
	count := int(dirFile.Size) / dirent.Size
	for idx := 0; idx < count; idx++ {
		existing, err := e.ReadEntry(dirFile, idx)
		if err != nil {
			return 0, err
		}
		if existing.IsFree() {
			if err := e.WriteEntry(dirFile, idx, ent); err != nil {
				return 0, err
			}
			return idx, nil
		}
	}

	if err := e.WriteEntry(dirFile, count, ent); err != nil {
		return 0, err
	}
	return count, nil
}

// DeleteEntry removes the entry at index using swap-with-last: the last
// live entry (the slot immediately before the first 0x00 terminator, or
// the final slot if the directory is full) takes its place, and that
// vacated slot is marked free. This keeps the live region contiguous.
func (e *Engine) DeleteEntry(dirFile *fileio.File, index int) error {
	count := int(dirFile.Size) / dirent.Size

	lastLive := -1
	for idx := 0; idx < count; idx++ {
		ent, err := e.ReadEntry(dirFile, idx)
		if err != nil {
			return err
		}
		if ent.IsFree() {
			break
		}
		lastLive = idx
	}
	if lastLive < 0 {
		return errors.ErrInvalidArgument.WithMessage("delete_entry called on an empty directory")
	}

	if lastLive != index {
		moved, err := e.ReadEntry(dirFile, lastLive)
		if err != nil {
			return err
		}
		if err := e.WriteEntry(dirFile, index, moved); err != nil {
			return err
		}
	}

	var blank dirent.Entry
	return e.WriteEntry(dirFile, lastLive, blank)
}

func now() int64 { return time.Now().Unix() }

// Create adds a new file or (bare) directory entry named by the final
// component of path, under the existing parent directory named by the
// rest of path. The caller is responsible for separately bootstrapping
// "." and ".." when creating a directory (see Mkdir).
func (e *Engine) Create(path string, attrs uint8) error {
	parentPath, name := splitParentAndName(path)
	if dirent.IsReservedName(name) {
		return errors.ErrInvalidArgument.WithMessage("reserved name cannot be created: " + name)
	}

	parent, err := e.Resolve(parentPath)
	if err != nil {
		return err
	}
	defer e.Close(parent)
	if !parent.Entry.IsDirectory() {
		return errors.ErrNotDir.WithMessage("parent is not a directory")
	}

	var grandParentInode uint32
	var grandParentIndex int
	if parent.Parent != nil {
		grandParentInode = parent.Parent.Inode
		grandParentIndex = parent.Index
	}
	parentFile, err := e.acquireDir(parent.Entry.Cluster(), grandParentInode, grandParentIndex)
	if err != nil {
		return err
	}
	defer e.files.Release(parentFile.Inode)

	cluster, err := e.free.AllocateLargest()
	if err != nil {
		return err
	}
	if err := e.fio.StartChain(cluster); err != nil {
		e.free.Release(cluster)
		return err
	}

	var ent dirent.Entry
	shortName, ext := splitShortName(name)
	ent.Name = dirent.PackName(shortName, ext)
	ent.Attributes = attrs
	ent.SetCluster(cluster)
	t := now()
	ent.SetCreated(t)
	ent.SetAccessed(t)
	ent.SetModified(t)

	_, err = e.AppendEntry(parentFile, ent)
	return err
}

// Mkdir creates a directory entry and bootstraps its "." and ".." entries,
// a deviation from the original driver (documented in the project's
// design notes) made because a directory with neither entry cannot be
// walked by ordinary POSIX tools.
func (e *Engine) Mkdir(path string) error {
	if err := e.Create(path, dirent.AttrDirectory); err != nil {
		return err
	}

	resolved, err := e.Resolve(path)
	if err != nil {
		return err
	}
	defer e.Close(resolved)

	var ownParentInode uint32
	var ownParentIndex int
	if resolved.Parent != nil {
		ownParentInode = resolved.Parent.Inode
		ownParentIndex = resolved.Index
	}
	selfFile, err := e.acquireDir(resolved.Entry.Cluster(), ownParentInode, ownParentIndex)
	if err != nil {
		return err
	}
	defer e.files.Release(selfFile.Inode)

	t := now()

	var dot dirent.Entry
	dot.Name = dirent.PackName(".", "")
	dot.Attributes = dirent.AttrDirectory
	dot.SetCluster(resolved.Entry.Cluster())
	dot.SetCreated(t)
	dot.SetModified(t)

	var dotdot dirent.Entry
	dotdot.Name = dirent.PackName("..", "")
	dotdot.Attributes = dirent.AttrDirectory
	if resolved.Parent != nil {
		dotdot.SetCluster(resolved.Parent.Inode)
	} else {
		dotdot.SetCluster(e.geom.RootCluster)
	}
	dotdot.SetCreated(t)
	dotdot.SetModified(t)

	if _, err := e.AppendEntry(selfFile, dot); err != nil {
		return err
	}
	_, err = e.AppendEntry(selfFile, dotdot)
	return err
}

// Unlink resolves path and, if it is not a read-only entry and (for
// directories) is empty aside from "." and "..", marks the open entry's
// delete-on-close flag. The actual cluster release and directory-entry
// removal happen when the last handle closes.
func (e *Engine) Unlink(path string) error {
	resolved, err := e.Resolve(path)
	if err != nil {
		return err
	}
	defer e.Close(resolved)

	if resolved.Parent == nil {
		return errors.ErrInvalidArgument.WithMessage("cannot unlink the root directory")
	}
	if resolved.Entry.IsReadOnly() {
		return errors.ErrAccess.WithMessage("cannot unlink a read-only entry")
	}

	file, err := e.acquireDir(resolved.Entry.Cluster(), resolved.Parent.Inode, resolved.Index)
	if err != nil {
		return err
	}

	if resolved.Entry.IsDirectory() {
		count := int(file.Size) / dirent.Size
		for idx := 0; idx < count; idx++ {
			ent, err := e.ReadEntry(file, idx)
			if err != nil {
				e.files.Release(file.Inode)
				return err
			}
			if ent.IsFree() {
				break
			}
			name, ext := decodeShortName(ent.Name)
			if !dirent.IsReservedName(joinShortName(name, ext)) {
				e.files.Release(file.Inode)
				return errors.ErrNotEmpty.WithMessage("directory is not empty")
			}
		}
	}

	file.DeleteOnClose = true
	_, released, err := e.files.Release(file.Inode)
	if err != nil {
		return err
	}
	if released {
		return e.finalizeDelete(file)
	}
	return nil
}

// Rmdir dispatches through Unlink: the DIRECTORY attribute bit causes the
// empty-check in Unlink to apply.
func (e *Engine) Rmdir(path string) error {
	return e.Unlink(path)
}

// finalizeDelete releases every cluster in a deleted file's chain and
// removes its directory entry, once the last handle has closed.
func (e *Engine) finalizeDelete(file *fileio.File) error {
	if err := e.fio.Release(file); err != nil {
		return err
	}

	parentFile, err := e.acquireDir(file.ParentInode, 0, 0)
	if err != nil {
		return err
	}
	defer e.files.Release(parentFile.Inode)

	return e.DeleteEntry(parentFile, file.ParentIndex)
}

// Rename moves the entry at oldPath to newPath. The destination must not
// already exist.
func (e *Engine) Rename(oldPath, newPath string) error {
	if existing, err := e.Resolve(newPath); err == nil {
		e.Close(existing)
		return errors.ErrExists.WithMessage("rename destination already exists")
	}

	src, err := e.Resolve(oldPath)
	if err != nil {
		return err
	}
	defer e.Close(src)

	newParentPath, newName := splitParentAndName(newPath)
	if dirent.IsReservedName(newName) {
		return errors.ErrInvalidArgument.WithMessage("reserved name cannot be a rename target: " + newName)
	}

	dstParent, err := e.Resolve(newParentPath)
	if err != nil {
		return err
	}
	defer e.Close(dstParent)
	if !dstParent.Entry.IsDirectory() {
		return errors.ErrNotDir.WithMessage("rename destination parent is not a directory")
	}

	srcParentFile, err := e.acquireDir(src.Parent.Inode, 0, 0)
	if err != nil {
		return err
	}
	defer e.files.Release(srcParentFile.Inode)

	if err := e.DeleteEntry(srcParentFile, src.Index); err != nil {
		return err
	}

	renamed := src.Entry
	shortName, ext := splitShortName(newName)
	renamed.Name = dirent.PackName(shortName, ext)

	var dstGrandParentInode uint32
	var dstGrandParentIndex int
	if dstParent.Parent != nil {
		dstGrandParentInode = dstParent.Parent.Inode
		dstGrandParentIndex = dstParent.Index
	}
	dstParentFile, err := e.acquireDir(dstParent.Entry.Cluster(), dstGrandParentInode, dstGrandParentIndex)
	if err != nil {
		return err
	}
	defer e.files.Release(dstParentFile.Inode)

	_, err = e.AppendEntry(dstParentFile, renamed)
	return err
}

// Truncate changes the size of the file at path, releasing trailing
// clusters if shrinking or zero-filling if growing, and updates the
// parent directory entry's size and write-time.
func (e *Engine) Truncate(path string, newSize int64) error {
	resolved, err := e.Resolve(path)
	if err != nil {
		return err
	}
	defer e.Close(resolved)

	if resolved.Parent == nil {
		return errors.ErrInvalidArgument.WithMessage("cannot truncate the root directory")
	}

	file, err := e.acquireFile(resolved.Entry.Cluster(), resolved.Parent.Inode, resolved.Index, int64(resolved.Entry.FileSize))
	if err != nil {
		return err
	}
	defer e.files.Release(file.Inode)

	if err := e.fio.Truncate(file, newSize); err != nil {
		return err
	}

	return e.flushMetadata(file)
}

// flushMetadata writes a dirty open file's size/write-time/access-date
// back into its parent's directory entry; called on close and from
// Truncate.
func (e *Engine) flushMetadata(file *fileio.File) error {
	if !file.Dirty {
		return nil
	}

	parentFile, err := e.acquireDir(file.ParentInode, 0, 0)
	if err != nil {
		return err
	}
	defer e.files.Release(parentFile.Inode)

	ent, err := e.ReadEntry(parentFile, file.ParentIndex)
	if err != nil {
		return err
	}

	ent.FileSize = uint32(file.Size)
	ent.Attributes |= dirent.AttrArchive
	t := now()
	ent.SetModified(t)
	ent.SetAccessed(t)

	file.Dirty = false
	return e.WriteEntry(parentFile, file.ParentIndex, ent)
}

// NamedEntry pairs a decoded directory entry with the short name the
// directory engine reassembled it under, as returned by ReadDir.
type NamedEntry struct {
	Name  string
	Entry dirent.Entry
}

// ReadDir resolves path as a directory and returns its live entries,
// skipping free slots and the volume-label entry (it is not a real file
// and is surfaced separately via VolumeLabel).
func (e *Engine) ReadDir(path string) ([]NamedEntry, error) {
	resolved, err := e.Resolve(path)
	if err != nil {
		return nil, err
	}
	defer e.Close(resolved)
	if !resolved.Entry.IsDirectory() {
		return nil, errors.ErrNotDir.WithMessage("not a directory: " + path)
	}

	var parentInode uint32
	var parentIndex int
	if resolved.Parent != nil {
		parentInode = resolved.Parent.Inode
		parentIndex = resolved.Index
	}
	dirFile, err := e.acquireDir(resolved.Entry.Cluster(), parentInode, parentIndex)
	if err != nil {
		return nil, err
	}
	defer e.files.Release(dirFile.Inode)

	var out []NamedEntry
	count := int(dirFile.Size) / dirent.Size
	for idx := 0; idx < count; idx++ {
		ent, err := e.ReadEntry(dirFile, idx)
		if err != nil {
			return nil, err
		}
		if ent.IsFree() {
			break
		}
		if ent.IsVolumeLabel() {
			continue
		}
		name, ext := decodeShortName(ent.Name)
		out = append(out, NamedEntry{Name: joinShortName(name, ext), Entry: ent})
	}
	return out, nil
}

// VolumeLabel scans the root directory for its optional ATTR_VOLUME_ID
// entry (the original driver's volume-label record, which has no cluster
// and holds the label itself in its name field) and returns its decoded
// name, or false if the volume carries no label.
func (e *Engine) VolumeLabel() (string, bool) {
	rootFile, err := e.acquireDir(e.geom.RootCluster, 0, 0)
	if err != nil {
		return "", false
	}
	defer e.files.Release(rootFile.Inode)

	count := int(rootFile.Size) / dirent.Size
	for idx := 0; idx < count; idx++ {
		ent, err := e.ReadEntry(rootFile, idx)
		if err != nil {
			return "", false
		}
		if ent.IsFree() {
			break
		}
		if ent.IsVolumeLabel() {
			name, ext := decodeShortName(ent.Name)
			return joinShortName(name, ext), true
		}
	}
	return "", false
}

// CloseFile releases fd from the open-file table, flushing size/mtime to
// its parent directory entry (or releasing its clusters and removing its
// directory entry, if it was marked for delete-on-close) once the last
// reference drops.
func (e *Engine) CloseFile(file *fileio.File) error {
	_, released, err := e.files.Release(file.Inode)
	if err != nil {
		return err
	}
	if !released {
		return nil
	}
	if file.DeleteOnClose {
		return e.finalizeDelete(file)
	}
	return e.flushMetadata(file)
}

func splitParentAndName(path string) (parent, name string) {
	trimmed := strings.Trim(path, "/")
	i := strings.LastIndexByte(trimmed, '/')
	if i < 0 {
		return "/", trimmed
	}
	return "/" + trimmed[:i], trimmed[i+1:]
}

func decodeShortName(raw [11]byte) (name, ext string) {
	name = strings.TrimRight(string(raw[0:8]), " ")
	ext = strings.TrimRight(string(raw[8:11]), " ")
	return
}

func joinShortName(name, ext string) string {
	if ext == "" {
		return name
	}
	return name + "." + ext
}
