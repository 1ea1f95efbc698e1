// Package openfiles implements the open-file/open-directory table: spec.md
// component F. Every open file or directory is keyed by its first cluster
// (its "inode" number, in this driver's terms) and refcounted, so that
// multiple opens of the same path share one entry and its pending
// metadata-writeback state.
package openfiles

import (
	"github.com/theanurin/emphatic-fs/errors"
)

// Entry is whatever a caller wants to associate with one open file or
// directory; the table only manages its lifetime, not its contents.
type Entry struct {
	Inode    uint32
	refcount int
	value    interface{}
}

// Value returns the caller-supplied payload stored alongside this entry.
func (e *Entry) Value() interface{} { return e.value }

// SetValue replaces the caller-supplied payload.
func (e *Entry) SetValue(v interface{}) { e.value = v }

// RefCount returns the current number of outstanding opens of this entry.
func (e *Entry) RefCount() int { return e.refcount }

// Table is the set of currently open files and directories on one
// mounted volume, indexed by first cluster.
type Table struct {
	entries map[uint32]*Entry
}

// New returns an empty table.
func New() *Table {
	return &Table{entries: make(map[uint32]*Entry)}
}

// Acquire returns the entry for inode, creating it via newValue if it is
// not already open. existed reports whether an entry was already present
// (and therefore newValue was not invoked).
func (t *Table) Acquire(inode uint32, newValue func() interface{}) (entry *Entry, existed bool) {
	if e, ok := t.entries[inode]; ok {
		e.refcount++
		return e, true
	}

	e := &Entry{Inode: inode, refcount: 1}
	if newValue != nil {
		e.value = newValue()
	}
	t.entries[inode] = e
	return e, false
}

// Release decrements the refcount for inode and removes the entry once
// it reaches zero, returning the entry one last time so the caller can
// flush any pending state (deferred metadata writeback, for instance)
// before it is discarded. released is true only on the call that drops
// the last reference.
func (t *Table) Release(inode uint32) (entry *Entry, released bool, err error) {
	e, ok := t.entries[inode]
	if !ok {
		return nil, false, errors.ErrInvalidArgument.WithMessage("release of an inode that is not open")
	}

	e.refcount--
	if e.refcount > 0 {
		return e, false, nil
	}

	delete(t.entries, inode)
	return e, true, nil
}

// Lookup returns the entry for inode without affecting its refcount.
func (t *Table) Lookup(inode uint32) (*Entry, bool) {
	e, ok := t.entries[inode]
	return e, ok
}

// Len returns the number of distinct inodes currently open.
func (t *Table) Len() int { return len(t.entries) }

// Inodes returns every inode currently open, for use when a caller needs
// to flush or invalidate everything (e.g. on unmount).
func (t *Table) Inodes() []uint32 {
	out := make([]uint32, 0, len(t.entries))
	for inode := range t.entries {
		out = append(out, inode)
	}
	return out
}
