// Package clusterchain walks and extends FAT cluster chains: spec.md
// component E. It translates a first cluster ("inode" number) into the
// ordered list of clusters backing a file or directory, rejecting
// reserved clusters, out-of-range clusters, and chains that loop back on
// themselves.
package clusterchain

import (
	"github.com/theanurin/emphatic-fs/bpb"
	"github.com/theanurin/emphatic-fs/errors"
	"github.com/theanurin/emphatic-fs/fatcache"
)

// Walker loads and extends cluster chains against one volume's FAT
// accessor and geometry.
type Walker struct {
	acc  *fatcache.Accessor
	geom *bpb.Geometry
}

// New returns a Walker bound to acc and geom.
func New(acc *fatcache.Accessor, geom *bpb.Geometry) *Walker {
	return &Walker{acc: acc, geom: geom}
}

// Load returns the full ordered list of clusters in the chain starting at
// first. It stops at the first end-of-chain marker, and fails if the
// chain runs longer than the number of clusters on the volume (a sure
// sign of a corrupt, cyclic FAT) or steps onto a reserved/bad/out-of-range
// cluster.
func (w *Walker) Load(first uint32) ([]uint32, error) {
	if first < 2 {
		return nil, errors.ErrInvalidArgument.WithMessage("cluster chains cannot start before cluster 2")
	}

	maxChainLength := int(w.geom.TotalClusters) + 1
	chain := make([]uint32, 0, 8)

	cur := first
	for {
		if !w.geom.IsValidCluster(cur) {
			return nil, errors.ErrFileSystemCorrupt.WithMessage("cluster chain references a cluster outside the data region")
		}

		chain = append(chain, cur)
		if len(chain) > maxChainLength {
			return nil, errors.ErrFileSystemCorrupt.WithMessage("cluster chain is longer than the volume has clusters; FAT is likely cyclic")
		}

		cell, err := w.acc.GetCell(cur)
		if err != nil {
			return nil, err
		}

		if fatcache.IsBad(cell) {
			return nil, errors.ErrFileSystemCorrupt.WithMessage("cluster chain steps onto a cluster marked bad")
		}
		if fatcache.IsFree(cell) {
			return nil, errors.ErrFileSystemCorrupt.WithMessage("cluster chain steps onto a cluster marked free")
		}
		if fatcache.IsEndOfChain(cell) {
			return chain, nil
		}

		cur = cell
	}
}

// LastCluster returns the final cluster of the chain starting at first,
// without allocating a slice for the whole chain.
func (w *Walker) LastCluster(first uint32) (uint32, error) {
	if first < 2 {
		return 0, errors.ErrInvalidArgument.WithMessage("cluster chains cannot start before cluster 2")
	}

	maxChainLength := int(w.geom.TotalClusters) + 1
	cur := first
	for steps := 0; ; steps++ {
		if !w.geom.IsValidCluster(cur) {
			return 0, errors.ErrFileSystemCorrupt.WithMessage("cluster chain references a cluster outside the data region")
		}
		if steps > maxChainLength {
			return 0, errors.ErrFileSystemCorrupt.WithMessage("cluster chain is longer than the volume has clusters; FAT is likely cyclic")
		}

		cell, err := w.acc.GetCell(cur)
		if err != nil {
			return 0, err
		}
		if fatcache.IsEndOfChain(cell) {
			return cur, nil
		}
		cur = cell
	}
}

// Truncate cuts the chain starting at first down to newLength clusters,
// returning the clusters that were detached (now orphaned, ready to be
// handed to freemap.Map.Release by the caller) and writing a fresh
// end-of-chain marker at the new tail. newLength must be at least 1.
func (w *Walker) Truncate(first uint32, newLength int) ([]uint32, error) {
	if newLength < 1 {
		return nil, errors.ErrInvalidArgument.WithMessage("a chain must keep at least one cluster")
	}

	full, err := w.Load(first)
	if err != nil {
		return nil, err
	}
	if newLength >= len(full) {
		return nil, nil
	}

	keep := full[:newLength]
	drop := full[newLength:]

	if err := w.acc.PutCell(keep[len(keep)-1], endOfChainMarker); err != nil {
		return nil, err
	}
	return drop, nil
}

// Extend appends newCluster to the end of the chain starting at first,
// marking newCluster as the new end-of-chain. Callers are responsible
// for having obtained newCluster from freemap.Map first.
func (w *Walker) Extend(first, newCluster uint32) error {
	last, err := w.LastCluster(first)
	if err != nil {
		return err
	}
	if err := w.acc.PutCell(newCluster, endOfChainMarker); err != nil {
		return err
	}
	return w.acc.PutCell(last, newCluster)
}

// Start marks cluster as a fresh, one-cluster chain by writing an
// end-of-chain marker into its own FAT cell. Callers are responsible for
// having obtained cluster from freemap.Map first; this is the allocation
// path for a brand new file or directory, which has no existing chain to
// Extend.
func (w *Walker) Start(cluster uint32) error {
	return w.acc.PutCell(cluster, endOfChainMarker)
}

const endOfChainMarker = 0x0FFFFFFF
