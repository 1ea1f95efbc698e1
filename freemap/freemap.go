// Package freemap implements the free-space manager: spec.md component C.
// It builds an in-memory map of free cluster regions by scanning the FAT
// once at mount time, then answers allocation requests (nearest free
// cluster to a hint, or the single largest free region for a brand new
// file) and folds released clusters back into the map, merging with
// whichever neighbouring region(s) they touch.
package freemap

import (
	"sort"

	"github.com/boljen/go-bitmap"

	"github.com/theanurin/emphatic-fs/errors"
	"github.com/theanurin/emphatic-fs/fatcache"
)

// region is a contiguous run of free clusters, [Start, Start+Length).
type region struct {
	Start  uint32
	Length uint32
}

func (r region) end() uint32 { return r.Start + r.Length }

// Map is the free-space manager for one mounted volume. It is not safe
// for concurrent use, matching spec.md's single-threaded design.
type Map struct {
	regions []region // sorted by Start, no two regions adjacent or overlapping
	present bitmap.Bitmap
	acc     *fatcache.Accessor

	firstCluster uint32 // lowest valid cluster id, normally 2
	totalClusters uint32

	usedClusters int
	freeClusters int
}

// Build scans every cell of the FAT via acc and constructs the free-space
// map. It should be called exactly once, at mount time.
func Build(acc *fatcache.Accessor, firstCluster, totalClusters uint32) (*Map, error) {
	m := &Map{
		firstCluster:  firstCluster,
		totalClusters: totalClusters,
		present:       bitmap.New(int(totalClusters)),
		acc:           acc,
	}

	var runStart uint32
	inRun := false

	flush := func(end uint32) {
		if inRun {
			m.regions = append(m.regions, region{Start: runStart, Length: end - runStart})
			inRun = false
		}
	}

	for id := firstCluster; id < firstCluster+totalClusters; id++ {
		cell, err := acc.GetCell(id)
		if err != nil {
			return nil, err
		}

		if fatcache.IsFree(cell) {
			m.present.Set(int(id-firstCluster), true)
			m.freeClusters++
			if !inRun {
				runStart = id
				inRun = true
			}
		} else {
			m.usedClusters++
			flush(id)
		}
	}
	flush(firstCluster + totalClusters)

	return m, nil
}

// UsedClusters returns the number of clusters currently allocated to
// files and directories.
func (m *Map) UsedClusters() int { return m.usedClusters }

// FreeClusters returns the number of clusters available for allocation.
func (m *Map) FreeClusters() int { return m.freeClusters }

// AllocateNear returns the free cluster nearest to hint, marking it used
// in the map. hint is typically the last cluster of a chain being
// extended. Ties are broken toward the cluster on the left of hint, to
// match the original driver's policy.
func (m *Map) AllocateNear(hint uint32) (uint32, error) {
	if len(m.regions) == 0 {
		return 0, errors.ErrNoSpace.WithMessage("no free clusters remain on this volume")
	}

	idx := m.nearestRegionIndex(hint)
	r := m.regions[idx]

	var chosen uint32
	if hint < r.Start {
		chosen = r.Start
		m.regions[idx].Start++
		m.regions[idx].Length--
	} else {
		chosen = r.end() - 1
		m.regions[idx].Length--
	}

	if m.regions[idx].Length == 0 {
		m.regions = append(m.regions[:idx], m.regions[idx+1:]...)
	}

	m.markUsed(chosen)
	return chosen, nil
}

// AllocateLargest returns the cluster at the middle of the single largest
// free region on the volume, used when creating a brand new file with no
// existing chain to extend from: splitting from the middle leaves room to
// grow contiguously on either side, rather than only forward.
func (m *Map) AllocateLargest() (uint32, error) {
	if len(m.regions) == 0 {
		return 0, errors.ErrNoSpace.WithMessage("no free clusters remain on this volume")
	}

	best := 0
	for i, r := range m.regions {
		if r.Length > m.regions[best].Length {
			best = i
		}
	}

	r := m.regions[best]
	chosen := r.Start + r.Length/2

	var replacement []region
	if chosen > r.Start {
		replacement = append(replacement, region{Start: r.Start, Length: chosen - r.Start})
	}
	if chosen+1 < r.end() {
		replacement = append(replacement, region{Start: chosen + 1, Length: r.end() - chosen - 1})
	}
	m.regions = append(m.regions[:best], append(replacement, m.regions[best+1:]...)...)

	m.markUsed(chosen)
	return chosen, nil
}

// Release returns cluster to the free pool, writing a free (zero) marker
// into its FAT cell and merging it with whichever neighbouring free
// region(s) it borders.
func (m *Map) Release(cluster uint32) error {
	if cluster < m.firstCluster || cluster >= m.firstCluster+m.totalClusters {
		return errors.ErrInvalidArgument.WithMessage("cluster out of range for this volume")
	}
	if m.present.Get(int(cluster - m.firstCluster)) {
		// already free; nothing to do, mirrors merge_free_regions's
		// boundary handling in the original driver.
		return nil
	}
	if err := m.acc.PutCell(cluster, 0); err != nil {
		return err
	}

	left, right := -1, -1
	for i, r := range m.regions {
		if r.Start > cluster {
			right = i
			break
		}
		left = i
	}

	switch {
	case left == -1 && right == -1:
		m.regions = append(m.regions, region{Start: cluster, Length: 1})
	case left == -1:
		m.mergeInto(right, cluster)
	case right == -1:
		m.mergeInto(left, cluster)
	default:
		lr := m.regions[left]
		rr := m.regions[right]
		switch {
		case cluster == rr.Start-1:
			m.regions[right].Start = cluster
			m.regions[right].Length++
			m.maybeJoin(left, right)
		case cluster == lr.end():
			m.regions[left].Length++
			m.maybeJoin(left, right)
		default:
			m.insertSingleton(left+1, cluster)
		}
	}

	m.present.Set(int(cluster-m.firstCluster), true)
	m.usedClusters--
	m.freeClusters++
	return nil
}

// mergeInto extends region idx to include cluster if adjacent, otherwise
// inserts a new singleton region next to it.
func (m *Map) mergeInto(idx int, cluster uint32) {
	r := m.regions[idx]
	switch {
	case cluster == r.Start-1:
		m.regions[idx].Start = cluster
		m.regions[idx].Length++
	case cluster == r.end():
		m.regions[idx].Length++
	case cluster < r.Start:
		m.insertSingleton(idx, cluster)
	default:
		m.insertSingleton(idx+1, cluster)
	}
}

func (m *Map) insertSingleton(at int, cluster uint32) {
	m.regions = append(m.regions, region{})
	copy(m.regions[at+1:], m.regions[at:])
	m.regions[at] = region{Start: cluster, Length: 1}
}

// maybeJoin merges regions[left] and regions[right] if they have become
// adjacent after a release.
func (m *Map) maybeJoin(left, right int) {
	if left < 0 || right < 0 || right >= len(m.regions) {
		return
	}
	if m.regions[left].end() == m.regions[right].Start {
		m.regions[left].Length += m.regions[right].Length
		m.regions = append(m.regions[:right], m.regions[right+1:]...)
	}
}

func (m *Map) markUsed(cluster uint32) {
	m.present.Set(int(cluster-m.firstCluster), false)
	m.usedClusters++
	m.freeClusters--
}

// nearestRegionIndex returns the index of the region whose nearest edge
// to hint is closest, linear-scanning the (typically short) region list.
func (m *Map) nearestRegionIndex(hint uint32) int {
	best := 0
	bestDist := distance(m.regions[0], hint)
	for i := 1; i < len(m.regions); i++ {
		d := distance(m.regions[i], hint)
		if d < bestDist {
			best = i
			bestDist = d
		}
	}
	return best
}

func distance(r region, cluster uint32) uint32 {
	if cluster < r.Start {
		return r.Start - cluster
	}
	if cluster >= r.end() {
		return cluster - r.end() + 1
	}
	return 0
}

// DebugBitmap returns a snapshot of the present/free bitmap maintained
// alongside the region list, for fsck-readonly's cross-check against an
// independent linear FAT scan: the two should always agree on which
// clusters are free.
func (m *Map) DebugBitmap() bitmap.Bitmap {
	return m.present
}

// Regions returns a sorted, read-only snapshot of the current free
// regions, for diagnostics and fsck-style reporting.
func (m *Map) Regions() []struct{ Start, Length uint32 } {
	out := make([]struct{ Start, Length uint32 }, len(m.regions))
	for i, r := range m.regions {
		out[i] = struct{ Start, Length uint32 }{r.Start, r.Length}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}
