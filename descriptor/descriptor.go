// Package descriptor is the in-memory metadata tree describing a dataset's
// columns, clusters, and pages: page placement bookkeeping plus
// serialization/deserialization of pagelists and cluster-group locators.
package descriptor

import (
	"sync"

	"github.com/pkg/errors"
)

// Locator is the {position, bytesOnStorage} pair used to find a payload.
type Locator struct {
	Position       uint64
	BytesOnStorage uint64
}

// ColumnInfo describes one column's element layout.
type ColumnInfo struct {
	ColumnID    uint64
	ElementSize int
}

// PageInfo is one page's placement within its column: its locator, element
// count, and the (column-local, within-cluster) index of its first element.
type PageInfo struct {
	Locator     Locator
	NElements   int
	FirstInPage uint64
	Checksum    uint32 // CRC32 of the decompressed page, recorded at commit time
}

// ClusterInfo holds the per-column page lists for one committed cluster.
type ClusterInfo struct {
	ClusterID uint64
	NEntries  uint64
	Columns   map[uint64][]PageInfo
}

// ClusterGroupInfo records where one cluster-group's pagelist blob lives,
// its decompressed length (needed to unseal it, since Locator.BytesOnStorage
// is the sealed/compressed size), and which clusters it covers.
type ClusterGroupInfo struct {
	Locator    Locator
	Length     uint64
	ClusterIDs []uint64
}

// ErrUnknownColumn is returned when a page references a column that was
// never registered via AddColumn.
var ErrUnknownColumn = errors.New("descriptor: unknown column")

// ErrCorrupt is returned when a page's on-storage byte count or decompressed
// checksum disagrees with what its descriptor entry recorded at commit time.
// Callers should treat it as fatal to the single page read that surfaced it,
// not to the whole source (errors.Is unwraps through any wrapping context).
var ErrCorrupt = errors.New("descriptor: corrupt page")

// Descriptor is the shared/exclusive-locked metadata tree.
type Descriptor struct {
	mu sync.RWMutex

	columns map[uint64]ColumnInfo

	committed []*ClusterInfo // clusterID == index
	current   *ClusterInfo   // being written to, not yet committed

	clusterGroups []ClusterGroupInfo
}

// New constructs an empty descriptor with an open (uncommitted) cluster 0.
func New() *Descriptor {
	d := &Descriptor{columns: make(map[uint64]ColumnInfo)}
	d.current = &ClusterInfo{ClusterID: 0, Columns: make(map[uint64][]PageInfo)}
	return d
}

// AddColumn registers a column's element layout. Idempotent for the same
// columnID/elemSize pair.
func (d *Descriptor) AddColumn(columnID uint64, elemSize int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.columns[columnID] = ColumnInfo{ColumnID: columnID, ElementSize: elemSize}
}

// Column returns the registered layout for columnID.
func (d *Descriptor) Column(columnID uint64) (ColumnInfo, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.columns[columnID]
	return c, ok
}

// CurrentClusterID returns the id of the cluster currently being written
// to -- equivalently, the number of clusters committed so far.
func (d *Descriptor) CurrentClusterID() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return uint64(len(d.committed))
}

// AppendPage records one page written to the cluster currently being
// written to, returning the within-cluster element offset the page starts
// at (its FirstInPage value). checksum is the CRC32 of the page's
// decompressed bytes, recorded so a later read can detect silent
// corruption independent of the sealed byte-count check.
func (d *Descriptor) AppendPage(columnID uint64, loc Locator, nElements int, checksum uint32) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.columns[columnID]; !ok {
		return 0, errors.Wrapf(ErrUnknownColumn, "column %d", columnID)
	}
	pages := d.current.Columns[columnID]
	var firstInPage uint64
	if n := len(pages); n > 0 {
		last := pages[n-1]
		firstInPage = last.FirstInPage + uint64(last.NElements)
	}
	pages = append(pages, PageInfo{Locator: loc, NElements: nElements, FirstInPage: firstInPage, Checksum: checksum})
	d.current.Columns[columnID] = pages
	return firstInPage, nil
}

// FinishCluster seals the cluster currently being written to with nEntries
// rows, committing it, and opens a fresh cluster for subsequent page
// commits.
func (d *Descriptor) FinishCluster(nEntries uint64) *ClusterInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.current.NEntries = nEntries
	finished := d.current
	d.committed = append(d.committed, finished)
	d.current = &ClusterInfo{ClusterID: uint64(len(d.committed)), Columns: make(map[uint64][]PageInfo)}
	return finished
}

// LoadCluster installs a fully-formed cluster, used by the source while
// replaying pagelists during Attach. Clusters must be loaded in clusterID
// order starting at 0.
func (d *Descriptor) LoadCluster(ci *ClusterInfo) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ci.ClusterID != uint64(len(d.committed)) {
		return errors.Errorf("descriptor: out-of-order cluster load: got %d want %d",
			ci.ClusterID, len(d.committed))
	}
	d.committed = append(d.committed, ci)
	return nil
}

// RecordClusterGroup appends a cluster-group's pagelist locator.
func (d *Descriptor) RecordClusterGroup(g ClusterGroupInfo) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clusterGroups = append(d.clusterGroups, g)
}

// ClusterGroups returns the recorded cluster-groups, in commit order.
func (d *Descriptor) ClusterGroups() []ClusterGroupInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]ClusterGroupInfo, len(d.clusterGroups))
	copy(out, d.clusterGroups)
	return out
}

// NClusters returns the number of fully committed clusters.
func (d *Descriptor) NClusters() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return uint64(len(d.committed))
}

// Cluster returns the committed cluster with the given id.
func (d *Descriptor) Cluster(clusterID uint64) (*ClusterInfo, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if clusterID >= uint64(len(d.committed)) {
		return nil, errors.Errorf("descriptor: no such cluster %d", clusterID)
	}
	return d.committed[clusterID], nil
}

// LookupClusterLocal finds the page covering clusterIndex within
// (clusterID, columnID), returning the page and the element offset within
// that page (clusterIndex - page.FirstInPage).
func (d *Descriptor) LookupClusterLocal(clusterID, columnID, clusterIndex uint64) (PageInfo, uint64, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if clusterID >= uint64(len(d.committed)) {
		return PageInfo{}, 0, errors.Errorf("descriptor: no such cluster %d", clusterID)
	}
	pages := d.committed[clusterID].Columns[columnID]
	for _, p := range pages {
		if clusterIndex >= p.FirstInPage && clusterIndex < p.FirstInPage+uint64(p.NElements) {
			return p, clusterIndex - p.FirstInPage, nil
		}
	}
	return PageInfo{}, 0, errors.Errorf("descriptor: index %d out of range for column %d cluster %d",
		clusterIndex, columnID, clusterID)
}

// LookupClusterLocalIndexed is LookupClusterLocal plus the page's position
// among (clusterID, columnID)'s pages in commit order -- the index the
// cluster pool's per-cluster page map is keyed by.
func (d *Descriptor) LookupClusterLocalIndexed(clusterID, columnID, clusterIndex uint64) (pi PageInfo, pageIdx int, withinPageOffset uint64, err error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if clusterID >= uint64(len(d.committed)) {
		return PageInfo{}, 0, 0, errors.Errorf("descriptor: no such cluster %d", clusterID)
	}
	pages := d.committed[clusterID].Columns[columnID]
	for i, p := range pages {
		if clusterIndex >= p.FirstInPage && clusterIndex < p.FirstInPage+uint64(p.NElements) {
			return p, i, clusterIndex - p.FirstInPage, nil
		}
	}
	return PageInfo{}, 0, 0, errors.Errorf("descriptor: index %d out of range for column %d cluster %d",
		clusterIndex, columnID, clusterID)
}

// GlobalOffsetOfCluster returns the sum of columnID's element counts across
// every committed cluster before clusterID -- the base a cluster-local
// index must be added to in order to form the global index the page pool
// keys its cache by.
func (d *Descriptor) GlobalOffsetOfCluster(columnID, clusterID uint64) (uint64, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if clusterID > uint64(len(d.committed)) {
		return 0, errors.Errorf("descriptor: no such cluster %d", clusterID)
	}
	var base uint64
	for _, c := range d.committed[:clusterID] {
		for _, p := range c.Columns[columnID] {
			base += uint64(p.NElements)
		}
	}
	return base, nil
}

// LookupGlobal finds the (clusterID, clusterIndex) a global element index
// falls into for columnID, by walking clusters in commit order and summing
// each cluster's row count for that column, then resolves the page the
// same way LookupClusterLocal does.
func (d *Descriptor) LookupGlobal(columnID, globalIndex uint64) (clusterID uint64, pi PageInfo, localOffset uint64, err error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var base uint64
	for _, c := range d.committed {
		pages := c.Columns[columnID]
		var clusterTotal uint64
		for _, p := range pages {
			clusterTotal += uint64(p.NElements)
		}
		if globalIndex < base+clusterTotal {
			idx := globalIndex - base
			for _, p := range pages {
				if idx >= p.FirstInPage && idx < p.FirstInPage+uint64(p.NElements) {
					return c.ClusterID, p, idx - p.FirstInPage, nil
				}
			}
		}
		base += clusterTotal
	}
	return 0, PageInfo{}, 0, errors.Errorf("descriptor: global index %d out of range for column %d", globalIndex, columnID)
}

// LookupGlobalIndexed is LookupGlobal plus the resolved page's position
// among its cluster's pages in commit order (pageIdx), the index the
// cluster pool's per-cluster page map is keyed by.
func (d *Descriptor) LookupGlobalIndexed(columnID, globalIndex uint64) (clusterID uint64, pi PageInfo, pageIdx int, localOffset uint64, err error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var base uint64
	for _, c := range d.committed {
		pages := c.Columns[columnID]
		var clusterTotal uint64
		for _, p := range pages {
			clusterTotal += uint64(p.NElements)
		}
		if globalIndex < base+clusterTotal {
			idx := globalIndex - base
			for i, p := range pages {
				if idx >= p.FirstInPage && idx < p.FirstInPage+uint64(p.NElements) {
					return c.ClusterID, p, i, idx - p.FirstInPage, nil
				}
			}
		}
		base += clusterTotal
	}
	return 0, PageInfo{}, 0, 0, errors.Errorf("descriptor: global index %d out of range for column %d", globalIndex, columnID)
}
