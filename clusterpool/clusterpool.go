// Package clusterpool implements the reference-counted cluster cache and
// prefetcher: given a set of cluster ids and columns, it issues at most
// one batched KVStore readV per LoadClusters call (none when every
// requested cluster is already resident), landing every
// requested page's sealed bytes into one contiguous per-cluster arena,
// and hands callers a page map keyed by (columnId, pageIndex) into that
// arena. The two-phase shape -- assemble every iovec first, issue one
// request, then slice results back out per page -- keeps the readV count
// independent of how many clusters or columns are requested.
package clusterpool

import (
	"sync"

	"github.com/dgraph-io/ristretto/z"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/colstore/ntuplekv/descriptor"
	"github.com/colstore/ntuplekv/kvkeys"
	"github.com/colstore/ntuplekv/kvstore"
	"github.com/colstore/ntuplekv/metrics"
)

// pageKey identifies a page within one cluster's arena by column and its
// index among that column's pages within the cluster (not the within-page
// element offset).
type pageKey struct {
	ColumnID  uint64
	PageIndex uint64
}

type pageMeta struct {
	NElements   int
	FirstInPage uint64
	sliceIdx    int
}

// Cluster is one cluster's sealed pages, loaded into a single contiguous
// arena. It is reference-counted: Pool.Get/LoadClusters increment the
// count, Release decrements it, and the arena is freed once it reaches
// zero.
type Cluster struct {
	ClusterID uint64

	arena  *z.Buffer
	pages  map[pageKey]pageMeta
	slices [][]byte // arena.SliceIterate order, indexed by pageMeta.sliceIdx

	refCount atomic.Int32
}

// SealedPage returns the sealed bytes and placement metadata for
// (columnID, pageIndex) within this cluster, where pageIndex is the page's
// position among that column's pages in commit order (not the cluster-wide
// element index).
func (c *Cluster) SealedPage(columnID, pageIndex uint64) ([]byte, pageMeta, bool) {
	m, ok := c.pages[pageKey{ColumnID: columnID, PageIndex: pageIndex}]
	if !ok {
		return nil, pageMeta{}, false
	}
	return c.slices[m.sliceIdx], m, true
}

func (c *Cluster) finalize() error {
	c.slices = c.slices[:0]
	return c.arena.SliceIterate(func(s []byte) error {
		c.slices = append(c.slices, s)
		return nil
	})
}

// Pool is the reference-counted cluster cache holding sealed cluster
// buffers.
type Pool struct {
	mu       sync.Mutex
	clusters map[uint64]*Cluster

	driver  kvstore.Driver
	desc    *descriptor.Descriptor
	rep     *metrics.Reporter
	mapping kvkeys.Mapping
	class   string
}

// New constructs a cluster pool that reads through driver using mapping to
// resolve page coordinates, tracking placement via desc.
func New(driver kvstore.Driver, desc *descriptor.Descriptor, rep *metrics.Reporter, mapping kvkeys.Mapping, class string) *Pool {
	if mapping == nil {
		mapping = kvkeys.OidPerCluster
	}
	return &Pool{
		clusters: make(map[uint64]*Cluster),
		driver:   driver,
		desc:     desc,
		rep:      rep,
		mapping:  mapping,
		class:    class,
	}
}

// Get returns a cached cluster, if resident, incrementing its refcount.
func (p *Pool) Get(clusterID uint64) (*Cluster, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.clusters[clusterID]
	if !ok {
		return nil, false
	}
	c.refCount.Inc()
	return c, true
}

// Release decrements clusterID's refcount, freeing its arena and evicting
// it from the pool once no caller still holds it.
func (p *Pool) Release(clusterID uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.clusters[clusterID]
	if !ok {
		return
	}
	if c.refCount.Dec() <= 0 {
		c.arena.Release()
		delete(p.clusters, clusterID)
	}
}

type buildResult struct {
	clusterID uint64
	cluster   *Cluster
	groups    []kvstore.ReadGroup
	bytes     uint64
}

// LoadClusters is the prefetch entry point:
// resolve the requested clusters' page placement under the descriptor
// lock, build one arena per cluster plus a page map into it, and issue a
// single batched readV across every requested page grouped by (oid,dkey).
// Clusters already resident in the pool are reused (their refcount is
// simply bumped) rather than re-fetched. columnIDs == nil means every
// column the cluster has pages for.
func (p *Pool) LoadClusters(clusterIDs []uint64, columnIDs []uint64) ([]*Cluster, error) {
	out := make([]*Cluster, len(clusterIDs))
	var missing []int // index into clusterIDs/out needing a fetch

	p.mu.Lock()
	for i, cid := range clusterIDs {
		if c, ok := p.clusters[cid]; ok {
			c.refCount.Inc()
			out[i] = c
			continue
		}
		missing = append(missing, i)
	}
	p.mu.Unlock()

	if len(missing) == 0 {
		return out, nil
	}

	results := make([]buildResult, len(missing))
	g := new(errgroup.Group)
	for rank, idx := range missing {
		rank, idx := rank, idx
		cid := clusterIDs[idx]
		g.Go(func() error {
			res, err := p.buildCluster(cid, columnIDs)
			if err != nil {
				return err
			}
			results[rank] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	type groupKey struct {
		oid  kvkeys.ObjectID
		dkey uint64
	}
	merged := make(map[groupKey]int)
	var allGroups []kvstore.ReadGroup
	var totalBytes uint64
	for _, res := range results {
		totalBytes += res.bytes
		for _, grp := range res.groups {
			gk := groupKey{oid: grp.Oid, dkey: grp.Dkey}
			j, ok := merged[gk]
			if !ok {
				j = len(allGroups)
				allGroups = append(allGroups, kvstore.ReadGroup{Oid: grp.Oid, Dkey: grp.Dkey})
				merged[gk] = j
			}
			allGroups[j].Iovs = append(allGroups[j].Iovs, grp.Iovs...)
		}
	}

	p.rep.Counters.IncReadV()
	if len(allGroups) > 0 {
		if err := p.driver.ReadV(allGroups, p.class); err != nil {
			return nil, &kvstore.ReadFailedError{Cause: err}
		}
	}
	p.rep.Counters.AddBytesRead(totalBytes)

	p.mu.Lock()
	for rank, idx := range missing {
		res := results[rank]
		if err := res.cluster.finalize(); err != nil {
			p.mu.Unlock()
			return nil, errors.Wrap(err, "clusterpool: finalize arena")
		}
		res.cluster.refCount.Store(1)
		p.clusters[res.clusterID] = res.cluster
		out[idx] = res.cluster
	}
	p.mu.Unlock()

	return out, nil
}

func (p *Pool) buildCluster(clusterID uint64, columnIDs []uint64) (buildResult, error) {
	ci, err := p.desc.Cluster(clusterID)
	if err != nil {
		return buildResult{}, err
	}

	cols := columnIDs
	if cols == nil {
		cols = descriptor.SortedColumnIDs(ci.Columns)
	}

	var totalBytes uint64
	var nPages int
	for _, colID := range cols {
		for _, pg := range ci.Columns[colID] {
			totalBytes += pg.Locator.BytesOnStorage
			nPages++
		}
	}

	// Each SliceAllocate reserves a 4-byte length prefix after the buffer's
	// 8 bytes of leading padding; sizing for both up front keeps the arena
	// from regrowing, which would leave the read destinations handed out
	// earlier pointing into the old allocation.
	arena := z.NewBuffer(8+4*nPages+int(totalBytes), "clusterpool")
	pages := make(map[pageKey]pageMeta)

	type groupKey struct {
		oid  kvkeys.ObjectID
		dkey uint64
	}
	groupIdx := make(map[groupKey]int)
	var groups []kvstore.ReadGroup
	sliceIdx := 0

	for _, colID := range cols {
		colPages, ok := ci.Columns[colID]
		if !ok {
			continue
		}
		for pageIdx, pg := range colPages {
			dst := arena.SliceAllocate(int(pg.Locator.BytesOnStorage))
			key := p.mapping(clusterID, colID, pg.Locator.Position)

			gk := groupKey{oid: key.Oid, dkey: key.Dkey}
			j, ok := groupIdx[gk]
			if !ok {
				j = len(groups)
				groups = append(groups, kvstore.ReadGroup{Oid: key.Oid, Dkey: key.Dkey})
				groupIdx[gk] = j
			}
			groups[j].Iovs = append(groups[j].Iovs, kvstore.ReadIOVec{Akey: key.Akey, Dst: dst})

			pages[pageKey{ColumnID: colID, PageIndex: uint64(pageIdx)}] = pageMeta{
				NElements:   pg.NElements,
				FirstInPage: pg.FirstInPage,
				sliceIdx:    sliceIdx,
			}
			sliceIdx++
		}
	}

	return buildResult{
		clusterID: clusterID,
		cluster:   &Cluster{ClusterID: clusterID, arena: arena, pages: pages},
		groups:    groups,
		bytes:     totalBytes,
	}, nil
}
