// Package source implements the page-storage engine's reader: the Attach
// bootstrap (anchor -> header -> footer -> pagelists), single-page
// population (direct or cluster-cache-backed), and the batched cluster
// prefetch path.
package source

import (
	"sync"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/colstore/ntuplekv/anchor"
	"github.com/colstore/ntuplekv/clusterpool"
	"github.com/colstore/ntuplekv/codec"
	"github.com/colstore/ntuplekv/descriptor"
	"github.com/colstore/ntuplekv/kvkeys"
	"github.com/colstore/ntuplekv/kvstore"
	"github.com/colstore/ntuplekv/metrics"
	"github.com/colstore/ntuplekv/page"
	"github.com/colstore/ntuplekv/pagepool"
	"github.com/colstore/ntuplekv/uri"
)

// HeaderFunc receives the decompressed header or footer payload during
// Attach. Its contents are opaque to this module; callers that care about the
// dataset's logical schema parse it themselves.
type HeaderFunc func([]byte) error

// Options configures a Source.
type Options struct {
	// Sealer must match the Sealer the dataset was written with.
	Sealer codec.Sealer
	// Mapping must match the Mapping the dataset was written with.
	Mapping kvkeys.Mapping
	// UseClusterCache enables the cluster-pool-backed batched read path;
	// when false, PopulatePage always issues a direct single-key read.
	UseClusterCache bool
}

func (o *Options) setDefaults() {
	if o.Sealer == nil {
		o.Sealer = codec.None{}
	}
	if o.Mapping == nil {
		o.Mapping = kvkeys.OidPerCluster
	}
}

// Source is the reader side of the page-storage engine.
type Source struct {
	name string
	loc  uri.Parsed
	opts Options

	driver    kvstore.Driver
	desc      *descriptor.Descriptor
	rep       *metrics.Reporter
	pages     *pagepool.Pool
	pageAlloc *page.Pool
	clusters  *clusterpool.Pool // nil when Options.UseClusterCache is false

	anc anchor.Anchor

	mu                 sync.Mutex
	currentClusterID   uint64
	currentCluster     *clusterpool.Cluster
	haveCurrentCluster bool
}

// New constructs a Source bound to name and the kv:// locator datasetURI,
// opening the pool/container read-only.
func New(name, datasetURI string, driver kvstore.Driver, rep *metrics.Reporter, opts Options) (*Source, error) {
	parsed, err := uri.Parse(datasetURI)
	if err != nil {
		return nil, err
	}
	opts.setDefaults()

	if err := driver.OpenPool(parsed.Pool); err != nil {
		return nil, errors.Wrap(err, "source: open pool")
	}
	if err := driver.OpenContainerReadOnly(parsed.Container); err != nil {
		return nil, errors.Wrap(err, "source: open container read-only")
	}
	glog.Warningf("ntuplekv: source %q: experimental KVStore page-storage backend, uri=%s", name, datasetURI)

	desc := descriptor.New()
	pageAlloc := page.NewPool()
	s := &Source{
		name:      name,
		loc:       parsed,
		opts:      opts,
		driver:    driver,
		desc:      desc,
		rep:       rep,
		pages:     pagepool.New(pageAlloc),
		pageAlloc: pageAlloc,
	}
	if opts.UseClusterCache {
		s.clusters = clusterpool.New(driver, desc, rep, opts.Mapping, "")
	}
	return s, nil
}

// AddColumn registers columnID's element size. Must be called (typically
// from a header's decoded schema) before PopulatePage is used for that
// column, since the decompressed page size is NElements*ElementSize.
func (s *Source) AddColumn(columnID uint64, elemSize int) {
	s.desc.AddColumn(columnID, elemSize)
}

// readSingle reads up to n bytes at k, returning the buffer sized to n and
// the number of bytes the driver actually supplied (nGot <= n). Callers
// reading a payload whose exact on-storage length is already known (the
// header/footer/pagelist, sized from the anchor or a locator) can ignore
// nGot; the anchor read cannot, since its whole point is discovering that
// length, and must size its buffer to the worst case (anchor.MaxSize())
// ahead of time.
func (s *Source) readSingle(k kvkeys.Key, n uint64) (buf []byte, nGot int, err error) {
	buf = make([]byte, n)
	start := s.rep.Timers.TimeRead.Start()
	nGot, err = s.driver.ReadSingle(k.Oid, k.Dkey, k.Akey, "", buf)
	s.rep.Timers.TimeRead.Stop(start)
	s.rep.Counters.IncRead()
	if err != nil {
		return nil, 0, &kvstore.ReadFailedError{Cause: err}
	}
	s.rep.Counters.AddBytesRead(uint64(nGot))
	return buf, nGot, nil
}

// Attach is the one-shot bootstrap: read and deserialize
// the anchor, set the container's default object class from it, read and
// unseal the header (handed to headerFn) and footer, then replay every
// cluster-group's pagelist, in the footer's order, into the descriptor.
// footerFn receives the whole decompressed footer, cluster-group locator
// list included, once every pagelist has been replayed; pass nil if the
// caller has no use for it.
func (s *Source) Attach(headerFn, footerFn HeaderFunc) error {
	abuf, aGot, err := s.readSingle(kvkeys.AnchorKey(), uint64(anchor.MaxSize()))
	if err != nil {
		return err
	}
	anc, _, err := anchor.Deserialize(abuf, aGot)
	if err != nil {
		return err
	}
	s.anc = anc

	if err := s.driver.SetDefaultObjectClass(anc.ObjectClass); err != nil {
		return errors.Wrap(err, "source: set default object class from anchor")
	}

	sealedHeader, _, err := s.readSingle(kvkeys.HeaderKey(), uint64(anc.NBytesHeader))
	if err != nil {
		return err
	}
	zstart := s.rep.Timers.TimeUnzip.Start()
	header, err := s.opts.Sealer.Unseal(sealedHeader, int(anc.LenHeader))
	s.rep.Timers.TimeUnzip.Stop(zstart)
	if err != nil {
		return errors.Wrap(err, "source: unseal header")
	}
	if headerFn != nil {
		if err := headerFn(header); err != nil {
			return err
		}
	}

	sealedFooter, _, err := s.readSingle(kvkeys.FooterKey(), uint64(anc.NBytesFooter))
	if err != nil {
		return err
	}
	zstart = s.rep.Timers.TimeUnzip.Start()
	footer, err := s.opts.Sealer.Unseal(sealedFooter, int(anc.LenFooter))
	s.rep.Timers.TimeUnzip.Stop(zstart)
	if err != nil {
		return errors.Wrap(err, "source: unseal footer")
	}

	groups, err := descriptor.DeserializeClusterGroupLocators(footer)
	if err != nil {
		return errors.Wrap(err, "source: decode footer cluster-group locators")
	}
	for _, g := range groups {
		sealedPagelist, _, err := s.readSingle(kvkeys.PagelistKey(g.Locator.Position), g.Locator.BytesOnStorage)
		if err != nil {
			return err
		}
		zstart := s.rep.Timers.TimeUnzip.Start()
		blob, err := s.opts.Sealer.Unseal(sealedPagelist, int(g.Length))
		s.rep.Timers.TimeUnzip.Stop(zstart)
		if err != nil {
			return errors.Wrap(err, "source: unseal pagelist")
		}
		clusters, err := descriptor.DeserializePagelist(blob)
		if err != nil {
			return errors.Wrap(err, "source: decode pagelist")
		}
		for _, ci := range clusters {
			if err := s.desc.LoadCluster(ci); err != nil {
				return err
			}
		}
		s.desc.RecordClusterGroup(g)
	}

	if footerFn != nil {
		if err := footerFn(footer); err != nil {
			return err
		}
	}
	return nil
}

// PopulatePageByGlobalIndex populates columnID's page covering the dataset
// -wide element index globalIndex.
func (s *Source) PopulatePageByGlobalIndex(columnID, globalIndex uint64) (*page.Page, error) {
	clusterID, pi, pageIdx, localOffset, err := s.desc.LookupGlobalIndexed(columnID, globalIndex)
	if err != nil {
		return nil, err
	}
	return s.populate(clusterID, columnID, pi, pageIdx, globalIndex-localOffset)
}

// PopulatePageByClusterIndex populates columnID's page covering the
// within-cluster element index clusterIndex of clusterID.
func (s *Source) PopulatePageByClusterIndex(clusterID, columnID, clusterIndex uint64) (*page.Page, error) {
	pi, pageIdx, _, err := s.desc.LookupClusterLocalIndexed(clusterID, columnID, clusterIndex)
	if err != nil {
		return nil, err
	}
	base, err := s.desc.GlobalOffsetOfCluster(columnID, clusterID)
	if err != nil {
		return nil, err
	}
	return s.populate(clusterID, columnID, pi, pageIdx, base+pi.FirstInPage)
}

// populate fills a single page: page pool hit, else direct or
// cluster-cache-backed sealed read, then unseal, register, return.
func (s *Source) populate(clusterID, columnID uint64, pi descriptor.PageInfo, pageIdx int, globalIndex uint64) (*page.Page, error) {
	key := pagepool.Key{ColumnID: columnID, Index: globalIndex}
	if pg, ok := s.pages.GetPage(key); ok {
		return pg, nil
	}

	colInfo, ok := s.desc.Column(columnID)
	if !ok {
		return nil, errors.Wrapf(descriptor.ErrUnknownColumn, "column %d", columnID)
	}

	var sealed []byte
	if s.clusters == nil {
		var err error
		sealed, err = s.LoadSealedPage(clusterID, columnID, pi)
		if err != nil {
			return nil, err
		}
	} else {
		cluster, err := s.ensureCurrentCluster(clusterID)
		if err != nil {
			return nil, err
		}
		sb, _, ok := cluster.SealedPage(columnID, uint64(pageIdx))
		if !ok {
			return nil, errors.Errorf("source: page not resident in cluster cache (column=%d pageIdx=%d)", columnID, pageIdx)
		}
		sealed = sb
	}

	zstart := s.rep.Timers.TimeUnzip.Start()
	raw, err := s.opts.Sealer.Unseal(sealed, pi.NElements*colInfo.ElementSize)
	s.rep.Timers.TimeUnzip.Stop(zstart)
	if err != nil {
		return nil, errors.Wrap(err, "source: unseal page")
	}

	pg := s.pageAlloc.NewPage(columnID, raw, colInfo.ElementSize, pi.NElements)
	if got := pg.Checksum(); got != pi.Checksum {
		return nil, errors.Wrapf(descriptor.ErrCorrupt,
			"column %d: decompressed checksum %08x does not match descriptor %08x", columnID, got, pi.Checksum)
	}
	s.pages.RegisterPage(key, pg)
	return pg, nil
}

// LoadSealedPage reads one page's sealed bytes directly via a single-key
// KVStore read, used both by populate's direct-read path and by callers
// of the cluster pool that need a page outside any cached cluster.
func (s *Source) LoadSealedPage(clusterID, columnID uint64, pi descriptor.PageInfo) ([]byte, error) {
	key := s.opts.Mapping(clusterID, columnID, pi.Locator.Position)
	buf, nGot, err := s.readSingle(key, pi.Locator.BytesOnStorage)
	if err != nil {
		return nil, err
	}
	if uint64(nGot) != pi.Locator.BytesOnStorage {
		return nil, errors.Wrapf(descriptor.ErrCorrupt,
			"column %d: page size on storage does not match descriptor (got %d bytes, want %d)",
			columnID, nGot, pi.Locator.BytesOnStorage)
	}
	return buf, nil
}

func (s *Source) ensureCurrentCluster(clusterID uint64) (*clusterpool.Cluster, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.haveCurrentCluster && s.currentClusterID == clusterID {
		return s.currentCluster, nil
	}
	clusters, err := s.clusters.LoadClusters([]uint64{clusterID}, nil)
	if err != nil {
		return nil, err
	}
	if s.haveCurrentCluster {
		s.clusters.Release(s.currentClusterID)
	}
	s.currentCluster = clusters[0]
	s.currentClusterID = clusterID
	s.haveCurrentCluster = true
	return s.currentCluster, nil
}

// LoadClusters prefetches clusterIDs via the cluster pool in one synchronous,
// batched call -- callers wanting to read ahead of the current cluster issue
// this themselves before they need the result. Returns an error if the
// cluster cache is disabled.
func (s *Source) LoadClusters(clusterIDs, columnIDs []uint64) ([]*clusterpool.Cluster, error) {
	if s.clusters == nil {
		return nil, errors.New("source: cluster cache disabled")
	}
	return s.clusters.LoadClusters(clusterIDs, columnIDs)
}

// ReleaseCluster returns clusterID to the cluster pool, for callers that
// obtained it via LoadClusters.
func (s *Source) ReleaseCluster(clusterID uint64) {
	if s.clusters != nil {
		s.clusters.Release(clusterID)
	}
}

// NClusters returns the number of clusters Attach loaded.
func (s *Source) NClusters() uint64 { return s.desc.NClusters() }

// Descriptor returns the metadata tree Attach populated, for callers that
// need to walk cluster/column/page placement directly (e.g. a dump tool).
func (s *Source) Descriptor() *descriptor.Descriptor { return s.desc }

// Anchor returns the dataset anchor Attach read.
func (s *Source) Anchor() anchor.Anchor { return s.anc }

// Close releases the current cached cluster, if any, and stops the
// metrics reporter.
func (s *Source) Close() error {
	s.mu.Lock()
	if s.haveCurrentCluster {
		s.clusters.Release(s.currentClusterID)
		s.haveCurrentCluster = false
	}
	s.mu.Unlock()
	s.rep.Stop()
	return nil
}
