// Package sink implements the page-storage engine's writer: sealing pages,
// assigning page and cluster-group sequence numbers, batching KVStore
// writes, and committing the dataset. Page sequence numbers are assigned
// with a fetch-add counter, writes are aggregated and flushed in batches
// grouped by KVStore coordinate, and the anchor is always written last so
// a dataset is only discoverable once every other commit has landed.
package sink

import (
	"sync/atomic"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/colstore/ntuplekv/anchor"
	"github.com/colstore/ntuplekv/codec"
	"github.com/colstore/ntuplekv/descriptor"
	"github.com/colstore/ntuplekv/kvkeys"
	"github.com/colstore/ntuplekv/kvstore"
	"github.com/colstore/ntuplekv/metrics"
	"github.com/colstore/ntuplekv/page"
	"github.com/colstore/ntuplekv/uri"
)

// metaClass is the object class every metadata payload (anchor, header,
// footer, pagelist) is written under.
const metaClass = "META"

// anchorVersion is the on-storage anchor format version this sink writes.
const anchorVersion = 1

// ErrEmptyPage is returned when a caller commits a page with zero elements.
var ErrEmptyPage = errors.New("sink: empty page")

// Options configures a Sink.
type Options struct {
	// ObjectClass is the dataset's requested default object class for page
	// payloads (not metadata, which always uses "META").
	ObjectClass string
	// Sealer compresses pages, the header, the footer, and pagelists.
	Sealer codec.Sealer
	// Mapping resolves page coordinates; defaults to kvkeys.OidPerCluster.
	Mapping kvkeys.Mapping
}

func (o *Options) setDefaults() {
	if o.Sealer == nil {
		o.Sealer = codec.None{}
	}
	if o.Mapping == nil {
		o.Mapping = kvkeys.OidPerCluster
	}
}

// PageRange groups sealed pages for one column inside a single batched
// CommitPages call.
type PageRange struct {
	ColumnID uint64
	Pages    []*page.Page
}

// Sink is the writer side of the page-storage engine. A Sink is only safe
// for single-writer use.
type Sink struct {
	name string
	loc  uri.Parsed
	opts Options

	driver kvstore.Driver
	desc   *descriptor.Descriptor
	rep    *metrics.Reporter

	pageSeq uint64 // next page sequence number, fetch_add'd
	cgSeq   uint64 // next cluster-group sequence number, fetch_add'd

	bytesSinceLastCommit uint64 // per-cluster byte accumulator, atomic

	containerOpened uint32 // 0/1, CAS-guarded

	anc anchor.Anchor
}

// New constructs a Sink bound to name and the kv:// locator datasetURI,
// writing through driver and tracking placement in desc. It logs a
// warning that this is an experimental backend and does not touch the
// KVStore until the first Create call (lazy open/create-if-missing).
func New(name, datasetURI string, driver kvstore.Driver, desc *descriptor.Descriptor, rep *metrics.Reporter, opts Options) (*Sink, error) {
	parsed, err := uri.Parse(datasetURI)
	if err != nil {
		return nil, err
	}
	opts.setDefaults()
	glog.Warningf("ntuplekv: sink %q: experimental KVStore page-storage backend, uri=%s", name, datasetURI)
	return &Sink{
		name:   name,
		loc:    parsed,
		opts:   opts,
		driver: driver,
		desc:   desc,
		rep:    rep,
	}, nil
}

func (s *Sink) ensureContainer() error {
	if !atomic.CompareAndSwapUint32(&s.containerOpened, 0, 1) {
		return nil
	}
	if s.opts.ObjectClass != "" {
		if err := s.driver.OpenPool(s.loc.Pool); err != nil {
			return errors.Wrap(err, "sink: open pool")
		}
		if err := s.driver.CreateContainer(s.loc.Container); err != nil {
			return errors.Wrap(err, "sink: create container")
		}
		if err := s.driver.SetDefaultObjectClass(s.opts.ObjectClass); err != nil {
			if errors.Is(err, kvstore.ErrUnknownObjectClass) {
				return err
			}
			return errors.Wrap(err, "sink: set default object class")
		}
		return nil
	}
	if err := s.driver.OpenPool(s.loc.Pool); err != nil {
		return errors.Wrap(err, "sink: open pool")
	}
	return s.driver.CreateContainer(s.loc.Container)
}

// Create performs the dataset's schema commit: resolves and
// sets the object class, compresses the header, writes it, and records its
// length fields in the in-memory anchor (the anchor itself is not written
// until CommitDataset).
func (s *Sink) Create(serializedHeader []byte) error {
	if err := s.ensureContainer(); err != nil {
		return err
	}

	start := s.rep.Timers.TimeZip.Start()
	sealed, err := s.opts.Sealer.Seal(serializedHeader)
	s.rep.Timers.TimeZip.Stop(start)
	if err != nil {
		return errors.Wrap(err, "sink: seal header")
	}

	hk := kvkeys.HeaderKey()
	wstart := s.rep.Timers.TimeWrite.Start()
	err = s.driver.WriteSingle(hk.Oid, hk.Dkey, hk.Akey, metaClass, sealed)
	s.rep.Timers.TimeWrite.Stop(wstart)
	if err != nil {
		return &kvstore.WriteFailedError{Cause: err}
	}
	s.rep.Counters.IncWrite()
	s.rep.Counters.AddBytesWritten(uint64(len(sealed)))

	s.anc.Version = anchorVersion
	s.anc.LenHeader = uint32(len(serializedHeader))
	s.anc.NBytesHeader = uint32(len(sealed))
	s.anc.ObjectClass = s.opts.ObjectClass
	return nil
}

// CommitPage seals one page and writes it at its mapped coordinate,
// returning its locator.
func (s *Sink) CommitPage(columnID uint64, pg *page.Page) (descriptor.Locator, error) {
	if pg.NElements == 0 {
		return descriptor.Locator{}, ErrEmptyPage
	}

	checksum := pg.Checksum()

	zstart := s.rep.Timers.TimeZip.Start()
	sealed, err := s.opts.Sealer.Seal(pg.Bytes())
	s.rep.Timers.TimeZip.Stop(zstart)
	if err != nil {
		return descriptor.Locator{}, errors.Wrap(err, "sink: seal page")
	}

	seq := atomic.AddUint64(&s.pageSeq, 1) - 1
	clusterID := s.desc.CurrentClusterID()
	key := s.opts.Mapping(clusterID, columnID, seq)

	wstart := s.rep.Timers.TimeWrite.Start()
	err = s.driver.WriteSingle(key.Oid, key.Dkey, key.Akey, s.opts.ObjectClass, sealed)
	s.rep.Timers.TimeWrite.Stop(wstart)
	if err != nil {
		return descriptor.Locator{}, &kvstore.WriteFailedError{Cause: err}
	}

	loc := descriptor.Locator{Position: seq, BytesOnStorage: uint64(len(sealed))}
	if _, err := s.desc.AppendPage(columnID, loc, pg.NElements, checksum); err != nil {
		return descriptor.Locator{}, err
	}
	atomic.AddUint64(&s.bytesSinceLastCommit, uint64(len(sealed)))
	s.rep.Counters.IncWrite()
	s.rep.Counters.AddBytesWritten(uint64(len(sealed)))
	s.rep.RecordPageSize(int64(len(sealed)))
	return loc, nil
}

// CommitPages seals and writes every page across ranges in one batched
// KVStore call, aggregating pages that share a (oid,dkey) coordinate into a
// single writeV request. The returned locators are
// ordered exactly as the input (range, page) iteration.
func (s *Sink) CommitPages(ranges []PageRange) ([]descriptor.Locator, error) {
	locators := make([]descriptor.Locator, 0)
	type pending struct {
		columnID uint64
		seq      uint64
		key      kvkeys.Key
		sealed   []byte
		nElems   int
		checksum uint32
	}
	var items []pending

	clusterID := s.desc.CurrentClusterID()
	for _, rng := range ranges {
		for _, pg := range rng.Pages {
			if pg.NElements == 0 {
				return nil, ErrEmptyPage
			}
			checksum := pg.Checksum()
			zstart := s.rep.Timers.TimeZip.Start()
			sealed, err := s.opts.Sealer.Seal(pg.Bytes())
			s.rep.Timers.TimeZip.Stop(zstart)
			if err != nil {
				return nil, errors.Wrap(err, "sink: seal page")
			}
			seq := atomic.AddUint64(&s.pageSeq, 1) - 1
			key := s.opts.Mapping(clusterID, rng.ColumnID, seq)
			items = append(items, pending{columnID: rng.ColumnID, seq: seq, key: key, sealed: sealed, nElems: pg.NElements, checksum: checksum})
		}
	}

	type groupKey struct {
		oid  kvkeys.ObjectID
		dkey uint64
	}
	groupIdx := make(map[groupKey]int)
	var groups []kvstore.WriteGroup
	for _, it := range items {
		gk := groupKey{oid: it.key.Oid, dkey: it.key.Dkey}
		idx, ok := groupIdx[gk]
		if !ok {
			idx = len(groups)
			groups = append(groups, kvstore.WriteGroup{Oid: it.key.Oid, Dkey: it.key.Dkey})
			groupIdx[gk] = idx
		}
		groups[idx].Iovs = append(groups[idx].Iovs, kvstore.IOVec{Akey: it.key.Akey, Value: it.sealed})
	}

	wstart := s.rep.Timers.TimeWrite.Start()
	err := s.driver.WriteV(groups, s.opts.ObjectClass)
	s.rep.Timers.TimeWrite.Stop(wstart)
	if err != nil {
		return nil, &kvstore.WriteFailedError{Cause: err}
	}
	s.rep.Counters.IncWriteV()

	var totalBytes uint64
	for _, it := range items {
		loc := descriptor.Locator{Position: it.seq, BytesOnStorage: uint64(len(it.sealed))}
		if _, err := s.desc.AppendPage(it.columnID, loc, it.nElems, it.checksum); err != nil {
			return nil, err
		}
		locators = append(locators, loc)
		totalBytes += uint64(len(it.sealed))
		s.rep.RecordPageSize(int64(len(it.sealed)))
	}
	atomic.AddUint64(&s.bytesSinceLastCommit, totalBytes)
	s.rep.Counters.AddBytesWritten(totalBytes)
	return locators, nil
}

// CommitCluster atomically swaps the per-cluster byte accumulator to zero
// and returns its prior value, then seals the descriptor's current cluster
// as committed with nEntries rows. It issues no
// KVStore write of its own.
func (s *Sink) CommitCluster(nEntries uint64) (bytesWrittenSinceLastCommit uint64) {
	prior := atomic.SwapUint64(&s.bytesSinceLastCommit, 0)
	s.desc.FinishCluster(nEntries)
	return prior
}

// CommitClusterGroup writes an already-serialized pagelist blob (produced
// by descriptor.SerializePagelist over the clusters it covers) at its
// reserved coordinate, returning its locator.
func (s *Sink) CommitClusterGroup(serializedPageList []byte, clusterIDs []uint64) (descriptor.Locator, error) {
	zstart := s.rep.Timers.TimeZip.Start()
	sealed, err := s.opts.Sealer.Seal(serializedPageList)
	s.rep.Timers.TimeZip.Stop(zstart)
	if err != nil {
		return descriptor.Locator{}, errors.Wrap(err, "sink: seal pagelist")
	}

	cgSeq := atomic.AddUint64(&s.cgSeq, 1) - 1
	key := kvkeys.PagelistKey(cgSeq)

	wstart := s.rep.Timers.TimeWrite.Start()
	err = s.driver.WriteSingle(key.Oid, key.Dkey, key.Akey, metaClass, sealed)
	s.rep.Timers.TimeWrite.Stop(wstart)
	if err != nil {
		return descriptor.Locator{}, &kvstore.WriteFailedError{Cause: err}
	}
	s.rep.Counters.IncWrite()
	s.rep.Counters.AddBytesWritten(uint64(len(sealed)))

	loc := descriptor.Locator{Position: cgSeq, BytesOnStorage: uint64(len(sealed))}
	s.desc.RecordClusterGroup(descriptor.ClusterGroupInfo{
		Locator:    loc,
		Length:     uint64(len(serializedPageList)),
		ClusterIDs: clusterIDs,
	})
	return loc, nil
}

// CommitDataset writes the footer, then the anchor last -- the dataset's
// commit point.
func (s *Sink) CommitDataset(serializedFooter []byte) error {
	zstart := s.rep.Timers.TimeZip.Start()
	sealed, err := s.opts.Sealer.Seal(serializedFooter)
	s.rep.Timers.TimeZip.Stop(zstart)
	if err != nil {
		return errors.Wrap(err, "sink: seal footer")
	}

	fk := kvkeys.FooterKey()
	wstart := s.rep.Timers.TimeWrite.Start()
	err = s.driver.WriteSingle(fk.Oid, fk.Dkey, fk.Akey, metaClass, sealed)
	s.rep.Timers.TimeWrite.Stop(wstart)
	if err != nil {
		return &kvstore.WriteFailedError{Cause: err}
	}
	s.rep.Counters.IncWrite()
	s.rep.Counters.AddBytesWritten(uint64(len(sealed)))

	s.anc.LenFooter = uint32(len(serializedFooter))
	s.anc.NBytesFooter = uint32(len(sealed))

	n, err := anchor.Serialize(s.anc, nil)
	if err != nil {
		return errors.Wrap(err, "sink: size anchor")
	}
	buf := make([]byte, n)
	if _, err := anchor.Serialize(s.anc, buf); err != nil {
		return errors.Wrap(err, "sink: serialize anchor")
	}

	ak := kvkeys.AnchorKey()
	astart := s.rep.Timers.TimeWrite.Start()
	err = s.driver.WriteSingle(ak.Oid, ak.Dkey, ak.Akey, metaClass, buf)
	s.rep.Timers.TimeWrite.Stop(astart)
	if err != nil {
		return &kvstore.WriteFailedError{Cause: err}
	}
	s.rep.Counters.IncWrite()
	s.rep.Counters.AddBytesWritten(uint64(len(buf)))
	return nil
}

// Close stops the sink's background metrics reporter, if one was started.
func (s *Sink) Close() error {
	s.rep.Stop()
	return nil
}
