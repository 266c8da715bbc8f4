package ntuple

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/colstore/ntuplekv/anchor"
	"github.com/colstore/ntuplekv/clusterpool"
	"github.com/colstore/ntuplekv/codec"
	"github.com/colstore/ntuplekv/descriptor"
	"github.com/colstore/ntuplekv/kvkeys"
	"github.com/colstore/ntuplekv/kvstore"
	"github.com/colstore/ntuplekv/metrics"
	"github.com/colstore/ntuplekv/page"
	"github.com/colstore/ntuplekv/sink"
	"github.com/colstore/ntuplekv/source"
)

// TestScenarioSinglePageRoundTrip is S1: one u32 column, compression off,
// one page of 4 elements, read back bit-identical via populatePage.
func TestScenarioSinglePageRoundTrip(t *testing.T) {
	driver := kvstore.NewMemDriver()
	wds, err := Create("ds", "kv://p/c", driver, sink.Options{Sealer: codec.None{}, ObjectClass: "SX"})
	require.NoError(t, err)
	wds.Descriptor().AddColumn(0, 4)
	require.NoError(t, wds.Sink.Create(nil))

	pl := page.NewPool()
	pg := pl.NewPage(0, []byte{1, 0, 0, 0, 2, 0, 0, 0, 3, 0, 0, 0, 4, 0, 0, 0}, 4, 4)
	_, err = wds.Sink.CommitPage(0, pg)
	require.NoError(t, err)
	wds.Sink.CommitCluster(4)

	ci, err := wds.Descriptor().Cluster(0)
	require.NoError(t, err)
	blob := descriptor.SerializePagelist([]*descriptor.ClusterInfo{ci})
	cgLoc, err := wds.Sink.CommitClusterGroup(blob, []uint64{0})
	require.NoError(t, err)
	footer := descriptor.SerializeClusterGroupLocators([]descriptor.ClusterGroupInfo{
		{Locator: cgLoc, Length: uint64(len(blob)), ClusterIDs: []uint64{0}},
	})
	require.NoError(t, wds.Sink.CommitDataset(footer))
	require.NoError(t, wds.Close())

	rds, err := Open("ds", "kv://p/c", driver, source.Options{Sealer: codec.None{}}, nil, nil)
	require.NoError(t, err)
	defer rds.Close()
	rds.Source.AddColumn(0, 4)

	got, err := rds.Source.PopulatePageByGlobalIndex(0, 0)
	require.NoError(t, err)
	require.Equal(t, 4, got.NElements)
	require.Equal(t,
		[]byte{0x01, 0, 0, 0, 0x02, 0, 0, 0, 0x03, 0, 0, 0, 0x04, 0, 0, 0},
		got.Bytes())
}

// TestScenarioBatchedMultiColumnWrite is S2: two columns, two pages each,
// committed in one commitPages call; locators come back 0,1,2,3 in input
// order and every page reads back its original sealed bytes.
func TestScenarioBatchedMultiColumnWrite(t *testing.T) {
	driver := kvstore.NewMemDriver()
	wds, err := Create("ds", "kv://p/c", driver, sink.Options{Sealer: codec.None{}, ObjectClass: "SX"})
	require.NoError(t, err)
	wds.Descriptor().AddColumn(0, 4)
	wds.Descriptor().AddColumn(1, 4)
	require.NoError(t, wds.Sink.Create(nil))

	pl := page.NewPool()
	a0 := pl.NewPage(0, []byte{1, 1, 1, 1}, 4, 1)
	a1 := pl.NewPage(0, []byte{2, 2, 2, 2}, 4, 1)
	b0 := pl.NewPage(1, []byte{3, 3, 3, 3}, 4, 1)
	b1 := pl.NewPage(1, []byte{4, 4, 4, 4}, 4, 1)

	locs, err := wds.Sink.CommitPages([]sink.PageRange{
		{ColumnID: 0, Pages: []*page.Page{a0, a1}},
		{ColumnID: 1, Pages: []*page.Page{b0, b1}},
	})
	require.NoError(t, err)
	require.Len(t, locs, 4)
	require.Equal(t, []uint64{0, 1, 2, 3}, []uint64{locs[0].Position, locs[1].Position, locs[2].Position, locs[3].Position})

	wds.Sink.CommitCluster(1)
	ci, err := wds.Descriptor().Cluster(0)
	require.NoError(t, err)
	blob := descriptor.SerializePagelist([]*descriptor.ClusterInfo{ci})
	cgLoc, err := wds.Sink.CommitClusterGroup(blob, []uint64{0})
	require.NoError(t, err)
	footer := descriptor.SerializeClusterGroupLocators([]descriptor.ClusterGroupInfo{
		{Locator: cgLoc, Length: uint64(len(blob)), ClusterIDs: []uint64{0}},
	})
	require.NoError(t, wds.Sink.CommitDataset(footer))
	require.NoError(t, wds.Close())

	rds, err := Open("ds", "kv://p/c", driver, source.Options{Sealer: codec.None{}}, nil, nil)
	require.NoError(t, err)
	defer rds.Close()
	rds.Source.AddColumn(0, 4)
	rds.Source.AddColumn(1, 4)

	pa0, err := rds.Source.PopulatePageByClusterIndex(0, 0, 0)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 1, 1, 1}, pa0.Bytes())
	pb1, err := rds.Source.PopulatePageByClusterIndex(0, 1, 1)
	require.NoError(t, err)
	require.Equal(t, []byte{4, 4, 4, 4}, pb1.Bytes())
}

// TestScenarioClusterPrefetch is S3: 3 clusters, 2 columns x 1 page each;
// loading two clusters at once issues exactly one ReadV, and both columns
// of each cluster become available via the cluster's page map.
func TestScenarioClusterPrefetch(t *testing.T) {
	driver := kvstore.NewMemDriver()
	desc := descriptor.New()
	desc.AddColumn(0, 4)
	desc.AddColumn(1, 4)
	rep := metrics.NewReporter("w")

	sk, err := sink.New("ds", "kv://p/c", driver, desc, rep, sink.Options{Sealer: codec.None{}, ObjectClass: "SX"})
	require.NoError(t, err)
	require.NoError(t, sk.Create(nil))

	pl := page.NewPool()
	for c := 0; c < 3; c++ {
		_, err := sk.CommitPage(0, pl.NewPage(0, []byte{byte(c), 0, 0, 0}, 4, 1))
		require.NoError(t, err)
		_, err = sk.CommitPage(1, pl.NewPage(1, []byte{0, byte(c), 0, 0}, 4, 1))
		require.NoError(t, err)
		sk.CommitCluster(1)
	}

	readRep := metrics.NewReporter("r")
	cp := clusterpool.New(driver, desc, readRep, kvkeys.OidPerCluster, "")

	clusters, err := cp.LoadClusters([]uint64{0, 1}, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(1), readRep.Counters.Load().NReadV, "loading 2 clusters must issue exactly one ReadV")
	require.Len(t, clusters, 2)

	for i, c := range clusters {
		sb0, _, ok := c.SealedPage(0, 0)
		require.True(t, ok)
		require.Equal(t, []byte{byte(i), 0, 0, 0}, sb0)
		sb1, _, ok := c.SealedPage(1, 0)
		require.True(t, ok)
		require.Equal(t, []byte{0, byte(i), 0, 0}, sb1)
	}
}

// TestScenarioCompressionRoundTrip is S4: a 4096-byte repetitive header
// compresses smaller than it started, and attach() recovers the header
// bytes and the exact lenHeader from the anchor, with nBytesHeader below it.
func TestScenarioCompressionRoundTrip(t *testing.T) {
	driver := kvstore.NewMemDriver()
	header := bytes.Repeat([]byte("ntuplekv-header-payload-"), 4096/24+1)[:4096]

	wds, err := Create("ds", "kv://p/c", driver, sink.Options{Sealer: codec.Snappy{}, ObjectClass: "SX"})
	require.NoError(t, err)
	require.NoError(t, wds.Sink.Create(header))

	wds.Sink.CommitCluster(0)
	blob := descriptor.SerializePagelist(nil)
	cgLoc, err := wds.Sink.CommitClusterGroup(blob, nil)
	require.NoError(t, err)
	footer := descriptor.SerializeClusterGroupLocators([]descriptor.ClusterGroupInfo{
		{Locator: cgLoc, Length: uint64(len(blob)), ClusterIDs: nil},
	})
	require.NoError(t, wds.Sink.CommitDataset(footer))
	require.NoError(t, wds.Close())

	var gotHeader []byte
	rds, err := Open("ds", "kv://p/c", driver, source.Options{Sealer: codec.Snappy{}},
		func(b []byte) error { gotHeader = append([]byte(nil), b...); return nil }, nil)
	require.NoError(t, err)
	defer rds.Close()

	require.Equal(t, header, gotHeader)
	anc := rds.Source.Anchor()
	require.EqualValues(t, len(header), anc.LenHeader)
	require.Less(t, anc.NBytesHeader, anc.LenHeader, "snappy must shrink a repetitive 4096-byte header")
}

// TestScenarioTruncatedAnchor is S5: a 16-byte anchor record (below the
// 20-byte fixed-field minimum) makes attach() fail with ErrAnchorTooShort.
func TestScenarioTruncatedAnchor(t *testing.T) {
	driver := kvstore.NewMemDriver()
	require.NoError(t, driver.OpenPool("p"))
	require.NoError(t, driver.CreateContainer("c"))
	require.NoError(t, driver.SetDefaultObjectClass("SX"))

	ak := kvkeys.AnchorKey()
	require.NoError(t, driver.WriteSingle(ak.Oid, ak.Dkey, ak.Akey, "META", make([]byte, 16)))

	rds, err := Open("ds", "kv://p/c", driver, source.Options{Sealer: codec.None{}}, nil, nil)
	require.Nil(t, rds)
	require.Error(t, err)
	require.ErrorIs(t, err, anchor.ErrAnchorTooShort)
}

// TestScenarioUnknownObjectClass is S6: constructing a sink with an
// unrecognized object-class string fails create() with
// ErrUnknownObjectClass and leaves no payload behind.
func TestScenarioUnknownObjectClass(t *testing.T) {
	driver := kvstore.NewMemDriver()
	wds, err := Create("ds", "kv://p/c", driver, sink.Options{Sealer: codec.None{}, ObjectClass: "NOT_A_CLASS"})
	require.NoError(t, err) // Create (the ntuple constructor) only wires the sink; the class is rejected on sink.Create.

	err = wds.Sink.Create([]byte("header"))
	require.Error(t, err)
	require.ErrorIs(t, err, kvstore.ErrUnknownObjectClass)

	hk := kvkeys.HeaderKey()
	_, rerr := driver.ReadSingle(hk.Oid, hk.Dkey, hk.Akey, "", make([]byte, 1))
	require.Error(t, rerr, "no header payload should have been written")
}

// TestScenarioCorruptedPageChecksum is S7: a page's sealed bytes are
// silently overwritten on storage (same length, different contents) after
// commit. Populating it must fail with descriptor.ErrCorrupt rather than
// returning the wrong data.
func TestScenarioCorruptedPageChecksum(t *testing.T) {
	driver := kvstore.NewMemDriver()
	wds, err := Create("ds", "kv://p/c", driver, sink.Options{Sealer: codec.None{}, ObjectClass: "SX"})
	require.NoError(t, err)
	wds.Descriptor().AddColumn(0, 4)
	require.NoError(t, wds.Sink.Create(nil))

	pl := page.NewPool()
	pg := pl.NewPage(0, []byte{1, 2, 3, 4}, 4, 1)
	loc, err := wds.Sink.CommitPage(0, pg)
	require.NoError(t, err)
	wds.Sink.CommitCluster(1)

	ci, err := wds.Descriptor().Cluster(0)
	require.NoError(t, err)
	blob := descriptor.SerializePagelist([]*descriptor.ClusterInfo{ci})
	cgLoc, err := wds.Sink.CommitClusterGroup(blob, []uint64{0})
	require.NoError(t, err)
	footer := descriptor.SerializeClusterGroupLocators([]descriptor.ClusterGroupInfo{
		{Locator: cgLoc, Length: uint64(len(blob)), ClusterIDs: []uint64{0}},
	})
	require.NoError(t, wds.Sink.CommitDataset(footer))
	require.NoError(t, wds.Close())

	// Flip the stored bytes in place: same length, different content, so the
	// size-on-storage check passes but the recorded checksum no longer
	// matches.
	key := kvkeys.OidPerCluster(0, 0, loc.Position)
	require.NoError(t, driver.WriteSingle(key.Oid, key.Dkey, key.Akey, "", []byte{9, 9, 9, 9}))

	rds, err := Open("ds", "kv://p/c", driver, source.Options{Sealer: codec.None{}}, nil, nil)
	require.NoError(t, err)
	defer rds.Close()
	rds.Source.AddColumn(0, 4)

	_, err = rds.Source.PopulatePageByGlobalIndex(0, 0)
	require.Error(t, err)
	require.ErrorIs(t, err, descriptor.ErrCorrupt)
}
