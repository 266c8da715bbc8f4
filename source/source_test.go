package source

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/colstore/ntuplekv/codec"
	"github.com/colstore/ntuplekv/descriptor"
	"github.com/colstore/ntuplekv/kvstore"
	"github.com/colstore/ntuplekv/metrics"
	"github.com/colstore/ntuplekv/page"
	"github.com/colstore/ntuplekv/sink"
)

// writeOnePageDataset builds a one-cluster, one-column dataset through the
// sink, returning the driver it was written to so a Source can attach.
func writeOnePageDataset(t *testing.T, sealer codec.Sealer) *kvstore.MemDriver {
	t.Helper()
	driver := kvstore.NewMemDriver()
	desc := descriptor.New()
	desc.AddColumn(1, 4)
	rep := metrics.NewReporter("w")

	sk, err := sink.New("ds", "kv://pool1/container1", driver, desc, rep, sink.Options{
		Sealer:      sealer,
		ObjectClass: "SX",
	})
	require.NoError(t, err)
	require.NoError(t, sk.Create([]byte("header-bytes")))

	pl := page.NewPool()
	pg := pl.NewPage(1, []byte{1, 2, 3, 4, 5, 6, 7, 8}, 4, 2)
	_, err = sk.CommitPage(1, pg)
	require.NoError(t, err)
	sk.CommitCluster(2)

	ci, err := desc.Cluster(0)
	require.NoError(t, err)
	blob := descriptor.SerializePagelist([]*descriptor.ClusterInfo{ci})
	cgLoc, err := sk.CommitClusterGroup(blob, []uint64{0})
	require.NoError(t, err)

	footer := descriptor.SerializeClusterGroupLocators([]descriptor.ClusterGroupInfo{
		{Locator: cgLoc, Length: uint64(len(blob)), ClusterIDs: []uint64{0}},
	})
	require.NoError(t, sk.CommitDataset(footer))
	return driver
}

func TestAttachReplaysDescriptor(t *testing.T) {
	driver := writeOnePageDataset(t, codec.None{})
	rep := metrics.NewReporter("r")
	src, err := New("ds", "kv://pool1/container1", driver, rep, Options{Sealer: codec.None{}})
	require.NoError(t, err)
	src.AddColumn(1, 4)

	var gotHeader []byte
	require.NoError(t, src.Attach(func(b []byte) error {
		gotHeader = append([]byte(nil), b...)
		return nil
	}, nil))
	require.Equal(t, "header-bytes", string(gotHeader))
	require.Equal(t, uint64(1), src.NClusters())
}

func TestPopulatePageDirectPath(t *testing.T) {
	driver := writeOnePageDataset(t, codec.Snappy{})
	rep := metrics.NewReporter("r")
	src, err := New("ds", "kv://pool1/container1", driver, rep, Options{Sealer: codec.Snappy{}})
	require.NoError(t, err)
	src.AddColumn(1, 4)
	require.NoError(t, src.Attach(nil, nil))

	pg, err := src.PopulatePageByGlobalIndex(1, 0)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, pg.Bytes())

	pg2, err := src.PopulatePageByClusterIndex(0, 1, 1)
	require.NoError(t, err)
	require.Same(t, pg, pg2)
}

func TestPopulatePageClusterCachePath(t *testing.T) {
	driver := writeOnePageDataset(t, codec.None{})
	rep := metrics.NewReporter("r")
	src, err := New("ds", "kv://pool1/container1", driver, rep, Options{Sealer: codec.None{}, UseClusterCache: true})
	require.NoError(t, err)
	src.AddColumn(1, 4)
	require.NoError(t, src.Attach(nil, nil))

	pg, err := src.PopulatePageByGlobalIndex(1, 0)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, pg.Bytes())
}

func TestUnzipClusterPreloadsPagePool(t *testing.T) {
	driver := writeOnePageDataset(t, codec.None{})
	rep := metrics.NewReporter("r")
	src, err := New("ds", "kv://pool1/container1", driver, rep, Options{Sealer: codec.None{}, UseClusterCache: true})
	require.NoError(t, err)
	src.AddColumn(1, 4)
	require.NoError(t, src.Attach(nil, nil))

	clusters, err := src.LoadClusters([]uint64{0}, nil)
	require.NoError(t, err)
	require.NoError(t, src.UnzipCluster(0, clusters[0], nil))

	before := rep.Counters.Load().NRead
	pg, err := src.PopulatePageByGlobalIndex(1, 0)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, pg.Bytes())
	after := rep.Counters.Load().NRead
	require.Equal(t, before, after, "page pool hit should not issue another read")
}

func TestLoadClustersDisabledReturnsError(t *testing.T) {
	driver := writeOnePageDataset(t, codec.None{})
	rep := metrics.NewReporter("r")
	src, err := New("ds", "kv://pool1/container1", driver, rep, Options{Sealer: codec.None{}})
	require.NoError(t, err)
	src.AddColumn(1, 4)
	require.NoError(t, src.Attach(nil, nil))

	_, err = src.LoadClusters([]uint64{0}, nil)
	require.Error(t, err)
}
