package clusterpool

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/colstore/ntuplekv/descriptor"
	"github.com/colstore/ntuplekv/kvkeys"
	"github.com/colstore/ntuplekv/kvstore"
	"github.com/colstore/ntuplekv/metrics"
)

func setupTwoClusters(t *testing.T) (*kvstore.MemDriver, *descriptor.Descriptor) {
	t.Helper()
	d := kvstore.NewMemDriver()
	require.NoError(t, d.OpenPool("p"))
	require.NoError(t, d.CreateContainer("c"))
	desc := descriptor.New()
	desc.AddColumn(1, 4)
	desc.AddColumn(2, 4)

	var seq uint64
	writeOne := func(clusterID, columnID uint64, payload []byte) {
		key := kvkeys.OidPerCluster(clusterID, columnID, seq)
		seq++
		require.NoError(t, d.WriteSingle(key.Oid, key.Dkey, key.Akey, "", payload))
		loc := descriptor.Locator{Position: key.Akey, BytesOnStorage: uint64(len(payload))}
		_, err := desc.AppendPage(columnID, loc, len(payload)/4, 0)
		require.NoError(t, err)
	}

	writeOne(0, 1, []byte{1, 1, 1, 1})
	writeOne(0, 1, []byte{2, 2, 2, 2, 2, 2, 2, 2})
	writeOne(0, 2, []byte{3, 3, 3, 3})
	desc.FinishCluster(3)

	writeOne(1, 1, []byte{4, 4, 4, 4})
	desc.FinishCluster(1)

	return d, desc
}

func TestLoadClustersPopulatesPageMap(t *testing.T) {
	d, desc := setupTwoClusters(t)
	rep := metrics.NewReporter("test")
	pool := New(d, desc, rep, kvkeys.OidPerCluster, "")

	clusters, err := pool.LoadClusters([]uint64{0, 1}, nil)
	require.NoError(t, err)
	require.Len(t, clusters, 2)

	c0 := clusters[0]
	sealed, meta, ok := c0.SealedPage(1, 0)
	require.True(t, ok)
	require.Equal(t, []byte{1, 1, 1, 1}, sealed)
	require.Equal(t, 1, meta.NElements)

	sealed2, meta2, ok := c0.SealedPage(1, 1)
	require.True(t, ok)
	require.Equal(t, []byte{2, 2, 2, 2, 2, 2, 2, 2}, sealed2)
	require.Equal(t, 2, meta2.NElements)
	require.Equal(t, uint64(1), meta2.FirstInPage)

	sealed3, _, ok := c0.SealedPage(2, 0)
	require.True(t, ok)
	require.Equal(t, []byte{3, 3, 3, 3}, sealed3)

	c1 := clusters[1]
	sealed4, _, ok := c1.SealedPage(1, 0)
	require.True(t, ok)
	require.Equal(t, []byte{4, 4, 4, 4}, sealed4)

	snap := rep.Counters.Load()
	require.Equal(t, uint64(1), snap.NReadV)
	require.Equal(t, uint64(16), snap.BytesRead)
}

func TestLoadClustersReusesCachedCluster(t *testing.T) {
	d, desc := setupTwoClusters(t)
	rep := metrics.NewReporter("test")
	pool := New(d, desc, rep, kvkeys.OidPerCluster, "")

	first, err := pool.LoadClusters([]uint64{0}, nil)
	require.NoError(t, err)

	second, err := pool.LoadClusters([]uint64{0}, nil)
	require.NoError(t, err)
	require.Same(t, first[0], second[0])

	snap := rep.Counters.Load()
	require.Equal(t, uint64(1), snap.NReadV)
}

func TestGetMissReturnsFalse(t *testing.T) {
	d, desc := setupTwoClusters(t)
	rep := metrics.NewReporter("test")
	pool := New(d, desc, rep, kvkeys.OidPerCluster, "")
	_, ok := pool.Get(5)
	require.False(t, ok)
}

func TestReleaseEvictsAtZeroRefcount(t *testing.T) {
	d, desc := setupTwoClusters(t)
	rep := metrics.NewReporter("test")
	pool := New(d, desc, rep, kvkeys.OidPerCluster, "")

	_, err := pool.LoadClusters([]uint64{0}, nil)
	require.NoError(t, err)

	pool.Release(0)
	_, ok := pool.Get(0)
	require.False(t, ok)
}
