// Command ntuplekv-dump is a small operator tool that attaches to a
// committed dataset read-only and prints cluster/column/page summary
// statistics, the kind of sanity-check CLI storage engines like this one
// tend to ship alongside the library itself.
package main

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/golang/glog"
	"github.com/spf13/pflag"

	"github.com/colstore/ntuplekv/codec"
	"github.com/colstore/ntuplekv/kvkeys"
	"github.com/colstore/ntuplekv/kvstore"
	"github.com/colstore/ntuplekv/ntuple"
	"github.com/colstore/ntuplekv/source"
)

func main() {
	var (
		datasetURI    = pflag.String("uri", "", "kv:// dataset locator, e.g. kv://pool1/container1 (required)")
		name          = pflag.String("name", "ntuplekv-dump", "dataset name to attach as")
		codecName     = pflag.String("codec", "none", "sealer the dataset was written with: none|snappy|gzip")
		useOidPerPage = pflag.Bool("oid-per-page", false, "dataset was written with kvkeys.OidPerPage instead of the default OidPerCluster mapping")
	)
	pflag.Parse()

	if *datasetURI == "" {
		fmt.Fprintln(os.Stderr, "ntuplekv-dump: --uri is required")
		pflag.Usage()
		os.Exit(2)
	}

	sealer, err := sealerByName(*codecName)
	if err != nil {
		glog.Exitf("ntuplekv-dump: %v", err)
	}
	mapping := kvkeys.OidPerCluster
	if *useOidPerPage {
		mapping = kvkeys.OidPerPage
	}

	driver := kvstore.NewMemDriver()
	glog.Warningf("ntuplekv-dump: using the in-memory reference driver; point a real KVStore driver at %s to dump a live dataset", *datasetURI)

	ds, err := ntuple.Open(*name, *datasetURI, driver, source.Options{Sealer: sealer, Mapping: mapping}, nil, nil)
	if err != nil {
		glog.Exitf("ntuplekv-dump: attach: %v", err)
	}
	defer ds.Close()

	dump(ds)
}

func sealerByName(name string) (codec.Sealer, error) {
	switch name {
	case "", "none":
		return codec.None{}, nil
	case "snappy":
		return codec.Snappy{}, nil
	case "gzip":
		return codec.Gzip{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

type colStats struct {
	nPages     uint64
	nElements  uint64
	bytesOnDsk uint64
}

func dump(ds *ntuple.Dataset) {
	desc := ds.Descriptor()
	nClusters := desc.NClusters()
	fmt.Printf("dataset %q: %d cluster(s)\n", ds.Name, nClusters)

	stats := make(map[uint64]*colStats)

	for cid := uint64(0); cid < nClusters; cid++ {
		ci, err := desc.Cluster(cid)
		if err != nil {
			glog.Errorf("ntuplekv-dump: cluster %d: %v", cid, err)
			continue
		}
		for colID, pages := range ci.Columns {
			st, ok := stats[colID]
			if !ok {
				st = &colStats{}
				stats[colID] = st
			}
			st.nPages += uint64(len(pages))
			for _, p := range pages {
				st.nElements += uint64(p.NElements)
				st.bytesOnDsk += p.Locator.BytesOnStorage
			}
		}
	}

	for _, colID := range sortedKeys(stats) {
		st := stats[colID]
		fmt.Printf("  column %d: %d page(s), %d element(s), %s on storage\n",
			colID, st.nPages, st.nElements, humanize.IBytes(st.bytesOnDsk))
	}
}

func sortedKeys(m map[uint64]*colStats) []uint64 {
	ids := make([]uint64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
	return ids
}
