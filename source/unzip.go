package source

import (
	"golang.org/x/sync/errgroup"

	"github.com/pkg/errors"

	"github.com/colstore/ntuplekv/clusterpool"
	"github.com/colstore/ntuplekv/descriptor"
	"github.com/colstore/ntuplekv/pagepool"
)

// UnzipCluster decompresses every page of every requested column in
// cluster in parallel: for each page, submit a task that unseals it,
// allocates a fresh logical page, and preloads it into the page pool
// keyed by its global element index. Tasks touch disjoint pages; the
// only shared state is the page pool itself, which is safe for
// concurrent PreloadPage calls.
func (s *Source) UnzipCluster(clusterID uint64, cluster *clusterpool.Cluster, columnIDs []uint64) error {
	ci, err := s.desc.Cluster(clusterID)
	if err != nil {
		return err
	}

	cols := columnIDs
	if cols == nil {
		cols = descriptor.SortedColumnIDs(ci.Columns)
	}

	g := new(errgroup.Group)
	for _, colID := range cols {
		colID := colID
		colInfo, ok := s.desc.Column(colID)
		if !ok {
			return errors.Wrapf(descriptor.ErrUnknownColumn, "column %d", colID)
		}
		base, err := s.desc.GlobalOffsetOfCluster(colID, clusterID)
		if err != nil {
			return err
		}

		pages := ci.Columns[colID]
		for pageIdx, pi := range pages {
			pageIdx, pi := pageIdx, pi
			g.Go(func() error {
				sealed, _, ok := cluster.SealedPage(colID, uint64(pageIdx))
				if !ok {
					return errors.Errorf("source: unzipCluster: missing sealed page (column=%d idx=%d)", colID, pageIdx)
				}

				zstart := s.rep.Timers.TimeUnzip.Start()
				raw, err := s.opts.Sealer.Unseal(sealed, pi.NElements*colInfo.ElementSize)
				s.rep.Timers.TimeUnzip.Stop(zstart)
				if err != nil {
					return errors.Wrap(err, "source: unzipCluster: unseal")
				}

				pg := s.pageAlloc.NewPage(colID, raw, colInfo.ElementSize, pi.NElements)
				key := pagepool.Key{ColumnID: colID, Index: base + pi.FirstInPage}
				s.pages.PreloadPage(key, pg)
				return nil
			})
		}
	}
	return g.Wait()
}
