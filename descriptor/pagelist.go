package descriptor

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// SerializePagelist frames the given clusters into the on-storage pagelist
// blob format for one cluster-group: a serialized list of
// (page -> locator, nElements) entries per cluster-group. Layout:
//
//	u32 nClusters
//	per cluster:
//	  u64 clusterID
//	  u64 nEntries
//	  u32 nColumns
//	  per column:
//	    u64 columnID
//	    u32 nPages
//	    per page: u64 position, u64 bytesOnStorage, u32 nElements, u32 checksum
func SerializePagelist(clusters []*ClusterInfo) []byte {
	var buf bytes.Buffer
	writeU32(&buf, uint32(len(clusters)))
	for _, c := range clusters {
		writeU64(&buf, c.ClusterID)
		writeU64(&buf, c.NEntries)

		columnIDs := SortedColumnIDs(c.Columns)
		writeU32(&buf, uint32(len(columnIDs)))
		for _, colID := range columnIDs {
			pages := c.Columns[colID]
			writeU64(&buf, colID)
			writeU32(&buf, uint32(len(pages)))
			for _, p := range pages {
				writeU64(&buf, p.Locator.Position)
				writeU64(&buf, p.Locator.BytesOnStorage)
				writeU32(&buf, uint32(p.NElements))
				writeU32(&buf, p.Checksum)
			}
		}
	}
	return buf.Bytes()
}

// DeserializePagelist parses a blob produced by SerializePagelist back into
// ClusterInfo records with FirstInPage recomputed in page order.
func DeserializePagelist(blob []byte) ([]*ClusterInfo, error) {
	r := bytes.NewReader(blob)
	nClusters, err := readU32(r)
	if err != nil {
		return nil, errors.Wrap(err, "pagelist: read nClusters")
	}
	clusters := make([]*ClusterInfo, 0, nClusters)
	for i := uint32(0); i < nClusters; i++ {
		clusterID, err := readU64(r)
		if err != nil {
			return nil, errors.Wrap(err, "pagelist: read clusterID")
		}
		nEntries, err := readU64(r)
		if err != nil {
			return nil, errors.Wrap(err, "pagelist: read nEntries")
		}
		nColumns, err := readU32(r)
		if err != nil {
			return nil, errors.Wrap(err, "pagelist: read nColumns")
		}
		ci := &ClusterInfo{ClusterID: clusterID, NEntries: nEntries, Columns: make(map[uint64][]PageInfo)}
		for j := uint32(0); j < nColumns; j++ {
			colID, err := readU64(r)
			if err != nil {
				return nil, errors.Wrap(err, "pagelist: read columnID")
			}
			nPages, err := readU32(r)
			if err != nil {
				return nil, errors.Wrap(err, "pagelist: read nPages")
			}
			pages := make([]PageInfo, 0, nPages)
			var firstInPage uint64
			for k := uint32(0); k < nPages; k++ {
				pos, err := readU64(r)
				if err != nil {
					return nil, errors.Wrap(err, "pagelist: read position")
				}
				bytesOnStorage, err := readU64(r)
				if err != nil {
					return nil, errors.Wrap(err, "pagelist: read bytesOnStorage")
				}
				nElements, err := readU32(r)
				if err != nil {
					return nil, errors.Wrap(err, "pagelist: read nElements")
				}
				checksum, err := readU32(r)
				if err != nil {
					return nil, errors.Wrap(err, "pagelist: read checksum")
				}
				pages = append(pages, PageInfo{
					Locator:     Locator{Position: pos, BytesOnStorage: bytesOnStorage},
					NElements:   int(nElements),
					FirstInPage: firstInPage,
					Checksum:    checksum,
				})
				firstInPage += uint64(nElements)
			}
			ci.Columns[colID] = pages
		}
		clusters = append(clusters, ci)
	}
	return clusters, nil
}

// SortedColumnIDs returns m's keys in ascending order, giving the pagelist
// wire format (and anything else that needs a deterministic column
// iteration order, e.g. clusterpool's arena layout) a stable order without
// pulling in sort.Slice for what is usually a handful of columns.
func SortedColumnIDs(m map[uint64][]PageInfo) []uint64 {
	ids := make([]uint64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	// Simple insertion sort: column counts per cluster are small, and this
	// keeps the pagelist wire format deterministic without pulling in
	// sort.Slice for a handful of elements.
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
	return ids
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func readU32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func readU64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}
