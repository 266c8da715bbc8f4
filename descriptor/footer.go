package descriptor

import (
	"bytes"

	"github.com/pkg/errors"
)

// SerializeClusterGroupLocators frames the dataset footer's own payload:
// the ordered list of cluster-group pagelist locators. This is the part of the footer
// this module interprets directly; any caller schema describing the
// ntuple's columns is out of this module's scope and is never embedded
// here. Layout:
//
//	u32 nGroups
//	per group:
//	  u64 position, u64 bytesOnStorage, u64 length (decompressed)
//	  u32 nClusterIDs
//	  per id: u64 clusterID
func SerializeClusterGroupLocators(groups []ClusterGroupInfo) []byte {
	var buf bytes.Buffer
	writeU32(&buf, uint32(len(groups)))
	for _, g := range groups {
		writeU64(&buf, g.Locator.Position)
		writeU64(&buf, g.Locator.BytesOnStorage)
		writeU64(&buf, g.Length)
		writeU32(&buf, uint32(len(g.ClusterIDs)))
		for _, id := range g.ClusterIDs {
			writeU64(&buf, id)
		}
	}
	return buf.Bytes()
}

// DeserializeClusterGroupLocators parses a blob produced by
// SerializeClusterGroupLocators.
func DeserializeClusterGroupLocators(blob []byte) ([]ClusterGroupInfo, error) {
	r := bytes.NewReader(blob)
	nGroups, err := readU32(r)
	if err != nil {
		return nil, errors.Wrap(err, "footer: read nGroups")
	}
	groups := make([]ClusterGroupInfo, 0, nGroups)
	for i := uint32(0); i < nGroups; i++ {
		position, err := readU64(r)
		if err != nil {
			return nil, errors.Wrap(err, "footer: read position")
		}
		bytesOnStorage, err := readU64(r)
		if err != nil {
			return nil, errors.Wrap(err, "footer: read bytesOnStorage")
		}
		length, err := readU64(r)
		if err != nil {
			return nil, errors.Wrap(err, "footer: read length")
		}
		nIDs, err := readU32(r)
		if err != nil {
			return nil, errors.Wrap(err, "footer: read nClusterIDs")
		}
		ids := make([]uint64, 0, nIDs)
		for j := uint32(0); j < nIDs; j++ {
			id, err := readU64(r)
			if err != nil {
				return nil, errors.Wrap(err, "footer: read clusterID")
			}
			ids = append(ids, id)
		}
		groups = append(groups, ClusterGroupInfo{
			Locator:    Locator{Position: position, BytesOnStorage: bytesOnStorage},
			Length:     length,
			ClusterIDs: ids,
		})
	}
	return groups, nil
}
