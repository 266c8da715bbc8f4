// Package kvkeys maps (cluster, column, page-sequence) coordinates onto the
// KVStore's (object id, distribution key, attribute key) address space, and
// holds the compatibility-critical reserved constants every interoperating
// implementation must agree on.
package kvkeys

// ObjectID is the KVStore's 128-bit object identifier, modeled as a pair of
// 64-bit halves the way DAOS-style object ids are commonly represented.
type ObjectID struct {
	Hi uint64
	Lo uint64
}

// Key is the fully resolved KVStore coordinate for one payload.
type Key struct {
	Oid  ObjectID
	Dkey uint64
	Akey uint64
}

// Reserved compatibility constants.
// Any interoperating implementation of this module MUST use these exact
// values; they are disjoint from the range used for user cluster ids and
// cluster-group sequence numbers (both start at 0 and count up).
const (
	kDistributionKeyDefault uint64 = 0x5a3c69f0cafe4a11

	kAttributeKeyDefault uint64 = 0x4243544b5344422d
	kAttributeKeyAnchor  uint64 = 0x4243544b5344422e
	kAttributeKeyHeader  uint64 = 0x4243544b5344422f
	kAttributeKeyFooter  uint64 = 0x4243544b53444230
)

// metaOid and pagelistOid are the reserved object ids for metadata
// (anchor/header/footer) and for cluster-group pagelists: (u64::MAX, 0)
// and (u64::MAX-1, 0) respectively.
var (
	metaOid     = ObjectID{Hi: ^uint64(0), Lo: 0}
	pagelistOid = ObjectID{Hi: ^uint64(0) - 1, Lo: 0}
)

// DefaultDKey returns the reserved distribution key used for all metadata
// and pagelist payloads.
func DefaultDKey() uint64 { return kDistributionKeyDefault }

// AnchorKey returns the (oid, dkey, akey) coordinate of the dataset anchor.
func AnchorKey() Key {
	return Key{Oid: metaOid, Dkey: kDistributionKeyDefault, Akey: kAttributeKeyAnchor}
}

// HeaderKey returns the (oid, dkey, akey) coordinate of the dataset header.
func HeaderKey() Key {
	return Key{Oid: metaOid, Dkey: kDistributionKeyDefault, Akey: kAttributeKeyHeader}
}

// FooterKey returns the (oid, dkey, akey) coordinate of the dataset footer.
func FooterKey() Key {
	return Key{Oid: metaOid, Dkey: kDistributionKeyDefault, Akey: kAttributeKeyFooter}
}

// PagelistKey returns the coordinate of the cluster-group pagelist with the
// given monotonic cluster-group sequence number.
func PagelistKey(cgSeq uint64) Key {
	return Key{Oid: pagelistOid, Dkey: kDistributionKeyDefault, Akey: cgSeq}
}

// Mapping resolves a page's KVStore coordinate from its logical location.
// Two variants are defined below; the writer and every reader of a
// dataset must agree on which one was used, since it is not persisted in
// the anchor.
type Mapping func(clusterID, columnID uint64, pageSeq uint64) Key

// OidPerCluster is the default mapping: one KVStore object per cluster,
// columns become distribution keys, page sequence numbers become
// attribute keys. This groups all of one cluster's pages into a single
// object.
func OidPerCluster(clusterID, columnID uint64, pageSeq uint64) Key {
	return Key{
		Oid:  ObjectID{Hi: clusterID, Lo: 0},
		Dkey: columnID,
		Akey: pageSeq,
	}
}

// OidPerPage maps every page to its own object, keyed by page sequence
// number, using the reserved default distribution/attribute keys for every
// page. This variant trades larger per-page KVStore object
// overhead for a flat address space independent of cluster/column.
func OidPerPage(_ uint64, _ uint64, pageSeq uint64) Key {
	return Key{
		Oid:  ObjectID{Hi: pageSeq, Lo: 0},
		Dkey: kDistributionKeyDefault,
		Akey: kAttributeKeyDefault,
	}
}
