// Package page defines the logical, decompressed column page and the
// allocator that owns its backing memory.
package page

import "hash/crc32"

// Page is a contiguous run of decompressed column values plus the metadata
// needed to place it within its cluster and column.
type Page struct {
	buf []byte

	ColumnID              uint64
	ElementSize           int
	NElements             int
	FirstInPageIndex      uint64
	ClusterID             uint64
	ColumnOffsetInCluster uint64
}

// Bytes returns the page's backing buffer. The returned slice is owned by
// the Page; callers must not retain it beyond the Page's lifetime.
func (p *Page) Bytes() []byte { return p.buf }

// Checksum computes a CRC32 over the page's current contents. Used by
// descriptor-side consistency checks as a stronger signal than a bare size
// comparison.
func (p *Page) Checksum() uint32 {
	return crc32.ChecksumIEEE(p.buf)
}

// Pool allocates and releases the raw memory backing logical pages. It
// holds no state of its own; it exists as a named type so callers can pass
// around "the thing that owns page memory" as a collaborator shared by
// sink and source.
type Pool struct{}

// NewPool constructs a page allocator.
func NewPool() *Pool { return &Pool{} }

// NewPage takes ownership of buf and wraps it as a Page with the given
// element layout.
func (pl *Pool) NewPage(columnID uint64, buf []byte, elemSize, nElements int) *Page {
	return &Page{
		buf:         buf,
		ColumnID:    columnID,
		ElementSize: elemSize,
		NElements:   nElements,
	}
}

// NewEmptyPage allocates elemSize*nElements bytes and returns an empty page
// with that capacity (NElements is set to the requested count, but the
// buffer's contents are zeroed, not populated).
func (pl *Pool) NewEmptyPage(columnID uint64, elemSize, nElements int) *Page {
	return pl.NewPage(columnID, make([]byte, elemSize*nElements), elemSize, nElements)
}

// Delete releases the buffer owned by p. A nil page is a no-op.
func (pl *Pool) Delete(p *Page) {
	if p == nil {
		return
	}
	p.buf = nil
}
