// Package pagepool implements a thread-safe decompressed-page cache:
// GetPage/RegisterPage/PreloadPage/ReturnPage, atomic with respect to one
// another, with PreloadPage (used by background decompression) visible to
// subsequent GetPage calls.
package pagepool

import (
	"sync"

	"github.com/colstore/ntuplekv/page"
)

// Key identifies a cached page by column and either its global or
// cluster-local index.
type Key struct {
	ColumnID uint64
	Index    uint64
}

// Pool is the page pool shared resource: GetPage, RegisterPage,
// PreloadPage and ReturnPage are atomic with respect to one another.
// Backed by sync.Map so PreloadPage (called from background decompression
// goroutines) becomes visible to GetPage without a single coarse lock
// serializing every read.
type Pool struct {
	pages sync.Map // Key -> *page.Page
	pl    *page.Pool
}

// New constructs an empty page pool, using allocator to release evicted
// pages.
func New(allocator *page.Pool) *Pool {
	return &Pool{pl: allocator}
}

// GetPage returns the cached page for key, if present.
func (p *Pool) GetPage(key Key) (*page.Page, bool) {
	v, ok := p.pages.Load(key)
	if !ok {
		return nil, false
	}
	return v.(*page.Page), true
}

// RegisterPage inserts a freshly decompressed page into the pool, making
// it available to subsequent GetPage calls.
func (p *Pool) RegisterPage(key Key, pg *page.Page) {
	p.pages.Store(key, pg)
}

// PreloadPage is RegisterPage's name for the background-decompression
// path; functionally identical, kept as a distinct method so call sites
// document which path populated the cache.
func (p *Pool) PreloadPage(key Key, pg *page.Page) {
	p.pages.Store(key, pg)
}

// ReturnPage evicts key from the pool and releases its backing buffer via
// the page allocator.
func (p *Pool) ReturnPage(key Key) {
	v, ok := p.pages.LoadAndDelete(key)
	if !ok {
		return
	}
	p.pl.Delete(v.(*page.Page))
}
