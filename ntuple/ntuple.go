// Package ntuple is the thin convenience wrapper over sink/source/
// descriptor/uri that callers actually import, the way dgraph's worker
// package is what callers reach for instead of wiring posting/x directly.
// It owns no semantics of its own: Create opens a dataset for writing,
// Open attaches to one for reading, and Dataset just carries the pieces
// a caller would otherwise have to construct by hand.
package ntuple

import (
	"github.com/colstore/ntuplekv/descriptor"
	"github.com/colstore/ntuplekv/kvstore"
	"github.com/colstore/ntuplekv/metrics"
	"github.com/colstore/ntuplekv/sink"
	"github.com/colstore/ntuplekv/source"
)

// Dataset binds a dataset name and kv:// URI to exactly one of a writer
// (Sink) or reader (Source) side, plus the shared descriptor and metrics
// reporter backing it. A Dataset is never both at once.
type Dataset struct {
	Name string
	URI  string

	Sink   *sink.Sink
	Source *source.Source

	desc *descriptor.Descriptor
	rep  *metrics.Reporter
}

// Create opens name at datasetURI for writing, constructing a fresh
// descriptor and metrics reporter for it.
func Create(name, datasetURI string, driver kvstore.Driver, opts sink.Options) (*Dataset, error) {
	desc := descriptor.New()
	rep := metrics.NewReporter(name)
	sk, err := sink.New(name, datasetURI, driver, desc, rep, opts)
	if err != nil {
		return nil, err
	}
	return &Dataset{Name: name, URI: datasetURI, Sink: sk, desc: desc, rep: rep}, nil
}

// Open attaches to the dataset committed at datasetURI for reading,
// replaying its descriptor from storage via Source.Attach.
func Open(name, datasetURI string, driver kvstore.Driver, opts source.Options, headerFn, footerFn source.HeaderFunc) (*Dataset, error) {
	rep := metrics.NewReporter(name)
	src, err := source.New(name, datasetURI, driver, rep, opts)
	if err != nil {
		return nil, err
	}
	if err := src.Attach(headerFn, footerFn); err != nil {
		return nil, err
	}
	return &Dataset{Name: name, URI: datasetURI, Source: src, rep: rep}, nil
}

// Descriptor returns the dataset's metadata tree. Valid on either a
// writer- or reader-side Dataset.
func (d *Dataset) Descriptor() *descriptor.Descriptor {
	if d.Source != nil {
		return d.Source.Descriptor()
	}
	return d.desc
}

// Reporter returns the dataset's metrics reporter.
func (d *Dataset) Reporter() *metrics.Reporter { return d.rep }

// Close releases whichever side of the dataset is open.
func (d *Dataset) Close() error {
	if d.Sink != nil {
		return d.Sink.Close()
	}
	if d.Source != nil {
		return d.Source.Close()
	}
	return nil
}
