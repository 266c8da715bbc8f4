// Package codec implements the "seal/unseal" compress+frame collaborator:
// given a logical byte buffer, seal it down to the bytes actually
// persisted to the KVStore, and reverse that on read. The sink and source
// apply one Sealer to page payloads, the header, the footer and pagelists;
// the anchor is stored unsealed.
package codec

import (
	"bytes"
	"compress/gzip"
	"io"

	"github.com/golang/snappy"
	"github.com/pkg/errors"
)

// Sealer compresses ("seals") and decompresses ("unseals") a byte buffer.
// Modeled as a type instead of a string switch so new codecs can be added
// without touching callers.
type Sealer interface {
	// Seal compresses src, returning the sealed bytes.
	Seal(src []byte) ([]byte, error)
	// Unseal decompresses src into a buffer of exactly wantLen bytes.
	Unseal(src []byte, wantLen int) ([]byte, error)
	// Name identifies the codec, e.g. for logging.
	Name() string
}

// None is the identity codec: Seal and Unseal are no-ops that copy the
// input.
type None struct{}

func (None) Seal(src []byte) ([]byte, error) {
	out := make([]byte, len(src))
	copy(out, src)
	return out, nil
}

func (None) Unseal(src []byte, wantLen int) ([]byte, error) {
	if len(src) != wantLen {
		return nil, errors.Errorf("codec: none: have %d bytes want %d", len(src), wantLen)
	}
	out := make([]byte, wantLen)
	copy(out, src)
	return out, nil
}

func (None) Name() string { return "none" }

// Snappy seals with github.com/golang/snappy.
type Snappy struct{}

func (Snappy) Seal(src []byte) ([]byte, error) {
	return snappy.Encode(nil, src), nil
}

func (Snappy) Unseal(src []byte, wantLen int) ([]byte, error) {
	out, err := snappy.Decode(make([]byte, 0, wantLen), src)
	if err != nil {
		return nil, errors.Wrap(err, "codec: snappy: decode")
	}
	if len(out) != wantLen {
		return nil, errors.Errorf("codec: snappy: decoded %d bytes want %d", len(out), wantLen)
	}
	return out, nil
}

func (Snappy) Name() string { return "snappy" }

// Gzip seals with stdlib compress/gzip at the given level. Level follows
// compress/gzip's constants (gzip.DefaultCompression when zero).
type Gzip struct {
	Level int
}

func (g Gzip) Seal(src []byte) ([]byte, error) {
	level := g.Level
	if level == 0 {
		level = gzip.DefaultCompression
	}
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, errors.Wrap(err, "codec: gzip: new writer")
	}
	if _, err := w.Write(src); err != nil {
		return nil, errors.Wrap(err, "codec: gzip: write")
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, "codec: gzip: close")
	}
	return buf.Bytes(), nil
}

func (Gzip) Unseal(src []byte, wantLen int) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, errors.Wrap(err, "codec: gzip: new reader")
	}
	defer r.Close()
	out := make([]byte, wantLen)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, errors.Wrap(err, "codec: gzip: read")
	}
	return out, nil
}

func (Gzip) Name() string { return "gzip" }
