// Package anchor implements the dataset anchor record: the small,
// fixed-layout payload written last by the sink and read first by the
// source, whose presence marks a dataset as committed.
package anchor

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// fixedSize is the byte length of the five little-endian u32 fields that
// precede the variable-length object-class string.
const fixedSize = 20

// ErrAnchorTooShort is returned when a buffer shorter than fixedSize is
// handed to Deserialize.
var ErrAnchorTooShort = errors.New("anchor buffer too short")

// ErrAnchorDecodeFailed is returned when the object-class string cannot be
// decoded within the bounds of the supplied buffer.
var ErrAnchorDecodeFailed = errors.New("anchor decode failed")

// MaxClassNameLen bounds the object-class name length: Serialize rejects
// longer names, and MaxSize (the buffer the source reads the anchor into)
// leaves room for no more. It stands in for the KVStore driver's
// object-class-name upper bound, since that bound is a property of the
// driver rather than of the anchor record itself.
const MaxClassNameLen = 255

// Anchor is the dataset's commit marker.
type Anchor struct {
	Version      uint32
	NBytesHeader uint32
	LenHeader    uint32
	NBytesFooter uint32
	LenFooter    uint32
	ObjectClass  string
}

// MaxSize returns the largest buffer an anchor record can require: the
// fixed fields, the u32 length prefix, and the maximum class name.
func MaxSize() int {
	return fixedSize + 4 + MaxClassNameLen
}

// Serialize writes a into dst (which must be at least Serialize's returned
// length in size) and returns the number of bytes written. If dst is nil,
// Serialize computes and returns the exact length a buffer would need
// without writing anything.
func Serialize(a Anchor, dst []byte) (int, error) {
	if len(a.ObjectClass) > MaxClassNameLen {
		return 0, errors.Errorf("anchor: object class name is %d bytes, max %d", len(a.ObjectClass), MaxClassNameLen)
	}
	n := fixedSize + 4 + len(a.ObjectClass)
	if dst == nil {
		return n, nil
	}
	if len(dst) < n {
		return 0, errors.Errorf("anchor: dst too small: have %d need %d", len(dst), n)
	}
	binary.LittleEndian.PutUint32(dst[0:4], a.Version)
	binary.LittleEndian.PutUint32(dst[4:8], a.NBytesHeader)
	binary.LittleEndian.PutUint32(dst[8:12], a.LenHeader)
	binary.LittleEndian.PutUint32(dst[12:16], a.NBytesFooter)
	binary.LittleEndian.PutUint32(dst[16:20], a.LenFooter)
	binary.LittleEndian.PutUint32(dst[20:24], uint32(len(a.ObjectClass)))
	copy(dst[24:n], a.ObjectClass)
	return n, nil
}

// Deserialize reads an Anchor out of buf[:bufLen]. It fails with
// ErrAnchorTooShort if bufLen < 20, and with ErrAnchorDecodeFailed if the
// length-prefixed object-class string does not fit within bufLen-20 bytes.
// Trailing bytes beyond the decoded record are ignored.
func Deserialize(buf []byte, bufLen int) (Anchor, int, error) {
	if bufLen < fixedSize {
		return Anchor{}, 0, errors.Wrapf(ErrAnchorTooShort, "have %d bytes need %d", bufLen, fixedSize)
	}
	if bufLen > len(buf) {
		bufLen = len(buf)
	}
	a := Anchor{
		Version:      binary.LittleEndian.Uint32(buf[0:4]),
		NBytesHeader: binary.LittleEndian.Uint32(buf[4:8]),
		LenHeader:    binary.LittleEndian.Uint32(buf[8:12]),
		NBytesFooter: binary.LittleEndian.Uint32(buf[12:16]),
		LenFooter:    binary.LittleEndian.Uint32(buf[16:20]),
	}
	if bufLen < fixedSize+4 {
		return Anchor{}, 0, errors.Wrapf(ErrAnchorDecodeFailed, "missing class name length prefix")
	}
	classLen := binary.LittleEndian.Uint32(buf[20:24])
	end := fixedSize + 4 + int(classLen)
	if classLen > uint32(bufLen-fixedSize-4) || end > bufLen {
		return Anchor{}, 0, errors.Wrapf(ErrAnchorDecodeFailed,
			"class name length %d exceeds remaining buffer (%d bytes available)", classLen, bufLen-fixedSize-4)
	}
	a.ObjectClass = string(buf[fixedSize+4 : end])
	return a, end, nil
}
