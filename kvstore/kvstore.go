// Package kvstore states the contract this module consumes from the
// distributed object-store KVStore backend and supplies one in-memory
// reference implementation used to exercise every other package
// end-to-end in tests.
package kvstore

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/colstore/ntuplekv/kvkeys"
)

// WriteFailedError wraps a driver error encountered on a single or vector
// write.
type WriteFailedError struct{ Cause error }

func (e *WriteFailedError) Error() string { return "kvstore: write failed: " + e.Cause.Error() }
func (e *WriteFailedError) Unwrap() error { return e.Cause }

// ReadFailedError wraps a driver error encountered on a single or vector
// read.
type ReadFailedError struct{ Cause error }

func (e *ReadFailedError) Error() string { return "kvstore: read failed: " + e.Cause.Error() }
func (e *ReadFailedError) Unwrap() error { return e.Cause }

// ErrUnknownObjectClass is returned when a driver rejects a requested
// object-class name.
var ErrUnknownObjectClass = errors.New("kvstore: unknown object class")

// IOVec is one (attribute key -> value) pair inside a vectored request.
type IOVec struct {
	Akey  uint64
	Value []byte
}

// WriteGroup batches the attribute-key/value pairs destined for one
// (oid, dkey) coordinate, the unit writeV/readV operate on.
type WriteGroup struct {
	Oid  kvkeys.ObjectID
	Dkey uint64
	Iovs []IOVec
}

// ReadIOVec is one (attribute key -> destination buffer) pair inside a
// batched read. The driver fills Dst in place; len(Dst) determines how many
// bytes are read, mirroring the scatter-gather iovec the real KVStore
// driver's readV operates on.
type ReadIOVec struct {
	Akey uint64
	Dst  []byte
}

// ReadGroup batches the attribute-key/destination pairs for one (oid,dkey)
// coordinate, symmetric with WriteGroup.
type ReadGroup struct {
	Oid  kvkeys.ObjectID
	Dkey uint64
	Iovs []ReadIOVec
}

// Driver is the KVStore contract consumed by sink/source. A real
// implementation binds to a distributed object store; kvstore.MemDriver
// below is an in-memory stand-in used only by tests.
type Driver interface {
	// OpenPool opens (but does not create) a pool by label.
	OpenPool(label string) error
	// CreateContainer creates a container under the open pool if it does
	// not already exist, and opens it.
	CreateContainer(label string) error
	// OpenContainerReadOnly opens an existing container read-only; it must
	// not create one.
	OpenContainerReadOnly(label string) error
	// SetDefaultObjectClass sets the container's default object class,
	// failing with ErrUnknownObjectClass if the name is not recognized.
	SetDefaultObjectClass(class string) error
	// GetDefaultObjectClass returns the container's current default object
	// class.
	GetDefaultObjectClass() (string, error)

	// WriteSingle writes buf at the given coordinate under class (or the
	// container default if class is "").
	WriteSingle(oid kvkeys.ObjectID, dkey, akey uint64, class string, buf []byte) error
	// ReadSingle reads the value at the given coordinate into buf, up to
	// len(buf) bytes, and returns the number of bytes copied.
	ReadSingle(oid kvkeys.ObjectID, dkey, akey uint64, class string, buf []byte) (int, error)

	// WriteV issues a single grouped, batched write across many
	// (oid,dkey) coordinates.
	WriteV(groups []WriteGroup, class string) error
	// ReadV issues a single grouped, batched read across many
	// (oid,dkey) coordinates, filling each iovec's Dst in place.
	ReadV(groups []ReadGroup, class string) error

	// Close releases the pool/container connections.
	Close() error
}

// knownClasses is the set of object-class names the in-memory driver will
// accept; any caller supplying a name outside this set gets
// ErrUnknownObjectClass.
var knownClasses = map[string]bool{
	"":         true, // unset -> inherit container default
	"META":     true,
	"SX":       true, // replicated, single-shard-per-redundancy-group -- a plausible dataset default class
	"RP_3G1":   true,
	"EC_4P2G1": true,
}

type objKey struct {
	oid  kvkeys.ObjectID
	dkey uint64
}

// MemDriver is an in-memory reference Driver, guarded by a single mutex.
// It exists purely to exercise sink/source/descriptor in tests; it is never
// on the hot path of any production component.
type MemDriver struct {
	mu sync.Mutex

	poolOpened      bool
	containerLabel  string
	defaultClass    string
	containerExists bool

	data map[objKey]map[uint64][]byte
}

// NewMemDriver constructs an empty in-memory driver.
func NewMemDriver() *MemDriver {
	return &MemDriver{data: make(map[objKey]map[uint64][]byte)}
}

func (d *MemDriver) OpenPool(label string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.poolOpened = true
	return nil
}

func (d *MemDriver) CreateContainer(label string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.poolOpened {
		return errors.New("kvstore: pool not open")
	}
	d.containerLabel = label
	d.containerExists = true
	return nil
}

func (d *MemDriver) OpenContainerReadOnly(label string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.poolOpened {
		return errors.New("kvstore: pool not open")
	}
	if !d.containerExists || d.containerLabel != label {
		return errors.Errorf("kvstore: container %q does not exist", label)
	}
	return nil
}

func (d *MemDriver) SetDefaultObjectClass(class string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !knownClasses[class] {
		return errors.Wrapf(ErrUnknownObjectClass, "class %q", class)
	}
	d.defaultClass = class
	return nil
}

func (d *MemDriver) GetDefaultObjectClass() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.defaultClass, nil
}

func (d *MemDriver) WriteSingle(oid kvkeys.ObjectID, dkey, akey uint64, class string, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if class != "" && !knownClasses[class] {
		return errors.Wrapf(ErrUnknownObjectClass, "class %q", class)
	}
	cp := make([]byte, len(buf))
	copy(cp, buf)
	ok := objKey{oid: oid, dkey: dkey}
	if d.data[ok] == nil {
		d.data[ok] = make(map[uint64][]byte)
	}
	d.data[ok][akey] = cp
	return nil
}

func (d *MemDriver) ReadSingle(oid kvkeys.ObjectID, dkey, akey uint64, class string, buf []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ok := objKey{oid: oid, dkey: dkey}
	entries, found := d.data[ok]
	if !found {
		return 0, errors.Errorf("kvstore: no such object (oid=%v dkey=%d)", oid, dkey)
	}
	v, found := entries[akey]
	if !found {
		return 0, errors.Errorf("kvstore: no such akey %d", akey)
	}
	n := copy(buf, v)
	return n, nil
}

func (d *MemDriver) WriteV(groups []WriteGroup, class string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if class != "" && !knownClasses[class] {
		return errors.Wrapf(ErrUnknownObjectClass, "class %q", class)
	}
	for _, g := range groups {
		ok := objKey{oid: g.Oid, dkey: g.Dkey}
		if d.data[ok] == nil {
			d.data[ok] = make(map[uint64][]byte)
		}
		for _, iov := range g.Iovs {
			cp := make([]byte, len(iov.Value))
			copy(cp, iov.Value)
			d.data[ok][iov.Akey] = cp
		}
	}
	return nil
}

func (d *MemDriver) ReadV(groups []ReadGroup, class string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, g := range groups {
		ok := objKey{oid: g.Oid, dkey: g.Dkey}
		entries, found := d.data[ok]
		if !found {
			return errors.Errorf("kvstore: no such object (oid=%v dkey=%d)", g.Oid, g.Dkey)
		}
		for _, iov := range g.Iovs {
			v, found := entries[iov.Akey]
			if !found {
				return errors.Errorf("kvstore: no such akey %d", iov.Akey)
			}
			if len(v) != len(iov.Dst) {
				return errors.Errorf("kvstore: akey %d: have %d bytes want %d", iov.Akey, len(v), len(iov.Dst))
			}
			copy(iov.Dst, v)
		}
	}
	return nil
}

func (d *MemDriver) Close() error { return nil }
