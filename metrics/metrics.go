// Package metrics implements the observability counters, timers and
// page-size histogram the rest of this module reports through: atomic
// counters for bytes/pages, scoped timers for zip/unzip/read/write
// latency, and a periodic ticker-driven summary log
// (github.com/dustin/go-humanize formatting, github.com/golang/glog
// logging, github.com/dgraph-io/ristretto's ristretto/z histogram).
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto/z"
	"github.com/dustin/go-humanize"
	"github.com/golang/glog"
)

// Counters holds the atomic read/write counters, bumped on success except
// for NRead/NReadV which bump on attempt.
type Counters struct {
	NRead        uint64
	NReadV       uint64
	NWrite       uint64
	NWriteV      uint64
	BytesRead    uint64
	BytesWritten uint64
}

// IncRead records an attempted single read.
func (c *Counters) IncRead() { atomic.AddUint64(&c.NRead, 1) }

// IncReadV records an attempted vector read.
func (c *Counters) IncReadV() { atomic.AddUint64(&c.NReadV, 1) }

// AddBytesRead records bytes successfully read.
func (c *Counters) AddBytesRead(n uint64) { atomic.AddUint64(&c.BytesRead, n) }

// IncWrite records a successful single write.
func (c *Counters) IncWrite() { atomic.AddUint64(&c.NWrite, 1) }

// IncWriteV records a successful vector write.
func (c *Counters) IncWriteV() { atomic.AddUint64(&c.NWriteV, 1) }

// AddBytesWritten records bytes successfully written.
func (c *Counters) AddBytesWritten(n uint64) { atomic.AddUint64(&c.BytesWritten, n) }

// Snapshot is a point-in-time copy of the counters, safe to log or compare.
type Snapshot struct {
	NRead, NReadV, NWrite, NWriteV uint64
	BytesRead, BytesWritten        uint64
}

// Load takes an atomic snapshot of the counters.
func (c *Counters) Load() Snapshot {
	return Snapshot{
		NRead:        atomic.LoadUint64(&c.NRead),
		NReadV:       atomic.LoadUint64(&c.NReadV),
		NWrite:       atomic.LoadUint64(&c.NWrite),
		NWriteV:      atomic.LoadUint64(&c.NWriteV),
		BytesRead:    atomic.LoadUint64(&c.BytesRead),
		BytesWritten: atomic.LoadUint64(&c.BytesWritten),
	}
}

// Timer accumulates elapsed wall-clock time across repeated scoped uses.
// Start/Stop replace constructor/destructor since Go has no destructors;
// callers are expected to `defer t.Stop(t.Start())`.
type Timer struct {
	totalNanos int64
}

// Start marks the beginning of a scope and returns the start time to hand
// back to Stop.
func (t *Timer) Start() time.Time { return time.Now() }

// Stop accumulates the elapsed time since start into the timer's running
// total.
func (t *Timer) Stop(start time.Time) {
	atomic.AddInt64(&t.totalNanos, int64(time.Since(start)))
}

// Total returns the accumulated duration.
func (t *Timer) Total() time.Duration {
	return time.Duration(atomic.LoadInt64(&t.totalNanos))
}

// Timers bundles the scoped timers a sink/source commit or read path
// accumulates into: TimeZip (seal), TimeUnzip (unseal), TimeWrite, TimeRead.
type Timers struct {
	TimeZip   Timer
	TimeUnzip Timer
	TimeWrite Timer
	TimeRead  Timer
}

// Reporter bundles counters, timers and a page-size histogram, and can
// periodically log a throughput summary.
type Reporter struct {
	Counters  Counters
	Timers    Timers
	PageSizes *z.HistogramData

	name string
	done chan struct{}
}

// NewReporter constructs a Reporter with a page-size histogram bucketed
// from 1 byte to 1GiB, scaled down from a larger default since pages in
// this engine are typically smaller than full file-shard payloads.
func NewReporter(name string) *Reporter {
	return &Reporter{
		PageSizes: z.NewHistogramData(z.HistogramBounds(0, 30)),
		name:      name,
		done:      make(chan struct{}),
	}
}

// RecordPageSize adds one observation to the page-size histogram.
func (r *Reporter) RecordPageSize(n int64) {
	r.PageSizes.Update(n)
}

// StartPeriodicLog starts a goroutine that logs a throughput summary every
// interval until Stop is called.
func (r *Reporter) StartPeriodicLog(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.done:
				return
			case <-ticker.C:
				r.logOnce()
			}
		}
	}()
}

// Stop ends the periodic logging goroutine started by StartPeriodicLog.
// Calling Stop without a prior StartPeriodicLog is a no-op beyond closing
// the channel once.
func (r *Reporter) Stop() {
	select {
	case <-r.done:
		// already stopped
	default:
		close(r.done)
	}
}

func (r *Reporter) logOnce() {
	s := r.Counters.Load()
	glog.Infof("%s: nRead=%d nReadV=%d nWrite=%d nWriteV=%d read=%s written=%s zip=%s unzip=%s write=%s read_wait=%s",
		r.name, s.NRead, s.NReadV, s.NWrite, s.NWriteV,
		humanize.IBytes(s.BytesRead), humanize.IBytes(s.BytesWritten),
		r.Timers.TimeZip.Total(), r.Timers.TimeUnzip.Total(),
		r.Timers.TimeWrite.Total(), r.Timers.TimeRead.Total())
}
