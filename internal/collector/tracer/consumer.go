// Package tracer — consumer.go
//
// Ring buffer consumer for the deep-trace event stream.
//
// Architecture:
//
//	[BPF ring buffer "events"]
//	      v  (cilium/ebpf ringbuf.Reader, 100ms poll deadline)
//	[consumer goroutine, cooperative stop via atomic.Bool]
//	      v
//	[in-memory slice, merge-sorted into wall-clock order at drain]
//
// Shutdown: Stop() flips the stop flag; the goroutine drains whatever
// is left in the ring buffer for up to drainGrace before closing the
// reader.
package tracer

import (
	"errors"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cilium/ebpf/ringbuf"
	"go.uber.org/zap"
)

// pollDeadline is how often ringbuf.Reader.Read is given a fresh
// deadline so the consumer can observe the stop flag promptly.
const pollDeadline = 100 * time.Millisecond

// drainGrace is the maximum extra time the consumer spends reading
// remaining ring buffer entries after Stop is called.
const drainGrace = 500 * time.Millisecond

// Consumer reads DeepTraceEvent records from a ring buffer map and
// accumulates them for later serialization.
type Consumer struct {
	rd   *ringbuf.Reader
	log  *zap.Logger
	stop atomic.Bool

	mu      sync.Mutex
	events  []DeepTraceEvent
	dropped uint64

	done chan struct{}
}

// newConsumerFromReader constructs a Consumer over an already-opened
// ring buffer reader so the tracer package controls map lifetime.
func newConsumerFromReader(rd *ringbuf.Reader, log *zap.Logger) *Consumer {
	return &Consumer{rd: rd, log: log, done: make(chan struct{})}
}

// Run starts the consumer goroutine. It returns immediately; callers
// should call Stop, then Wait, then Events to collect results.
func (c *Consumer) Run() {
	go func() {
		defer close(c.done)
		defer func() { _ = c.rd.Close() }()
		for {
			if c.stop.Load() {
				c.drainRemaining()
				return
			}
			c.rd.SetDeadline(time.Now().Add(pollDeadline))
			record, err := c.rd.Read()
			if err != nil {
				if errors.Is(err, os.ErrDeadlineExceeded) {
					continue // deadline exceeded; re-check stop flag
				}
				return
			}
			c.ingest(record.RawSample)
		}
	}()
}

// drainRemaining reads whatever is still queued for up to drainGrace
// before the goroutine exits.
func (c *Consumer) drainRemaining() {
	deadline := time.Now().Add(drainGrace)
	for time.Now().Before(deadline) {
		c.rd.SetDeadline(time.Now().Add(20 * time.Millisecond))
		record, err := c.rd.Read()
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			return
		}
		c.ingest(record.RawSample)
	}
}

func (c *Consumer) ingest(raw []byte) {
	event, err := ParseEvent(raw)
	if err != nil {
		c.mu.Lock()
		c.dropped++
		c.mu.Unlock()
		if c.log != nil {
			c.log.Debug("dropping malformed deep-trace record", zap.Error(err))
		}
		return
	}
	c.mu.Lock()
	c.events = append(c.events, event)
	c.mu.Unlock()
}

// Stop signals the consumer goroutine to finish draining and exit. It
// does not block; call Wait to block until the goroutine has actually
// stopped.
func (c *Consumer) Stop() { c.stop.Store(true) }

// Wait blocks until the consumer goroutine has exited.
func (c *Consumer) Wait() { <-c.done }

// Events returns the accumulated events in wall-clock order (merge
// sort by timestamp, since per-CPU ring buffer delivery is only
// locally ordered).
func (c *Consumer) Events() []DeepTraceEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]DeepTraceEvent, len(c.events))
	copy(out, c.events)
	sort.Slice(out, func(i, j int) bool { return out[i].TimestampNS < out[j].TimestampNS })
	return out
}

// Dropped returns the count of malformed records discarded by this
// consumer (not to be confused with kernel-side ring buffer submit
// failures, which the caller reads separately from the drop_counter
// map via Objects.ReadDropCount).
func (c *Consumer) Dropped() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}
