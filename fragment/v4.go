// Package fragment implements the two independent, resource-bounded IP
// fragment reassembly subsystems (v4 and v6). Each buffers fragments of a
// partially-received datagram until either the datagram is complete, a
// memory cap forces eviction, or the reassembly timeout lapses.
// Overlapping fragments are resolved last-writer-wins.
package fragment

import (
	"time"
)

// Result is the outcome of inserting one fragment.
type Result int

const (
	// Held means the fragment was buffered; the datagram is still
	// incomplete.
	Held Result = iota
	// Complete means this fragment finished the datagram; Insert
	// returns the full byte buffer (caller owns it).
	Complete
	// Drop means the fragment was rejected, typically due to resource
	// exhaustion. Treated as still-pending by the caller, not an error.
	Drop
)

// byteRange is a half-open [start, end) span of bytes already received for
// a partial datagram, relative to the start of the reassembled payload.
type byteRange struct {
	start, end int
}

// mergeRange inserts [start, end) into a sorted, non-overlapping list of
// ranges, merging with any adjacent or overlapping ranges. Overlap content
// itself is resolved by the caller (last writer wins into the byte buffer);
// this only tracks coverage for the contiguity check.
func mergeRange(ranges []byteRange, start, end int) []byteRange {
	var out []byteRange
	inserted := false
	for _, r := range ranges {
		if end < r.start {
			if !inserted {
				out = append(out, byteRange{start, end})
				inserted = true
			}
			out = append(out, r)
			continue
		}
		if r.end < start {
			out = append(out, r)
			continue
		}
		// Overlapping or adjacent: fold into the pending insert.
		if r.start < start {
			start = r.start
		}
		if r.end > end {
			end = r.end
		}
	}
	if !inserted {
		out = append(out, byteRange{start, end})
	}
	return out
}

func isFullyContiguous(ranges []byteRange, total int) bool {
	return len(ranges) == 1 && ranges[0].start == 0 && ranges[0].end == total
}

// growBuffer returns a buffer at least as large as needed, preserving the
// existing contents of buf.
func growBuffer(buf []byte, needed int) []byte {
	if cap(buf) >= needed {
		return buf[:needed]
	}
	grown := make([]byte, needed)
	copy(grown, buf)
	return grown
}

// Limits configures the memory and timeout policy shared by both the v4
// and v6 reassemblers.
type Limits struct {
	PerHostMemory int64
	TotalMemory   int64
	Timeout       time.Duration
}

type fragKeyV4 struct {
	src, dst [4]byte
	ident    uint16
	proto    uint8
}

type partialV4 struct {
	key        fragKeyV4
	hostKey    [4]byte
	buf        []byte
	ranges     []byteRange
	total      int // known once the final fragment (MF=0) arrives
	haveLast   bool
	firstSeen  time.Time
	lastSeen   time.Time
	allocBytes int64
}

// V4Reassembler buffers IPv4 fragments. It is not safe for concurrent use
// by more than one goroutine; callers partition reassemblers across
// workers the same way they partition the flow table.
type V4Reassembler struct {
	limits Limits

	partials  map[fragKeyV4]*partialV4
	totalUsed int64
	hostUsed  map[[4]byte]int64
}

// NewV4Reassembler constructs a reassembler governed by limits. tableSize
// is a sizing hint for the initial map allocation.
func NewV4Reassembler(tableSize int, limits Limits) *V4Reassembler {
	return &V4Reassembler{
		limits:   limits,
		partials: make(map[fragKeyV4]*partialV4, tableSize),
		hostUsed: make(map[[4]byte]int64),
	}
}

// Insert buffers one IPv4 fragment. offset and payload are relative to the
// start of the reassembled datagram (i.e. offset excludes the IP header).
// isLast is true for the fragment with MF=0.
func (r *V4Reassembler) Insert(src, dst [4]byte, ident uint16, proto uint8, offset int, payload []byte, isLast bool, now time.Time) (Result, []byte) {
	r.evictExpired(now)

	key := fragKeyV4{src: src, dst: dst, ident: ident, proto: proto}
	p, exists := r.partials[key]
	if !exists {
		p = &partialV4{key: key, hostKey: src, firstSeen: now}
	}

	end := offset + len(payload)
	// The caps bound the buffer span, not the payload bytes: a high-offset
	// fragment arriving first allocates the whole span up front, so that is
	// what must be reserved.
	if growth := int64(end - len(p.buf)); growth > 0 {
		if !r.reserve(src, growth, p) {
			return Drop, nil
		}
	}
	if !exists {
		r.partials[key] = p
	}

	p.lastSeen = now
	if end > len(p.buf) {
		grown := growBuffer(p.buf, end)
		growth := int64(len(grown) - len(p.buf))
		r.totalUsed += growth
		r.hostUsed[p.hostKey] += growth
		p.allocBytes += growth
		p.buf = grown
	}
	copy(p.buf[offset:end], payload)
	p.ranges = mergeRange(p.ranges, offset, end)

	if isLast {
		p.haveLast = true
		p.total = end
	}

	if p.haveLast && isFullyContiguous(p.ranges, p.total) {
		out := p.buf[:p.total]
		r.release(p)
		return Complete, out
	}
	return Held, nil
}

// reserve charges need bytes against the per-host and global caps,
// evicting the oldest partials (host-local first, then global) until
// there's room. keep is the partial being written to; it is never chosen
// for eviction. Returns false if there's still no room after eviction.
func (r *V4Reassembler) reserve(host [4]byte, need int64, keep *partialV4) bool {
	for r.hostUsed[host]+need > r.limits.PerHostMemory {
		if !r.evictOldestForHost(host, keep) {
			break
		}
	}
	if r.hostUsed[host]+need > r.limits.PerHostMemory {
		return false
	}

	for r.totalUsed+need > r.limits.TotalMemory {
		if !r.evictOldestGlobal(keep) {
			break
		}
	}
	return r.totalUsed+need <= r.limits.TotalMemory
}

func (r *V4Reassembler) evictOldestForHost(host [4]byte, keep *partialV4) bool {
	var oldest *partialV4
	for _, p := range r.partials {
		if p == keep || p.hostKey != host {
			continue
		}
		if oldest == nil || p.firstSeen.Before(oldest.firstSeen) {
			oldest = p
		}
	}
	if oldest == nil {
		return false
	}
	r.release(oldest)
	return true
}

func (r *V4Reassembler) evictOldestGlobal(keep *partialV4) bool {
	var oldest *partialV4
	for _, p := range r.partials {
		if p == keep {
			continue
		}
		if oldest == nil || p.firstSeen.Before(oldest.firstSeen) {
			oldest = p
		}
	}
	if oldest == nil {
		return false
	}
	r.release(oldest)
	return true
}

// release frees a partial's accounting and removes it from the table.
func (r *V4Reassembler) release(p *partialV4) {
	r.totalUsed -= p.allocBytes
	r.hostUsed[p.hostKey] -= p.allocBytes
	if r.hostUsed[p.hostKey] <= 0 {
		delete(r.hostUsed, p.hostKey)
	}
	delete(r.partials, p.key)
	p.buf = nil
}

// Tick evicts any partial whose first or last fragment is older than the
// configured timeout. Safe to call on every packet (lazy eviction) or on a
// separate timer. Eviction is always driven by the caller-supplied now,
// never an internal wall-clock read.
func (r *V4Reassembler) Tick(now time.Time) {
	r.evictExpired(now)
}

// SetLimits replaces the memory/timeout policy. Existing partials are not
// re-evaluated until the next insertion or Tick.
func (r *V4Reassembler) SetLimits(limits Limits) {
	r.limits = limits
}

func (r *V4Reassembler) evictExpired(now time.Time) {
	if r.limits.Timeout <= 0 {
		return
	}
	for _, p := range r.partials {
		if now.Sub(p.firstSeen) > r.limits.Timeout || now.Sub(p.lastSeen) > r.limits.Timeout {
			r.release(p)
		}
	}
}

// TotalBytes reports the bytes currently charged against the global cap.
func (r *V4Reassembler) TotalBytes() int64 { return r.totalUsed }

// HostBytes reports the bytes currently charged against one host's cap.
func (r *V4Reassembler) HostBytes(host [4]byte) int64 { return r.hostUsed[host] }
