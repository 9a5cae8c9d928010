package fragment

import "time"

type fragKeyV6 struct {
	src, dst [16]byte
	ident    uint32
	proto    uint8
}

type partialV6 struct {
	key        fragKeyV6
	hostKey    [16]byte
	buf        []byte
	ranges     []byteRange
	total      int
	haveLast   bool
	firstSeen  time.Time
	lastSeen   time.Time
	allocBytes int64
}

// V6Reassembler buffers IPv6 fragments identified by the Fragment
// extension header's (src, dst, identification, next-header) tuple. Same
// policy and concurrency model as V4Reassembler.
type V6Reassembler struct {
	limits Limits

	partials  map[fragKeyV6]*partialV6
	totalUsed int64
	hostUsed  map[[16]byte]int64
}

func NewV6Reassembler(tableSize int, limits Limits) *V6Reassembler {
	return &V6Reassembler{
		limits:   limits,
		partials: make(map[fragKeyV6]*partialV6, tableSize),
		hostUsed: make(map[[16]byte]int64),
	}
}

func (r *V6Reassembler) Insert(src, dst [16]byte, ident uint32, nextHeader uint8, offset int, payload []byte, isLast bool, now time.Time) (Result, []byte) {
	r.evictExpired(now)

	key := fragKeyV6{src: src, dst: dst, ident: ident, proto: nextHeader}
	p, exists := r.partials[key]
	if !exists {
		p = &partialV6{key: key, hostKey: src, firstSeen: now}
	}

	end := offset + len(payload)
	// Reserve the buffer span this write grows to, not the payload length;
	// a high-offset fragment arriving first allocates the whole span.
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

func (r *V6Reassembler) reserve(host [16]byte, need int64, keep *partialV6) bool {
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

func (r *V6Reassembler) evictOldestForHost(host [16]byte, keep *partialV6) bool {
	var oldest *partialV6
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

func (r *V6Reassembler) evictOldestGlobal(keep *partialV6) bool {
	var oldest *partialV6
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

func (r *V6Reassembler) release(p *partialV6) {
	r.totalUsed -= p.allocBytes
	r.hostUsed[p.hostKey] -= p.allocBytes
	if r.hostUsed[p.hostKey] <= 0 {
		delete(r.hostUsed, p.hostKey)
	}
	delete(r.partials, p.key)
	p.buf = nil
}

func (r *V6Reassembler) Tick(now time.Time) {
	r.evictExpired(now)
}

// SetLimits replaces the memory/timeout policy. Existing partials are not
// re-evaluated until the next insertion or Tick.
func (r *V6Reassembler) SetLimits(limits Limits) {
	r.limits = limits
}

func (r *V6Reassembler) evictExpired(now time.Time) {
	if r.limits.Timeout <= 0 {
		return
	}
	for _, p := range r.partials {
		if now.Sub(p.firstSeen) > r.limits.Timeout || now.Sub(p.lastSeen) > r.limits.Timeout {
			r.release(p)
		}
	}
}

func (r *V6Reassembler) TotalBytes() int64 { return r.totalUsed }

func (r *V6Reassembler) HostBytes(host [16]byte) int64 { return r.hostUsed[host] }
