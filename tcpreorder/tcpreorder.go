// Package tcpreorder implements per-flow TCP segment reordering and
// connection-state tracking. One Connection tracks both directions of a
// flow: each side keeps the next sequence number it expects in order plus
// a bounded buffer of segments that arrived ahead of it, and SYN/FIN/RST
// observations drive the connection lifecycle. A light mode skips all
// buffering and only watches for termination.
package tcpreorder

import (
	"time"

	"github.com/clearflow/dpi/status"
)

// State is the per-connection lifecycle position.
type State int

const (
	Closed State = iota
	SynSent
	Established
	FinWait
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case SynSent:
		return "SYN_SENT"
	case Established:
		return "ESTABLISHED"
	case FinWait:
		return "FIN_WAIT"
	default:
		return "UNKNOWN"
	}
}

// Flags carries the TCP control bits relevant to state tracking.
type Flags struct {
	SYN bool
	ACK bool
	FIN bool
	RST bool
}

type segment struct {
	seq  uint32
	data []byte
}

// direction holds one side's state: its own lifecycle position, whether
// it has sent a FIN, the next sequence number expected in order, and a
// bounded buffer of segments that arrived ahead of it.
type direction struct {
	state   State
	finSeen bool

	expectedSeq  uint32
	haveExpected bool
	buffered     []segment
	bufferedLen  int
}

// observe advances this side's state machine from the flags of a segment
// it sent.
func (d *direction) observe(flags Flags, hasPayload bool) {
	if flags.RST {
		return
	}
	switch d.state {
	case Closed:
		if flags.SYN {
			d.state = SynSent
		} else {
			// A capture that starts mid-stream never sees the handshake;
			// the first segment implies an established connection.
			d.state = Established
		}
	case SynSent:
		if flags.ACK || hasPayload {
			d.state = Established
		}
	}
	if flags.FIN {
		d.finSeen = true
		if d.state != Closed {
			d.state = FinWait
		}
	}
}

// ingest folds one segment into the direction's state. It returns the
// contiguous run of newly-available bytes (possibly empty) starting at the
// point this segment filled, plus the status describing what happened.
func (d *direction) ingest(seq uint32, payload []byte, maxBuffered int) ([]byte, status.Code) {
	if len(payload) == 0 {
		return nil, status.OK
	}
	if !d.haveExpected {
		d.expectedSeq = seq
		d.haveExpected = true
	}

	diff := int32(seq - d.expectedSeq)
	switch {
	case diff == 0:
		out := append([]byte(nil), payload...)
		d.expectedSeq += uint32(len(payload))
		out = append(out, d.drainContiguous()...)
		return out, status.OK

	case diff < 0:
		// Fully or partially-seen data (retransmission). Only bytes past
		// what's already been delivered count as new.
		overlap := int(-diff)
		if overlap >= len(payload) {
			return nil, status.OK
		}
		fresh := payload[overlap:]
		out := append([]byte(nil), fresh...)
		d.expectedSeq += uint32(len(fresh))
		out = append(out, d.drainContiguous()...)
		return out, status.OK

	default:
		if d.bufferedLen+len(payload) > maxBuffered {
			// Out-of-order segment can't be held; the gap it would have
			// filled stays open.
			return nil, status.TCPOutOfOrder
		}
		d.buffered = append(d.buffered, segment{seq: seq, data: append([]byte(nil), payload...)})
		d.bufferedLen += len(payload)
		return nil, status.TCPOutOfOrder
	}
}

// drainContiguous repeatedly pulls any buffered segment whose sequence
// number is exactly the next expected one, producing the longest
// contiguous run now available.
func (d *direction) drainContiguous() []byte {
	var out []byte
	for {
		found := -1
		for i, s := range d.buffered {
			if s.seq == d.expectedSeq {
				found = i
				break
			}
		}
		if found < 0 {
			return out
		}
		s := d.buffered[found]
		out = append(out, s.data...)
		d.expectedSeq += uint32(len(s.data))
		d.bufferedLen -= len(s.data)
		d.buffered = append(d.buffered[:found], d.buffered[found+1:]...)
	}
}

// Connection is the per-flow tracking state. One Connection is created per
// flow and stored in the flow's flowtable.FlowRecord.Tracking. Each
// direction runs its own state machine; the connection is terminated only
// once both sides have closed.
type Connection struct {
	light bool

	maxBufferedPerDirection int
	fwd, rev                direction

	lastActivity time.Time
}

// NewConnection creates tracking state for one flow. light enables
// "light tracking": flags and state transitions only, no segment
// buffering or rebuild, for callers that don't need reordered bytes.
func NewConnection(light bool, maxBufferedPerDirection int) *Connection {
	return &Connection{light: light, maxBufferedPerDirection: maxBufferedPerDirection}
}

// State summarizes the two per-direction machines into one connection
// lifecycle position.
func (c *Connection) State() State {
	switch {
	case c.fwd.state == Closed && c.rev.state == Closed:
		return Closed
	case c.fwd.state == FinWait || c.rev.state == FinWait:
		return FinWait
	case c.fwd.state == Established || c.rev.state == Established,
		c.fwd.state != Closed && c.rev.state != Closed:
		return Established
	default:
		return SynSent
	}
}

// Track folds one TCP segment into the connection's state. forward
// selects which of the two per-direction state machines and reorder
// buffers the segment belongs to (see flowtable.NewFlowKey). It returns
// the contiguous rebuilt payload available as of this segment (nil if
// none), and the status to report for this packet: status.TCPOutOfOrder
// if the segment was buffered rather than delivered,
// status.TCPConnectionTerminated if this segment closes the connection,
// status.OK otherwise.
func (c *Connection) Track(forward bool, seq uint32, flags Flags, payload []byte, now time.Time) ([]byte, status.Code) {
	c.lastActivity = now
	dir, peer := &c.rev, &c.fwd
	if forward {
		dir, peer = &c.fwd, &c.rev
	}
	dir.observe(flags, len(payload) > 0)

	// An RST tears down both sides at once; otherwise the connection
	// terminates only on the FIN that closes the second direction. A
	// retransmitted FIN on one side never terminates on its own.
	terminated := false
	if flags.RST {
		c.fwd.state, c.rev.state = Closed, Closed
		terminated = true
	} else if flags.FIN && dir.finSeen && peer.finSeen &&
		dir.state == FinWait && peer.state == FinWait {
		c.fwd.state, c.rev.state = Closed, Closed
		terminated = true
	}

	if c.light {
		if terminated {
			return nil, status.TCPConnectionTerminated
		}
		return nil, status.OK
	}

	if flags.SYN && !dir.haveExpected {
		// The SYN itself consumes one sequence number; data starts at
		// seq+1 regardless of whether this segment also carries a payload.
		dir.expectedSeq = seq + 1
		dir.haveExpected = true
	}
	rebuilt, code := dir.ingest(seq, payload, c.maxBufferedPerDirection)

	if terminated {
		return rebuilt, status.TCPConnectionTerminated
	}
	return rebuilt, code
}

// Idle reports whether the connection has seen no activity since before
// cutoff, for callers that want to age out stale tracking state; the flow
// table itself never ages out flows.
func (c *Connection) Idle(cutoff time.Time) bool {
	return c.lastActivity.Before(cutoff)
}
