// Package flowtable implements the partitioned flow table: a fixed number
// of independent partitions, each a plain map with no internal locking.
// The concurrency model is single-writer-per-partition -- callers must
// ensure that every packet belonging to a given flow is always processed
// by the same worker, and that each worker only ever touches the
// partitions it owns (selected via PartitionIndex). The table itself
// performs no synchronization; correctness depends entirely on that
// external discipline.
package flowtable

import (
	"encoding/binary"
	"time"

	"github.com/OneOfOne/xxhash"

	"github.com/clearflow/dpi/bitset"
	"github.com/clearflow/dpi/protoid"
	"github.com/clearflow/dpi/status"
)

// FlowKey is a direction-normalized 5-tuple: the two endpoints are ordered
// so that packets in either direction of the same flow produce an
// identical key. IPv4 addresses are stored in their IPv4-in-IPv6 form so a
// single struct shape covers both families.
type FlowKey struct {
	L4    protoid.L4Proto
	AAddr [16]byte
	APort uint16
	BAddr [16]byte
	BPort uint16
}

// NewFlowKey builds a normalized FlowKey from one packet's actual
// (unordered) source/destination. It also reports whether the packet is
// traveling in the "forward" direction, i.e. src == the key's A endpoint --
// callers (tcpreorder in particular) need this to route the segment to the
// correct per-direction state.
func NewFlowKey(l4 protoid.L4Proto, srcAddr [16]byte, srcPort uint16, dstAddr [16]byte, dstPort uint16) (key FlowKey, forward bool) {
	if lessEndpoint(srcAddr, srcPort, dstAddr, dstPort) {
		return FlowKey{L4: l4, AAddr: srcAddr, APort: srcPort, BAddr: dstAddr, BPort: dstPort}, true
	}
	return FlowKey{L4: l4, AAddr: dstAddr, APort: dstPort, BAddr: srcAddr, BPort: srcPort}, false
}

func lessEndpoint(aAddr [16]byte, aPort uint16, bAddr [16]byte, bPort uint16) bool {
	for i := range aAddr {
		if aAddr[i] != bAddr[i] {
			return aAddr[i] < bAddr[i]
		}
	}
	return aPort <= bPort
}

func (k FlowKey) hash() uint64 {
	var buf [37]byte
	copy(buf[0:16], k.AAddr[:])
	binary.BigEndian.PutUint16(buf[16:18], k.APort)
	copy(buf[18:34], k.BAddr[:])
	binary.BigEndian.PutUint16(buf[34:36], k.BPort)
	buf[36] = byte(k.L4)
	h := xxhash.New64()
	h.Write(buf[:])
	return h.Sum64()
}

// CleanupFunc is invoked exactly once when a flow is removed from the
// table, whether by explicit Delete or by Shutdown.
type CleanupFunc func(*FlowRecord)

// FlowRecord is the per-flow state the classification engine and TCP
// reordering layer accumulate. Its fields are only safe to touch from the
// single worker that owns the record's partition.
type FlowRecord struct {
	Key FlowKey

	CandidateSet         *bitset.Set
	Trials               int
	Classified           protoid.ID
	TCPReorderingEnabled bool

	// Tracking holds the tcpreorder per-flow state; flowtable does not
	// know its shape, only that it belongs to exactly one flow.
	Tracking interface{}
	// DissectorState holds each dissector's opaque per-flow state, keyed
	// by protocol id so concurrent candidates never see (or clobber) one
	// another's state. Allocated lazily by the classification engine.
	DissectorState map[protoid.ID]interface{}
	// LastRebuiltTCPData is the most recently rebuilt contiguous run of
	// TCP payload, kept until the next packet that delivers payload on
	// this flow replaces it, or until the flow is deleted.
	LastRebuiltTCPData []byte

	// UserData is an opaque value owned by the embedding application, set
	// from its callbacks and handed back on eviction.
	UserData interface{}

	FirstSeen time.Time
	LastSeen  time.Time

	freed bool
}

type partition struct {
	flows map[FlowKey]*FlowRecord
}

// Table is a fixed set of unlocked partitions.
type Table struct {
	partitions    []*partition
	maxFlows      int // total cap across all partitions
	perPartition  int
	cleanup       CleanupFunc
	numPartitions int
}

// New creates a table with the given partition count and a total live-flow
// cap split evenly across partitions. When a partition is at its share of
// the cap, creation is refused rather than evicting an older flow, so the
// effective cap can undershoot maxFlows by up to numPartitions-1 -- an
// accepted rounding. Each partition admits at least one flow, so when
// maxFlows is below numPartitions the effective cap is numPartitions.
// sizeHint pre-sizes each partition's map and may be zero.
func New(numPartitions, maxFlows, sizeHint int, cleanup CleanupFunc) *Table {
	if numPartitions < 1 {
		numPartitions = 1
	}
	t := &Table{
		partitions:    make([]*partition, numPartitions),
		maxFlows:      maxFlows,
		perPartition:  maxFlows / numPartitions,
		cleanup:       cleanup,
		numPartitions: numPartitions,
	}
	perPartitionHint := sizeHint / numPartitions
	for i := range t.partitions {
		t.partitions[i] = &partition{flows: make(map[FlowKey]*FlowRecord, perPartitionHint)}
	}
	if t.perPartition < 1 {
		t.perPartition = 1
	}
	return t
}

// PartitionIndex returns which partition a key belongs to. Workers must
// use this (not their own hashing) to decide which keys they own.
func (t *Table) PartitionIndex(key FlowKey) int {
	return int(key.hash() % uint64(t.numPartitions))
}

// FindOrCreate returns the existing flow for key, or creates one if the
// owning partition is under its cap. newCandidates is only used when
// creating a new record.
func (t *Table) FindOrCreate(key FlowKey, now time.Time, newCandidates *bitset.Set) (*FlowRecord, bool, status.Code) {
	p := t.partitions[t.PartitionIndex(key)]
	if rec, ok := p.flows[key]; ok {
		rec.LastSeen = now
		return rec, false, status.OK
	}
	if len(p.flows) >= t.perPartition {
		return nil, false, status.MaxFlows
	}
	rec := &FlowRecord{
		Key:          key,
		CandidateSet: newCandidates,
		FirstSeen:    now,
		LastSeen:     now,
	}
	p.flows[key] = rec
	return rec, true, status.OK
}

// Lookup returns the existing flow for key without creating one.
func (t *Table) Lookup(key FlowKey) (*FlowRecord, bool) {
	p := t.partitions[t.PartitionIndex(key)]
	rec, ok := p.flows[key]
	return rec, ok
}

// Delete removes a flow and runs the cleanup callback exactly once. It is
// safe to call Delete more than once for the same key; only the first call
// that actually finds the record invokes cleanup.
func (t *Table) Delete(key FlowKey) {
	p := t.partitions[t.PartitionIndex(key)]
	rec, ok := p.flows[key]
	if !ok {
		return
	}
	delete(p.flows, key)
	t.runCleanupOnce(rec)
}

func (t *Table) runCleanupOnce(rec *FlowRecord) {
	if rec.freed {
		return
	}
	rec.freed = true
	if t.cleanup != nil {
		t.cleanup(rec)
	}
}

// Shutdown removes every flow from every partition, running the cleanup
// callback exactly once per flow.
func (t *Table) Shutdown() {
	for _, p := range t.partitions {
		for key, rec := range p.flows {
			delete(p.flows, key)
			t.runCleanupOnce(rec)
		}
	}
}

// Len reports the total number of live flows across all partitions.
func (t *Table) Len() int {
	n := 0
	for _, p := range t.partitions {
		n += len(p.flows)
	}
	return n
}
