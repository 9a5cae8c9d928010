// Package dpi wires the header, fragment, flowtable, tcpreorder and
// classify packages into a single stateful deep-packet-inspection engine:
// one Engine holds the fragment reassemblers and flow tables for both IP
// versions, the classification engine, and the configuration surface, and
// GetProtocol is the single call a caller needs to hand it a packet.
package dpi

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clearflow/dpi/bitset"
	"github.com/clearflow/dpi/classify"
	"github.com/clearflow/dpi/config"
	"github.com/clearflow/dpi/flowtable"
	"github.com/clearflow/dpi/fragment"
	"github.com/clearflow/dpi/header"
	"github.com/clearflow/dpi/logging"
	"github.com/clearflow/dpi/protoid"
	"github.com/clearflow/dpi/status"
	"github.com/clearflow/dpi/tcpreorder"
)

// Accuracy is the inspection-thoroughness hint a dissector may read back
// through Engine.Accuracy. The core never interprets it itself.
type Accuracy int

const (
	AccuracyLow Accuracy = iota
	AccuracyMedium
	AccuracyHigh
)

// Result is what one GetProtocol/StatefulGetAppProtocol call reports back.
type Result struct {
	L4     protoid.L4Proto
	L7     protoid.ID
	Status status.Code
	Fields map[string]string
	// UserData is the flow's application-owned value, as last set by a
	// callback. Valid even when this packet terminated the flow.
	UserData interface{}
}

type tracking struct {
	conn *tcpreorder.Connection
}

// Engine is the single entry point into the DPI pipeline. Packet
// processing is safe for concurrent use only under the
// single-writer-per-partition discipline flowtable.Table documents, and
// only for unfragmented traffic: the Engine holds a single fragment
// reassembler per IP version, which has no locking and is not
// partitioned. Configuration mutators take a mutex and must all run
// before packet processing begins.
type Engine struct {
	mu sync.Mutex

	id  uuid.UUID
	cfg config.Defaults

	v4reasm  *fragment.V4Reassembler
	v6reasm  *fragment.V6Reassembler
	v4frag   bool
	v6frag   bool
	v4limits fragment.Limits
	v6limits fragment.Limits

	v4flows *flowtable.Table
	v6flows *flowtable.Table

	classifier *classify.Engine

	enabled              *bitset.Set
	tcpReorderingEnabled bool
	tcpMaxBuffered       int

	skipL7   map[protoid.SkipKey]protoid.ID
	accuracy [protoid.NumProtocols]Accuracy

	cleanup flowtable.CleanupFunc

	log logging.P
}

// Init creates an Engine with explicit sizing: flow-table size hints and
// live-flow caps for each IP version, plus the partition count. Zero for
// any argument falls back to the environment-backed default.
func Init(sizeV4, sizeV6, maxFlowsV4, maxFlowsV6, numPartitions int) *Engine {
	cfg := config.Load()
	if numPartitions > 0 {
		cfg.NumPartitions = numPartitions
	}
	if maxFlowsV4 > 0 {
		cfg.MaxFlowsV4 = maxFlowsV4
	}
	if maxFlowsV6 > 0 {
		cfg.MaxFlowsV6 = maxFlowsV6
	}
	if sizeV4 > 0 {
		cfg.SizeV4 = sizeV4
	}
	if sizeV6 > 0 {
		cfg.SizeV6 = sizeV6
	}
	return New(cfg)
}

// New creates an Engine from an explicit configuration (normally
// config.Load() with any overrides applied).
func New(cfg config.Defaults) *Engine {
	limits := fragment.Limits{
		PerHostMemory: cfg.FragmentPerHostMemoryLimit,
		TotalMemory:   cfg.FragmentTotalMemoryLimit,
		Timeout:       time.Duration(cfg.FragmentReassemblyTimeout) * time.Second,
	}
	e := &Engine{
		id:                   uuid.New(),
		cfg:                  cfg,
		enabled:              classify.DefaultCandidateSet(),
		tcpReorderingEnabled: true,
		tcpMaxBuffered:       cfg.TCPReorderMaxBufferedPerFlow,
		v4frag:               true,
		v6frag:               true,
		v4limits:             limits,
		v6limits:             limits,
		skipL7:               make(map[protoid.SkipKey]protoid.ID),
		log:                  logging.Stderr,
	}
	e.classifier = classify.NewEngine(cfg.MaxTrials)
	e.v4reasm = fragment.NewV4Reassembler(cfg.SizeV4, e.v4limits)
	e.v6reasm = fragment.NewV6Reassembler(cfg.SizeV6, e.v6limits)
	e.v4flows = flowtable.New(cfg.NumPartitions, cfg.MaxFlowsV4, cfg.SizeV4, e.onFlowDeleted)
	e.v6flows = flowtable.New(cfg.NumPartitions, cfg.MaxFlowsV6, cfg.SizeV6, e.onFlowDeleted)
	e.log.Debugf("dpi engine %s: %d partitions, %d/%d max flows\n",
		e.id, cfg.NumPartitions, cfg.MaxFlowsV4, cfg.MaxFlowsV6)
	return e
}

// RegisterDissector adds a protocol dissector to the classification
// engine. Call this during setup, before processing any packets.
func (e *Engine) RegisterDissector(d classify.Dissector) error {
	return e.classifier.Register(d)
}

// RegisterCallback installs a per-protocol hook run on every
// payload-carrying packet of flows already classified as id.
func (e *Engine) RegisterCallback(id protoid.ID, fn classify.CallbackFunc) status.Code {
	if err := e.classifier.RegisterCallback(id, fn); err != nil {
		return status.StateUpdateFailure
	}
	return status.OK
}

// Shutdown releases every tracked flow, running the cleanup callback
// exactly once per flow.
func (e *Engine) Shutdown() {
	e.v4flows.Shutdown()
	e.v6flows.Shutdown()
}

func (e *Engine) onFlowDeleted(rec *flowtable.FlowRecord) {
	if e.cleanup != nil {
		e.cleanup(rec)
	}
}

// --- configuration surface ---

// SetMaxTrials bounds how many packets the classifier spends trying to
// disambiguate a flow before giving up. Zero means unlimited.
func (e *Engine) SetMaxTrials(n int) status.Code {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n < 0 {
		return status.StateUpdateFailure
	}
	e.classifier.SetMaxTrials(n)
	return status.OK
}

// EnableProtocol adds id to the set of protocols new flows consider.
func (e *Engine) EnableProtocol(id protoid.ID) status.Code {
	e.mu.Lock()
	defer e.mu.Unlock()
	if int(id) >= protoid.NumProtocols || id <= protoid.Unknown {
		return status.StateUpdateFailure
	}
	e.enabled.Set(int(id))
	return status.OK
}

// DisableProtocol removes id from the set of protocols new flows
// consider. Disabling an already-disabled protocol is a no-op; the active
// count is always derived from the set itself, so repeated calls cannot
// drift it.
func (e *Engine) DisableProtocol(id protoid.ID) status.Code {
	e.mu.Lock()
	defer e.mu.Unlock()
	if int(id) >= protoid.NumProtocols || id <= protoid.Unknown {
		return status.StateUpdateFailure
	}
	e.enabled.Clear(int(id))
	return status.OK
}

// ActiveProtocols reports how many protocols are currently enabled.
func (e *Engine) ActiveProtocols() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enabled.Popcount()
}

// InspectAll enables every known protocol for flows created from now on
// (the default).
func (e *Engine) InspectAll() status.Code {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.enabled = classify.DefaultCandidateSet()
	return status.OK
}

// InspectNothing disables classification entirely for newly created
// flows: they start with an empty candidate set, so no dissector runs and
// the first payload-carrying packet marks the flow Unknown. Existing flows
// are unaffected.
func (e *Engine) InspectNothing() status.Code {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.enabled = bitset.New(protoid.NumProtocols)
	return status.OK
}

// IPv4FragmentationEnable (re)enables IPv4 reassembly with a fresh table
// sized for tableSize concurrent partial datagrams.
func (e *Engine) IPv4FragmentationEnable(tableSize int) status.Code {
	e.mu.Lock()
	defer e.mu.Unlock()
	if tableSize < 0 {
		return status.StateUpdateFailure
	}
	e.v4reasm = fragment.NewV4Reassembler(tableSize, e.v4limits)
	e.v4frag = true
	return status.OK
}

// IPv4FragmentationDisable turns off IPv4 reassembly; fragments are
// reported as IP_FRAGMENT and otherwise ignored.
func (e *Engine) IPv4FragmentationDisable() status.Code {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.v4frag = false
	return status.OK
}

// IPv4FragmentationSetPerHostMemoryLimit caps the bytes buffered for
// partial datagrams from any single source host.
func (e *Engine) IPv4FragmentationSetPerHostMemoryLimit(n int64) status.Code {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n <= 0 {
		return status.StateUpdateFailure
	}
	e.v4limits.PerHostMemory = n
	e.v4reasm.SetLimits(e.v4limits)
	return status.OK
}

// IPv4FragmentationSetTotalMemoryLimit caps the total bytes buffered
// across all IPv4 partial datagrams.
func (e *Engine) IPv4FragmentationSetTotalMemoryLimit(n int64) status.Code {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n <= 0 {
		return status.StateUpdateFailure
	}
	e.v4limits.TotalMemory = n
	e.v4reasm.SetLimits(e.v4limits)
	return status.OK
}

// IPv4FragmentationSetReassemblyTimeout caps the gap between a partial
// datagram's first fragment and completion.
func (e *Engine) IPv4FragmentationSetReassemblyTimeout(d time.Duration) status.Code {
	e.mu.Lock()
	defer e.mu.Unlock()
	if d <= 0 {
		return status.StateUpdateFailure
	}
	e.v4limits.Timeout = d
	e.v4reasm.SetLimits(e.v4limits)
	return status.OK
}

// IPv6FragmentationEnable (re)enables IPv6 reassembly with a fresh table
// sized for tableSize concurrent partial datagrams.
func (e *Engine) IPv6FragmentationEnable(tableSize int) status.Code {
	e.mu.Lock()
	defer e.mu.Unlock()
	if tableSize < 0 {
		return status.StateUpdateFailure
	}
	e.v6reasm = fragment.NewV6Reassembler(tableSize, e.v6limits)
	e.v6frag = true
	return status.OK
}

// IPv6FragmentationDisable turns off IPv6 reassembly.
func (e *Engine) IPv6FragmentationDisable() status.Code {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.v6frag = false
	return status.OK
}

// IPv6FragmentationSetPerHostMemoryLimit caps the bytes buffered for
// partial datagrams from any single source host.
func (e *Engine) IPv6FragmentationSetPerHostMemoryLimit(n int64) status.Code {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n <= 0 {
		return status.StateUpdateFailure
	}
	e.v6limits.PerHostMemory = n
	e.v6reasm.SetLimits(e.v6limits)
	return status.OK
}

// IPv6FragmentationSetTotalMemoryLimit caps the total bytes buffered
// across all IPv6 partial datagrams.
func (e *Engine) IPv6FragmentationSetTotalMemoryLimit(n int64) status.Code {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n <= 0 {
		return status.StateUpdateFailure
	}
	e.v6limits.TotalMemory = n
	e.v6reasm.SetLimits(e.v6limits)
	return status.OK
}

// IPv6FragmentationSetReassemblyTimeout caps the gap between a partial
// datagram's first fragment and completion.
func (e *Engine) IPv6FragmentationSetReassemblyTimeout(d time.Duration) status.Code {
	e.mu.Lock()
	defer e.mu.Unlock()
	if d <= 0 {
		return status.StateUpdateFailure
	}
	e.v6limits.Timeout = d
	e.v6reasm.SetLimits(e.v6limits)
	return status.OK
}

// TCPReorderingEnable turns on in-order rebuild of TCP payload for new
// connections (the default).
func (e *Engine) TCPReorderingEnable() status.Code {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tcpReorderingEnabled = true
	return status.OK
}

// TCPReorderingDisable switches new connections to light tracking: state
// transitions and termination detection only, no buffering or rebuild.
func (e *Engine) TCPReorderingDisable() status.Code {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tcpReorderingEnabled = false
	return status.OK
}

// SkipL7ParsingByPort installs an override: any flow whose transport and
// (source or destination) port match key is stamped with protocol without
// ever running a dissector.
func (e *Engine) SkipL7ParsingByPort(key protoid.SkipKey, protocol protoid.ID) status.Code {
	e.mu.Lock()
	defer e.mu.Unlock()
	if int(protocol) >= protoid.NumProtocols {
		return status.StateUpdateFailure
	}
	e.skipL7[key] = protocol
	return status.OK
}

// SetFlowCleanerCallback installs the function invoked exactly once when a
// flow is evicted from either flow table.
func (e *Engine) SetFlowCleanerCallback(cb flowtable.CleanupFunc) status.Code {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cleanup = cb
	return status.OK
}

// SetProtocolAccuracy records the inspection-thoroughness hint for a
// protocol id; dissectors read it back through Accuracy.
func (e *Engine) SetProtocolAccuracy(id protoid.ID, acc Accuracy) status.Code {
	e.mu.Lock()
	defer e.mu.Unlock()
	if int(id) >= protoid.NumProtocols || acc < AccuracyLow || acc > AccuracyHigh {
		return status.StateUpdateFailure
	}
	e.accuracy[id] = acc
	return status.OK
}

// Accuracy reports the configured accuracy hint for id.
func (e *Engine) Accuracy(id protoid.ID) Accuracy {
	if int(id) >= protoid.NumProtocols {
		return AccuracyMedium
	}
	return e.accuracy[id]
}

// ProtocolFieldAdd enables extraction of the named field for id.
func (e *Engine) ProtocolFieldAdd(id protoid.ID, field string) status.Code {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.classifier.FieldAdd(id, field); err != nil {
		return status.StateUpdateFailure
	}
	return status.OK
}

// ProtocolFieldRemove disables extraction of the named field for id.
func (e *Engine) ProtocolFieldRemove(id protoid.ID, field string) status.Code {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.classifier.FieldRemove(id, field); err != nil {
		return status.StateUpdateFailure
	}
	return status.OK
}

// ProtocolFieldRequired marks the named field as required for id,
// implying ProtocolFieldAdd.
func (e *Engine) ProtocolFieldRequired(id protoid.ID, field string) status.Code {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.classifier.FieldRequired(id, field); err != nil {
		return status.StateUpdateFailure
	}
	return status.OK
}

// CallbacksFieldsSetUserData installs the opaque value passed to every
// field-extraction and per-protocol callback invocation.
func (e *Engine) CallbacksFieldsSetUserData(udata interface{}) status.Code {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.classifier.SetFieldsUserData(udata)
	return status.OK
}

// --- entry points ---

// GuessProtocol looks only at well-known ports, doing no stateful
// inspection. It never creates or touches flow state.
func GuessProtocol(l4 protoid.L4Proto, srcPort, dstPort uint16) protoid.ID {
	return protoid.GuessProtocol(l4, srcPort, dstPort)
}

// ParseL3L4 runs just the header parser, with this Engine's configured
// fragment reassemblers.
func (e *Engine) ParseL3L4(buf []byte, captureLen int, now time.Time) (header.PacketInfo, status.Code) {
	opts := header.Options{}
	if e.v4frag {
		opts.FragmentV4 = e.v4reasm
	}
	if e.v6frag {
		opts.FragmentV6 = e.v6reasm
	}
	return header.Parse(buf, captureLen, now, opts)
}

// GetProtocol is the primary entry point: parse the datagram, apply any
// L7-skip override, and otherwise hand off to stateful classification.
// When the returned status is IPLastFragment, this packet completed a
// reassembly and the result describes the reassembled datagram; Result
// does not carry the reassembled buffer itself (ParseL3L4 returns it in
// PacketInfo.Data, with Owned set).
func (e *Engine) GetProtocol(buf []byte, captureLen int, now time.Time) Result {
	pi, st := e.ParseL3L4(buf, captureLen, now)
	res := Result{L4: pi.L4Proto, Status: st}
	if st == status.IPFragment || st.IsError() {
		return res
	}

	if skipped, ok := e.lookupSkip(pi.L4Proto, pi.DstPort, pi.SrcPort); ok {
		res.L7 = skipped
		return res
	}

	if pi.L4Proto != protoid.L4TCP && pi.L4Proto != protoid.L4UDP {
		return res
	}

	res = e.StatefulGetAppProtocol(pi, now)
	if st == status.IPLastFragment && res.Status == status.OK {
		res.Status = status.IPLastFragment
	}
	return res
}

func (e *Engine) lookupSkip(l4 protoid.L4Proto, dstPort, srcPort uint16) (protoid.ID, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if id, ok := e.skipL7[protoid.SkipKey{L4: l4, Port: dstPort}]; ok {
		return id, true
	}
	if id, ok := e.skipL7[protoid.SkipKey{L4: l4, Port: srcPort}]; ok {
		return id, true
	}
	return protoid.NotDetermined, false
}

// StatefulGetAppProtocol finds or creates the flow for pi and runs
// classification on it, deleting the flow immediately (after copying its
// result fields into the caller-owned Result) if this packet terminated
// the connection. This ordering -- extract fields, then evict -- is what
// keeps the result from ever referencing freed tracking state.
func (e *Engine) StatefulGetAppProtocol(pi header.PacketInfo, now time.Time) Result {
	res := Result{L4: pi.L4Proto}

	key, forward := flowKeyFor(pi)

	table := e.v4flows
	if pi.IPVersion == 6 {
		table = e.v6flows
	}

	e.mu.Lock()
	candidates := e.enabled.Clone()
	reordering := e.tcpReorderingEnabled
	e.mu.Unlock()

	rec, created, st := table.FindOrCreate(key, now, candidates)
	if st != status.OK {
		res.Status = st
		res.L7 = protoid.Unknown
		return res
	}
	if created {
		rec.TCPReorderingEnabled = reordering
	}

	out := e.classifyPacket(rec, forward, pi, now)
	res.L7 = out.L7
	res.Status = out.Status
	res.Fields = out.Fields
	res.UserData = rec.UserData

	if out.Status == status.TCPConnectionTerminated {
		table.Delete(key)
	}
	return res
}

// StatelessGetAppProtocol classifies one packet against a caller-managed
// flow record. The caller must have run InitFlowInfos on rec before its
// first packet and is responsible for routing every packet of the flow,
// in both directions, through the same record.
func (e *Engine) StatelessGetAppProtocol(rec *flowtable.FlowRecord, pi header.PacketInfo) Result {
	_, forward := flowKeyFor(pi)
	out := e.classifyPacket(rec, forward, pi, pi.Timestamp)
	return Result{
		L4:       pi.L4Proto,
		L7:       out.L7,
		Status:   out.Status,
		Fields:   out.Fields,
		UserData: rec.UserData,
	}
}

// InitFlowInfos prepares a caller-managed flow record for
// StatelessGetAppProtocol, snapshotting the currently enabled protocol
// set and TCP-reordering mode.
func (e *Engine) InitFlowInfos(rec *flowtable.FlowRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec.CandidateSet = e.enabled.Clone()
	rec.TCPReorderingEnabled = e.tcpReorderingEnabled
	rec.Classified = protoid.NotDetermined
	rec.DissectorState = nil
	rec.Trials = 0
}

// classifyPacket runs the shared tail of the stateful and stateless entry
// points: lazily create TCP tracking state, then hand everything to the
// classification engine.
func (e *Engine) classifyPacket(rec *flowtable.FlowRecord, forward bool, pi header.PacketInfo, now time.Time) classify.Result {
	var conn *tcpreorder.Connection
	if pi.L4Proto == protoid.L4TCP {
		t, ok := rec.Tracking.(*tracking)
		if !ok || t == nil {
			t = &tracking{conn: tcpreorder.NewConnection(!rec.TCPReorderingEnabled, e.tcpMaxBuffered)}
			rec.Tracking = t
		}
		conn = t.conn
	}

	flags := tcpFlags(pi)
	seq := tcpSeq(pi)

	return e.classifier.Classify(rec, conn, forward, seq, flags, pi.L4Proto, pi.SrcPort, pi.DstPort, pi.Payload(), now)
}

func flowKeyFor(pi header.PacketInfo) (flowtable.FlowKey, bool) {
	var srcAddr, dstAddr [16]byte
	copy(srcAddr[:], pi.SrcIP.To16())
	copy(dstAddr[:], pi.DstIP.To16())
	return flowtable.NewFlowKey(pi.L4Proto, srcAddr, pi.SrcPort, dstAddr, pi.DstPort)
}

func tcpSeq(pi header.PacketInfo) uint32 {
	if pi.L4Proto != protoid.L4TCP || pi.Data == nil || pi.L4Offset+8 > len(pi.Data) {
		return 0
	}
	return binary.BigEndian.Uint32(pi.Data[pi.L4Offset+4 : pi.L4Offset+8])
}

func tcpFlags(pi header.PacketInfo) tcpreorder.Flags {
	if pi.L4Proto != protoid.L4TCP || pi.Data == nil || pi.L4Offset+14 > len(pi.Data) {
		return tcpreorder.Flags{}
	}
	b := pi.Data[pi.L4Offset+13]
	return tcpreorder.Flags{
		SYN: b&0x02 != 0,
		ACK: b&0x10 != 0,
		FIN: b&0x01 != 0,
		RST: b&0x04 != 0,
	}
}
