// Package classify implements the stateful, port-prioritized
// multi-hypothesis classification engine: for each flow, maintain a
// candidate set of still-possible L7 protocols, dispatch the payload to
// each candidate's dissector starting from the one the source port (or,
// failing that, the destination port) hints at, narrow the candidate set as dissectors reject, and commit
// to the first one that accepts -- or give up after a configurable trial
// budget. Already-classified flows skip the scan and instead feed their
// payload to the committed protocol's dissector, any registered
// per-protocol callback, and the field-extraction plumbing.
package classify

import (
	"time"

	"github.com/pkg/errors"

	"github.com/clearflow/dpi/bitset"
	"github.com/clearflow/dpi/flowtable"
	"github.com/clearflow/dpi/protoid"
	"github.com/clearflow/dpi/status"
	"github.com/clearflow/dpi/tcpreorder"
)

// DissectResult is a dissector's verdict for one trial.
type DissectResult int

const (
	NoMatch DissectResult = iota
	Matches
	NeedMoreData
)

// Dissector recognizes one L7 protocol. Dissect receives the opaque
// per-flow state the dissector itself owns (nil on the first call for a
// flow) and returns its verdict plus the (possibly newly-allocated) state
// to keep for the next packet on this flow. Dissectors requiring only a
// single payload to decide can ignore state entirely. A dissector must not
// retain the payload slice or any pointer into flow state past the call.
type Dissector interface {
	Protocol() protoid.ID
	Dissect(payload []byte, l4 protoid.L4Proto, srcPort, dstPort uint16, state interface{}) (DissectResult, interface{})
}

// FieldExtractor is implemented by dissectors that expose named fields
// extracted from a classified flow. udata is the opaque value installed
// with SetFieldsUserData. Optional: most dissectors need not implement it.
type FieldExtractor interface {
	Fields(state interface{}, udata interface{}) map[string]string
}

// CallbackFunc is a per-protocol hook invoked on every payload-carrying
// packet of a flow already classified as that protocol.
type CallbackFunc func(rec *flowtable.FlowRecord, payload []byte, udata interface{})

// DefaultCandidateSet returns a bitset with every real protocol id set
// (excluding the NotDetermined/Unknown sentinels), the starting state for
// a freshly created flow.
func DefaultCandidateSet() *bitset.Set {
	s := bitset.Full(protoid.NumProtocols)
	s.Clear(int(protoid.NotDetermined))
	s.Clear(int(protoid.Unknown))
	return s
}

// Engine holds the registered dissectors, the trial budget, the
// per-protocol callbacks and the field-extraction configuration.
type Engine struct {
	byID      [protoid.NumProtocols]Dissector
	callbacks [protoid.NumProtocols]CallbackFunc
	maxTrials int

	fieldsEnabled  [protoid.NumProtocols]map[string]bool
	fieldsRequired [protoid.NumProtocols]map[string]bool
	fieldsUserData interface{}
}

// NewEngine creates a classification engine. maxTrials is the maximum
// number of packets spent trying to disambiguate a flow before it's
// marked Unknown; zero means unlimited.
func NewEngine(maxTrials int) *Engine {
	return &Engine{maxTrials: maxTrials}
}

// SetMaxTrials replaces the trial budget. Flows already past the new
// budget give up on their next unsuccessful packet.
func (e *Engine) SetMaxTrials(n int) {
	e.maxTrials = n
}

// Register adds a dissector, keyed by its own declared protocol id.
func (e *Engine) Register(d Dissector) error {
	id := d.Protocol()
	if int(id) >= protoid.NumProtocols || id <= protoid.Unknown {
		return errors.Errorf("dissector declares unregistrable protocol id %d", id)
	}
	if e.byID[id] != nil {
		return errors.Errorf("a dissector for %s is already registered", id)
	}
	e.byID[id] = d
	return nil
}

// RegisterCallback installs fn as the hook run on every payload-carrying
// packet of flows classified as id. A nil fn removes the hook.
func (e *Engine) RegisterCallback(id protoid.ID, fn CallbackFunc) error {
	if int(id) >= protoid.NumProtocols || id <= protoid.Unknown {
		return errors.Errorf("cannot register callback for protocol id %d", id)
	}
	e.callbacks[id] = fn
	return nil
}

// FieldAdd enables extraction of the named field for id.
func (e *Engine) FieldAdd(id protoid.ID, field string) error {
	if int(id) >= protoid.NumProtocols || id <= protoid.Unknown {
		return errors.Errorf("cannot configure fields for protocol id %d", id)
	}
	if e.fieldsEnabled[id] == nil {
		e.fieldsEnabled[id] = make(map[string]bool)
	}
	e.fieldsEnabled[id][field] = true
	return nil
}

// FieldRemove disables extraction of the named field for id. Removing a
// field that was never added is a no-op.
func (e *Engine) FieldRemove(id protoid.ID, field string) error {
	if int(id) >= protoid.NumProtocols || id <= protoid.Unknown {
		return errors.Errorf("cannot configure fields for protocol id %d", id)
	}
	delete(e.fieldsEnabled[id], field)
	delete(e.fieldsRequired[id], field)
	return nil
}

// FieldRequired marks the named field as required for id, implying
// FieldAdd. The engine itself only records the requirement; dissectors
// read it to decide how hard to work for the field.
func (e *Engine) FieldRequired(id protoid.ID, field string) error {
	if err := e.FieldAdd(id, field); err != nil {
		return err
	}
	if e.fieldsRequired[id] == nil {
		e.fieldsRequired[id] = make(map[string]bool)
	}
	e.fieldsRequired[id][field] = true
	return nil
}

// FieldsEnabledFor reports whether any field extraction is configured for
// id.
func (e *Engine) FieldsEnabledFor(id protoid.ID) bool {
	return int(id) < protoid.NumProtocols && len(e.fieldsEnabled[id]) > 0
}

// SetFieldsUserData installs the opaque value handed to every
// FieldExtractor and CallbackFunc invocation.
func (e *Engine) SetFieldsUserData(udata interface{}) {
	e.fieldsUserData = udata
}

// Result is the outcome of one Classify call.
type Result struct {
	L7     protoid.ID
	L4     protoid.L4Proto
	Status status.Code
	Fields map[string]string
}

func dissectorState(rec *flowtable.FlowRecord, id protoid.ID) interface{} {
	if rec.DissectorState == nil {
		return nil
	}
	return rec.DissectorState[id]
}

func setDissectorState(rec *flowtable.FlowRecord, id protoid.ID, state interface{}) {
	if state == nil {
		delete(rec.DissectorState, id)
		return
	}
	if rec.DissectorState == nil {
		rec.DissectorState = make(map[protoid.ID]interface{}, 1)
	}
	rec.DissectorState[id] = state
}

// extractFields pulls the configured fields for id out of the dissector,
// filtered down to the enabled set.
func (e *Engine) extractFields(d Dissector, id protoid.ID, state interface{}) map[string]string {
	if !e.FieldsEnabledFor(id) {
		return nil
	}
	fe, ok := d.(FieldExtractor)
	if !ok {
		return nil
	}
	all := fe.Fields(state, e.fieldsUserData)
	if len(all) == 0 {
		return nil
	}
	out := make(map[string]string, len(all))
	for name, value := range all {
		if e.fieldsEnabled[id][name] {
			out[name] = value
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Classify processes one packet's payload against rec's candidate set (or
// its already-committed protocol), updating rec in place. conn may be nil
// for UDP flows or flows with TCP tracking disabled entirely; when non-nil
// it is consulted for sequencing and connection-lifecycle status.
func (e *Engine) Classify(
	rec *flowtable.FlowRecord,
	conn *tcpreorder.Connection,
	forward bool,
	seq uint32,
	flags tcpreorder.Flags,
	l4 protoid.L4Proto,
	srcPort, dstPort uint16,
	payload []byte,
	now time.Time,
) Result {
	res := Result{L4: l4, Status: status.OK}

	appData := payload
	terminated := false

	if l4 == protoid.L4TCP && conn != nil {
		rebuilt, code := conn.Track(forward, seq, flags, payload, now)
		switch code {
		case status.TCPOutOfOrder:
			res.Status = status.TCPOutOfOrder
			res.L7 = rec.Classified
			if rec.Classified == protoid.NotDetermined {
				res.L7 = protoid.Unknown
			}
			return res
		case status.TCPConnectionTerminated:
			terminated = true
		}
		appData = rebuilt
		if len(rebuilt) > 0 {
			// The previous run is dead as of this packet; the record owns
			// the new one until the next rebuild or flow deletion.
			rec.LastRebuiltTCPData = rebuilt
		}
	}

	if rec.Classified > protoid.Unknown {
		// Already committed to a protocol.
		res.L7 = rec.Classified
		if len(appData) > 0 {
			d := e.byID[rec.Classified]
			if d != nil {
				_, newState := d.Dissect(appData, l4, srcPort, dstPort, dissectorState(rec, rec.Classified))
				setDissectorState(rec, rec.Classified, newState)
				res.Fields = e.extractFields(d, rec.Classified, newState)
			}
			if cb := e.callbacks[rec.Classified]; cb != nil {
				cb(rec, appData, e.fieldsUserData)
			}
		}
		if terminated {
			res.Status = status.TCPConnectionTerminated
		}
		return res
	}

	// Not yet determined, or already given up as Unknown.
	if rec.Classified == protoid.Unknown {
		res.L7 = protoid.Unknown
		if terminated {
			res.Status = status.TCPConnectionTerminated
		}
		return res
	}

	if len(appData) == 0 {
		res.L7 = rec.Classified // still NotDetermined
		if terminated {
			res.Status = status.TCPConnectionTerminated
		}
		return res
	}

	start := protoid.PortHint(l4, srcPort)
	if start == protoid.Unknown {
		start = protoid.PortHint(l4, dstPort)
	}
	startIdx := int(start)
	if start == protoid.Unknown {
		startIdx = 0
	}

	matched := false
	rec.CandidateSet.IterateFrom(startIdx, func(i int) bool {
		d := e.byID[i]
		if d == nil {
			return true
		}
		id := protoid.ID(i)
		result, newState := d.Dissect(appData, l4, srcPort, dstPort, dissectorState(rec, id))
		switch result {
		case Matches:
			rec.Classified = id
			setDissectorState(rec, id, newState)
			res.L7 = id
			res.Fields = e.extractFields(d, id, newState)
			if cb := e.callbacks[id]; cb != nil {
				cb(rec, appData, e.fieldsUserData)
			}
			matched = true
			return false
		case NoMatch:
			rec.CandidateSet.Clear(i)
			setDissectorState(rec, id, nil)
			return true
		default: // NeedMoreData: keep the candidate, keep any state it built
			setDissectorState(rec, id, newState)
			return true
		}
	})

	if !matched {
		rec.Trials++
		if rec.CandidateSet.Popcount() == 0 || (e.maxTrials != 0 && rec.Trials >= e.maxTrials) {
			rec.Classified = protoid.Unknown
		}
		res.L7 = rec.Classified
	}

	if terminated {
		res.Status = status.TCPConnectionTerminated
	}
	return res
}
