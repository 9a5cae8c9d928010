package classify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clearflow/dpi/flowtable"
	"github.com/clearflow/dpi/protoid"
	"github.com/clearflow/dpi/status"
	"github.com/clearflow/dpi/tcpreorder"
)

type fakeDissector struct {
	proto  protoid.ID
	accept func(payload []byte) DissectResult
}

func (f *fakeDissector) Protocol() protoid.ID { return f.proto }

func (f *fakeDissector) Dissect(payload []byte, l4 protoid.L4Proto, srcPort, dstPort uint16, state interface{}) (DissectResult, interface{}) {
	return f.accept(payload), state
}

func newRecord() *flowtable.FlowRecord {
	return &flowtable.FlowRecord{CandidateSet: DefaultCandidateSet()}
}

func TestClassifyPicksPortHintedProtocolFirst(t *testing.T) {
	e := NewEngine(8)
	tried := []protoid.ID{}
	e.Register(&fakeDissector{proto: protoid.HTTP, accept: func(p []byte) DissectResult {
		tried = append(tried, protoid.HTTP)
		return Matches
	}})
	e.Register(&fakeDissector{proto: protoid.DNS, accept: func(p []byte) DissectResult {
		tried = append(tried, protoid.DNS)
		return NoMatch
	}})

	rec := newRecord()
	res := e.Classify(rec, nil, true, 0, tcpreorder.Flags{}, protoid.L4TCP, 1234, 80, []byte("GET / HTTP/1.1\r\n"), time.Now())

	require.Equal(t, status.OK, res.Status)
	assert.Equal(t, protoid.HTTP, res.L7)
	assert.Equal(t, protoid.HTTP, tried[0])
}

func TestClassifyNarrowsCandidatesOnNoMatch(t *testing.T) {
	e := NewEngine(8)
	e.Register(&fakeDissector{proto: protoid.HTTP, accept: func(p []byte) DissectResult { return NoMatch }})
	e.Register(&fakeDissector{proto: protoid.DNS, accept: func(p []byte) DissectResult { return Matches }})

	rec := newRecord()
	// Port 80 hints HTTP, which has a higher index than DNS; HTTP is
	// visited first (and rejected), and the circular scan wraps around
	// to DNS afterward.
	res := e.Classify(rec, nil, true, 0, tcpreorder.Flags{}, protoid.L4TCP, 1234, 80, []byte("query"), time.Now())

	assert.Equal(t, protoid.DNS, res.L7)
	assert.False(t, rec.CandidateSet.Test(int(protoid.HTTP)))
}

func TestClassifyGivesUpWhenCandidateSetEmpty(t *testing.T) {
	e := NewEngine(8)
	e.Register(&fakeDissector{proto: protoid.HTTP, accept: func(p []byte) DissectResult { return NoMatch }})
	e.Register(&fakeDissector{proto: protoid.DNS, accept: func(p []byte) DissectResult { return NoMatch }})

	rec := newRecord()
	// Clear every candidate except the two registered, so the scan can
	// exhaust them deterministically.
	rec.CandidateSet = DefaultCandidateSet()
	for i := 2; i < protoid.NumProtocols; i++ {
		if protoid.ID(i) != protoid.HTTP && protoid.ID(i) != protoid.DNS {
			rec.CandidateSet.Clear(i)
		}
	}

	res := e.Classify(rec, nil, true, 0, tcpreorder.Flags{}, protoid.L4UDP, 1, 2, []byte("x"), time.Now())
	assert.Equal(t, protoid.Unknown, res.L7)
}

func TestClassifyGivesUpAfterMaxTrials(t *testing.T) {
	e := NewEngine(2)
	e.Register(&fakeDissector{proto: protoid.HTTP, accept: func(p []byte) DissectResult { return NeedMoreData }})

	rec := newRecord()
	rec.CandidateSet = DefaultCandidateSet()
	for i := 2; i < protoid.NumProtocols; i++ {
		if protoid.ID(i) != protoid.HTTP {
			rec.CandidateSet.Clear(i)
		}
	}

	now := time.Now()
	res := e.Classify(rec, nil, true, 0, tcpreorder.Flags{}, protoid.L4UDP, 1, 2, []byte("x"), now)
	assert.Equal(t, protoid.NotDetermined, res.L7)

	res = e.Classify(rec, nil, true, 0, tcpreorder.Flags{}, protoid.L4UDP, 1, 2, []byte("x"), now)
	assert.Equal(t, protoid.Unknown, res.L7)
}

func TestClassifyAlreadyDeterminedSkipsCandidateScan(t *testing.T) {
	e := NewEngine(8)
	calls := 0
	e.Register(&fakeDissector{proto: protoid.DNS, accept: func(p []byte) DissectResult {
		calls++
		return Matches
	}})

	rec := newRecord()
	rec.Classified = protoid.DNS

	res := e.Classify(rec, nil, true, 0, tcpreorder.Flags{}, protoid.L4UDP, 1, 53, []byte("query"), time.Now())
	assert.Equal(t, protoid.DNS, res.L7)
	assert.Equal(t, 1, calls)
}

type fieldDissector struct {
	fakeDissector
	fields map[string]string
}

func (f *fieldDissector) Fields(state interface{}, udata interface{}) map[string]string {
	out := make(map[string]string, len(f.fields)+1)
	for k, v := range f.fields {
		out[k] = v
	}
	if s, ok := udata.(string); ok {
		out["udata"] = s
	}
	return out
}

func TestFieldsOnlyExtractedWhenEnabled(t *testing.T) {
	e := NewEngine(8)
	d := &fieldDissector{
		fakeDissector: fakeDissector{proto: protoid.DNS, accept: func(p []byte) DissectResult { return Matches }},
		fields:        map[string]string{"query_name": "example.com", "rcode": "0"},
	}
	require.NoError(t, e.Register(d))

	rec := newRecord()
	res := e.Classify(rec, nil, true, 0, tcpreorder.Flags{}, protoid.L4UDP, 1234, 53, []byte("q"), time.Now())
	require.Equal(t, protoid.DNS, res.L7)
	assert.Nil(t, res.Fields)

	require.NoError(t, e.FieldAdd(protoid.DNS, "query_name"))
	res = e.Classify(rec, nil, true, 0, tcpreorder.Flags{}, protoid.L4UDP, 1234, 53, []byte("q"), time.Now())
	// Only the enabled field comes back, not everything the dissector has.
	assert.Equal(t, map[string]string{"query_name": "example.com"}, res.Fields)

	require.NoError(t, e.FieldRemove(protoid.DNS, "query_name"))
	res = e.Classify(rec, nil, true, 0, tcpreorder.Flags{}, protoid.L4UDP, 1234, 53, []byte("q"), time.Now())
	assert.Nil(t, res.Fields)
}

func TestFieldsUserDataReachesExtractor(t *testing.T) {
	e := NewEngine(8)
	d := &fieldDissector{
		fakeDissector: fakeDissector{proto: protoid.DNS, accept: func(p []byte) DissectResult { return Matches }},
	}
	require.NoError(t, e.Register(d))
	require.NoError(t, e.FieldAdd(protoid.DNS, "udata"))
	e.SetFieldsUserData("opaque")

	rec := newRecord()
	res := e.Classify(rec, nil, true, 0, tcpreorder.Flags{}, protoid.L4UDP, 1234, 53, []byte("q"), time.Now())
	assert.Equal(t, map[string]string{"udata": "opaque"}, res.Fields)
}

func TestCallbackRunsOnlyOnClassifiedFlows(t *testing.T) {
	e := NewEngine(8)
	require.NoError(t, e.Register(&fakeDissector{proto: protoid.HTTP, accept: func(p []byte) DissectResult { return Matches }}))

	var got [][]byte
	require.NoError(t, e.RegisterCallback(protoid.HTTP, func(rec *flowtable.FlowRecord, payload []byte, udata interface{}) {
		got = append(got, payload)
	}))

	rec := newRecord()
	// The callback fires on the classifying packet and on every
	// payload-carrying packet afterward.
	e.Classify(rec, nil, true, 0, tcpreorder.Flags{}, protoid.L4TCP, 1234, 80, []byte("one"), time.Now())
	require.Equal(t, protoid.HTTP, rec.Classified)
	require.Len(t, got, 1)
	assert.Equal(t, []byte("one"), got[0])

	e.Classify(rec, nil, true, 0, tcpreorder.Flags{}, protoid.L4TCP, 1234, 80, []byte("two"), time.Now())
	require.Len(t, got, 2)
	assert.Equal(t, []byte("two"), got[1])
}

func TestRegisterRejectsReservedAndDuplicateIDs(t *testing.T) {
	e := NewEngine(8)
	assert.Error(t, e.Register(&fakeDissector{proto: protoid.Unknown}))
	require.NoError(t, e.Register(&fakeDissector{proto: protoid.HTTP}))
	assert.Error(t, e.Register(&fakeDissector{proto: protoid.HTTP}))
}

func TestCandidateDissectorsKeepIndependentState(t *testing.T) {
	e := NewEngine(8)

	seen := map[protoid.ID][]interface{}{}
	require.NoError(t, e.Register(&statefulDissector{proto: protoid.DNS, seen: seen}))
	require.NoError(t, e.Register(&statefulDissector{proto: protoid.HTTP, seen: seen}))

	rec := newRecord()
	e.Classify(rec, nil, true, 0, tcpreorder.Flags{}, protoid.L4UDP, 1, 2, []byte("x"), time.Now())
	e.Classify(rec, nil, true, 0, tcpreorder.Flags{}, protoid.L4UDP, 1, 2, []byte("x"), time.Now())

	// On its second call each dissector must get back its OWN state from
	// the first call, never the other dissector's.
	assert.Equal(t, []interface{}{nil, protoid.DNS}, seen[protoid.DNS])
	assert.Equal(t, []interface{}{nil, protoid.HTTP}, seen[protoid.HTTP])
}

type statefulDissector struct {
	proto protoid.ID
	seen  map[protoid.ID][]interface{}
}

func (s *statefulDissector) Protocol() protoid.ID { return s.proto }

func (s *statefulDissector) Dissect(payload []byte, l4 protoid.L4Proto, srcPort, dstPort uint16, state interface{}) (DissectResult, interface{}) {
	s.seen[s.proto] = append(s.seen[s.proto], state)
	// Each dissector stamps its own id as its state.
	return NeedMoreData, s.proto
}
