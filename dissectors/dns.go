package dissectors

import (
	"encoding/binary"
	"strings"

	"github.com/clearflow/dpi/classify"
	"github.com/clearflow/dpi/protoid"
)

const dnsHeaderLen = 12

// dnsState remembers the most recently seen question name for field
// extraction.
type dnsState struct {
	queryName string
}

// DNS matches a plausible DNS message header: a sane opcode/rcode and
// record counts that aren't nonsensically large for a single UDP/TCP
// datagram.
type DNS struct{}

func (DNS) Protocol() protoid.ID { return protoid.DNS }

func (DNS) Dissect(payload []byte, l4 protoid.L4Proto, srcPort, dstPort uint16, state interface{}) (classify.DissectResult, interface{}) {
	if len(payload) < dnsHeaderLen {
		return classify.NeedMoreData, state
	}

	flags := binary.BigEndian.Uint16(payload[2:4])
	opcode := (flags >> 11) & 0xF
	rcode := flags & 0xF
	if opcode > 5 || rcode > 10 {
		return classify.NoMatch, state
	}

	qd := binary.BigEndian.Uint16(payload[4:6])
	an := binary.BigEndian.Uint16(payload[6:8])
	ns := binary.BigEndian.Uint16(payload[8:10])
	ar := binary.BigEndian.Uint16(payload[10:12])
	const maxPlausibleRecords = 64
	if qd > maxPlausibleRecords || an > maxPlausibleRecords || ns > maxPlausibleRecords || ar > maxPlausibleRecords {
		return classify.NoMatch, state
	}

	if qd > 0 {
		if name, ok := parseQuestionName(payload[dnsHeaderLen:]); ok {
			s, castOK := state.(*dnsState)
			if !castOK || s == nil {
				s = &dnsState{}
			}
			s.queryName = name
			state = s
		}
	}

	return classify.Matches, state
}

// Fields exposes the most recently parsed question name.
func (DNS) Fields(state interface{}, udata interface{}) map[string]string {
	s, ok := state.(*dnsState)
	if !ok || s == nil || s.queryName == "" {
		return nil
	}
	return map[string]string{"query_name": s.queryName}
}

// parseQuestionName decodes the first question's uncompressed label
// sequence. Compression pointers never appear in the first question, so a
// pointer byte here just means the message isn't worth extracting from.
func parseQuestionName(b []byte) (string, bool) {
	var labels []string
	i := 0
	for {
		if i >= len(b) {
			return "", false
		}
		n := int(b[i])
		if n == 0 {
			break
		}
		if n&0xC0 != 0 {
			return "", false
		}
		i++
		if i+n > len(b) {
			return "", false
		}
		labels = append(labels, string(b[i:i+n]))
		i += n
	}
	if len(labels) == 0 {
		return "", false
	}
	return strings.Join(labels, "."), true
}
