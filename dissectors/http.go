// Package dissectors holds the two reference L7 dissectors (HTTP and DNS)
// used to exercise the classify.Dissector contract end to end. They are
// deliberately kept out of the core packages: the engine treats every
// dissector as a pluggable implementation of a small interface, and these
// two are just the in-tree reference implementations.
package dissectors

import (
	"bytes"

	"github.com/clearflow/dpi/classify"
	"github.com/clearflow/dpi/protoid"
)

var httpMethods = [][]byte{
	[]byte("GET "), []byte("POST "), []byte("PUT "), []byte("HEAD "),
	[]byte("DELETE "), []byte("OPTIONS "), []byte("PATCH "), []byte("CONNECT "),
	[]byte("TRACE "),
}

var httpResponsePrefix = []byte("HTTP/")

// httpState remembers the most recent request line and Host header seen on
// the flow, for field extraction.
type httpState struct {
	method string
	uri    string
	host   string
}

// HTTP matches a request-line or status-line followed by a CRLF.
type HTTP struct{}

func (HTTP) Protocol() protoid.ID { return protoid.HTTP }

func (HTTP) Dissect(payload []byte, l4 protoid.L4Proto, srcPort, dstPort uint16, state interface{}) (classify.DissectResult, interface{}) {
	if l4 != protoid.L4TCP {
		return classify.NoMatch, state
	}

	isRequest := false
	for _, m := range httpMethods {
		if bytes.HasPrefix(payload, m) {
			isRequest = true
			break
		}
	}
	isResponse := bytes.HasPrefix(payload, httpResponsePrefix)

	if !isRequest && !isResponse {
		return classify.NoMatch, state
	}
	if !bytes.Contains(payload, []byte("\r\n")) {
		if len(payload) < 64 {
			return classify.NeedMoreData, state
		}
		return classify.NoMatch, state
	}
	if isRequest {
		state = parseRequest(payload, state)
	}
	return classify.Matches, state
}

// Fields exposes the most recently parsed request line and Host header.
func (HTTP) Fields(state interface{}, udata interface{}) map[string]string {
	s, ok := state.(*httpState)
	if !ok || s == nil {
		return nil
	}
	out := make(map[string]string, 3)
	if s.method != "" {
		out["method"] = s.method
	}
	if s.uri != "" {
		out["uri"] = s.uri
	}
	if s.host != "" {
		out["host"] = s.host
	}
	return out
}

func parseRequest(payload []byte, state interface{}) *httpState {
	s, ok := state.(*httpState)
	if !ok || s == nil {
		s = &httpState{}
	}

	line := payload
	if i := bytes.Index(line, []byte("\r\n")); i >= 0 {
		line = line[:i]
	}
	parts := bytes.SplitN(line, []byte(" "), 3)
	if len(parts) >= 2 {
		s.method = string(parts[0])
		s.uri = string(parts[1])
	}

	if i := bytes.Index(payload, []byte("\r\nHost:")); i >= 0 {
		rest := payload[i+len("\r\nHost:"):]
		if j := bytes.Index(rest, []byte("\r\n")); j >= 0 {
			rest = rest[:j]
		}
		s.host = string(bytes.TrimSpace(rest))
	}
	return s
}
