package dissectors

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/clearflow/dpi/classify"
	"github.com/clearflow/dpi/protoid"
)

func TestHTTPMatchesRequestLine(t *testing.T) {
	h := HTTP{}
	res, _ := h.Dissect([]byte("GET /index.html HTTP/1.1\r\nHost: example.com\r\n\r\n"), protoid.L4TCP, 51000, 80, nil)
	assert.Equal(t, classify.Matches, res)
}

func TestHTTPNeedsMoreDataWithoutCRLF(t *testing.T) {
	h := HTTP{}
	res, _ := h.Dissect([]byte("GET /index"), protoid.L4TCP, 51000, 80, nil)
	assert.Equal(t, classify.NeedMoreData, res)
}

func TestHTTPRejectsUnrelatedPayload(t *testing.T) {
	h := HTTP{}
	res, _ := h.Dissect([]byte("\x16\x03\x01\x00\xa5"), protoid.L4TCP, 51000, 443, nil)
	assert.Equal(t, classify.NoMatch, res)
}

func TestHTTPRejectsUDP(t *testing.T) {
	h := HTTP{}
	res, _ := h.Dissect([]byte("GET / HTTP/1.1\r\n\r\n"), protoid.L4UDP, 1, 2, nil)
	assert.Equal(t, classify.NoMatch, res)
}

func TestDNSMatchesPlausibleQuery(t *testing.T) {
	d := DNS{}
	header := []byte{
		0x12, 0x34, // id
		0x01, 0x00, // flags: standard query
		0x00, 0x01, // qdcount = 1
		0x00, 0x00, // ancount
		0x00, 0x00, // nscount
		0x00, 0x00, // arcount
	}
	res, _ := d.Dissect(header, protoid.L4UDP, 51000, 53, nil)
	assert.Equal(t, classify.Matches, res)
}

func TestDNSNeedsMoreDataOnShortPayload(t *testing.T) {
	d := DNS{}
	res, _ := d.Dissect([]byte{0x12, 0x34}, protoid.L4UDP, 51000, 53, nil)
	assert.Equal(t, classify.NeedMoreData, res)
}

func TestDNSRejectsImplausibleCounts(t *testing.T) {
	d := DNS{}
	header := []byte{
		0x12, 0x34,
		0x01, 0x00,
		0xFF, 0xFF, // qdcount absurdly large
		0x00, 0x00,
		0x00, 0x00,
		0x00, 0x00,
	}
	res, _ := d.Dissect(header, protoid.L4UDP, 51000, 53, nil)
	assert.Equal(t, classify.NoMatch, res)
}
