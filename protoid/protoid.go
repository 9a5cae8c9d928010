// Package protoid is the L7 protocol registry: a fixed, compile-time table
// of known application protocols plus the well-known-port hint tables used
// only to order dissector attempts, never to commit a classification.
package protoid

// ID identifies an L7 protocol. Zero and one are reserved.
type ID uint16

const (
	// NotDetermined marks a flow that hasn't been classified yet. It is
	// the zero value so a freshly created FlowRecord starts here without
	// explicit initialization.
	NotDetermined ID = iota
	// Unknown marks a flow that exhausted its candidate set or its trial
	// budget without a match.
	Unknown

	DHCP
	DHCPv6
	DNS
	MDNS
	SIP
	RTP
	SSH
	Skype
	NTP
	BGP
	HTTP
	SMTP
	POP3
	IMAP
	TLS
	Hangout
	WhatsApp
	Telegram
	Dropbox
	Spotify

	// numProtocols must stay last; it is the width of every per-protocol
	// bitset and array in the engine.
	numProtocols
)

// NumProtocols is the number of known protocol ids, including the two
// reserved ones. Bitsets sized for a full candidate set use this width.
const NumProtocols = int(numProtocols)

var names = [numProtocols]string{
	NotDetermined: "NOT_DETERMINED",
	Unknown:       "UNKNOWN",
	DHCP:          "DHCP",
	DHCPv6:        "DHCPv6",
	DNS:           "DNS",
	MDNS:          "MDNS",
	SIP:           "SIP",
	RTP:           "RTP",
	SSH:           "SSH",
	Skype:         "Skype",
	NTP:           "NTP",
	BGP:           "BGP",
	HTTP:          "HTTP",
	SMTP:          "SMTP",
	POP3:          "POP3",
	IMAP:          "IMAP",
	TLS:           "TLS",
	Hangout:       "Hangout",
	WhatsApp:      "WhatsApp",
	Telegram:      "Telegram",
	Dropbox:       "Dropbox",
	Spotify:       "Spotify",
}

var byName map[string]ID

func init() {
	byName = make(map[string]ID, len(names))
	for id, name := range names {
		byName[name] = ID(id)
	}
}

// String returns the registered name for id, or "" if id is out of range.
func (id ID) String() string {
	if int(id) < 0 || int(id) >= len(names) {
		return ""
	}
	return names[id]
}

// GetProtocolString returns the registered name for id, or "" if unknown.
func GetProtocolString(id ID) string {
	return id.String()
}

// GetProtocolID returns the id registered under name, and false if no
// protocol is registered under that name.
func GetProtocolID(name string) (ID, bool) {
	id, ok := byName[name]
	return id, ok
}

// L4Proto is a transport-layer protocol number. Values match the IANA
// protocol numbers used on the wire (and gopacket/layers.IPProtocol).
type L4Proto uint8

const (
	L4TCP L4Proto = 6
	L4UDP L4Proto = 17
)

// tcpPortHints and udpPortHints map well-known ports to the protocol they
// hint at. A hint only changes dissector trial order; the dissector still
// has to accept or reject the flow.
var tcpPortHints = map[uint16]ID{
	53:    DNS,
	80:    HTTP,
	179:   BGP,
	25:    SMTP,
	465:   SMTP,
	587:   SMTP,
	110:   POP3,
	995:   POP3,
	143:   IMAP,
	993:   IMAP,
	443:   TLS,
	19305: Hangout,
	19306: Hangout,
	19307: Hangout,
	19308: Hangout,
	19309: Hangout,
	22:    SSH,
}

var udpPortHints = map[uint16]ID{
	53:    DNS,
	5353:  MDNS,
	67:    DHCP,
	68:    DHCP,
	546:   DHCPv6,
	547:   DHCPv6,
	5060:  SIP,
	123:   NTP,
	19302: Hangout,
	19303: Hangout,
	19304: Hangout,
	19305: Hangout,
	19306: Hangout,
	19307: Hangout,
	19308: Hangout,
	19309: Hangout,
	17500: Dropbox,
	4070:  Spotify,
}

// PortHint returns the protocol hinted at by port for the given transport,
// or Unknown if no hint is registered. Used only to pick the starting point
// of the candidate-set scan in the classification engine.
func PortHint(l4 L4Proto, port uint16) ID {
	var table map[uint16]ID
	switch l4 {
	case L4TCP:
		table = tcpPortHints
	case L4UDP:
		table = udpPortHints
	default:
		return Unknown
	}
	if id, ok := table[port]; ok {
		return id
	}
	return Unknown
}

// GuessProtocol looks up the port hint table only; it does no stateful
// inspection and does not guarantee the dissector would accept the flow.
func GuessProtocol(l4 L4Proto, srcPort, dstPort uint16) ID {
	if id := PortHint(l4, srcPort); id != Unknown {
		return id
	}
	return PortHint(l4, dstPort)
}

// SkipKey identifies an L7-skip override: a (transport, port) pair that
// bypasses dissection entirely and stamps a configured protocol id.
type SkipKey struct {
	L4   L4Proto
	Port uint16
}
