// Package header implements the L3/L4 header parser. It decodes a
// datagram starting at the IP header through the transport header,
// following IPv4 options, IPv6 extension-header chains, and
// 4-in-4/4-in-6/6-in-6/6-in-4 tunneling, dispatching to fragment
// reassembly when needed. The parser itself holds no state beyond the
// fragment contexts it is handed.
package header

import (
	"encoding/binary"
	"net"
	"time"

	"github.com/google/gopacket/layers"

	"github.com/clearflow/dpi/fragment"
	"github.com/clearflow/dpi/protoid"
	"github.com/clearflow/dpi/status"
)

// maxTunnelDepth bounds 4-in-4/4-in-6/6-in-6/6-in-4 unwrapping.
const maxTunnelDepth = 8

const (
	ipv4MinHeaderLen = 20
	ipv6HeaderLen    = 40
)

// PacketInfo is the per-packet record produced by Parse. It is created
// fresh on every call and is not retained across calls unless the caller
// explicitly copies it.
type PacketInfo struct {
	IPVersion int
	SrcIP     net.IP
	DstIP     net.IP
	L4Proto   protoid.L4Proto
	SrcPort   uint16
	DstPort   uint16

	L4Offset   int
	L7Offset   int
	PayloadLen int

	// Data is the buffer holding the (possibly reassembled) datagram;
	// L4Offset/L7Offset/PayloadLen are all relative to it.
	Data []byte
	// Owned is true when Data is a heap buffer produced by fragment
	// reassembly rather than the caller's original slice. Ownership is
	// carried here explicitly instead of being inferred from the status
	// code alone.
	Owned bool

	Timestamp time.Time
}

// Payload returns the L7 application payload.
func (pi *PacketInfo) Payload() []byte {
	if pi.Data == nil {
		return nil
	}
	return pi.Data[pi.L7Offset : pi.L7Offset+pi.PayloadLen]
}

// Release drops the reference to an owned reassembly buffer. Under the
// garbage collector this only clears the reference; it exists so callers
// have one required, explicit release point and so a future pooling
// allocator has a hook to return the buffer to.
func (pi *PacketInfo) Release() {
	if pi.Owned {
		pi.Data = nil
		pi.Owned = false
	}
}

// Options configures one Parse call.
type Options struct {
	FragmentV4 *fragment.V4Reassembler
	FragmentV6 *fragment.V6Reassembler
}

// Parse decodes buf (which must start at the IP header) up through the L4
// header, following extension headers and tunnels.
func Parse(buf []byte, captureLen int, now time.Time, opts Options) (PacketInfo, status.Code) {
	var pi PacketInfo
	if captureLen == 0 || len(buf) == 0 {
		return pi, status.OK
	}
	if captureLen > len(buf) {
		captureLen = len(buf)
	}

	version := int(buf[0] >> 4)
	pkt := buf
	length := captureLen
	owned := false

	var appOffset int
	var nextHeader uint8

	switch version {
	case 4:
		st := status.OK
		pkt, length, appOffset, nextHeader, owned, st = parseIPv4(&pi, buf, captureLen, opts, now)
		if st != status.OK {
			return pi, st
		}
	case 6:
		st := status.OK
		pkt, length, appOffset, nextHeader, owned, st = parseIPv6(&pi, buf, captureLen, opts, now)
		if st != status.OK {
			return pi, st
		}
	default:
		return pi, status.WrongIPVersion
	}

	pi.IPVersion = version
	toReturn := status.OK
	if owned {
		toReturn = status.IPLastFragment
	}

	depth := 0
	for {
		switch layers.IPProtocol(nextHeader) {
		case layers.IPProtocolTCP:
			if appOffset == length {
				// A datagram whose total length stops exactly at the IP
				// header carries no L4 bytes at all; that's a valid empty
				// packet, not a truncation.
				pi.L4Proto = protoid.L4TCP
				pi.L4Offset = appOffset
				finish(&pi, pkt, length, appOffset, owned, now)
				return pi, toReturn
			}
			if appOffset+20 > length {
				return zeroed(toReturn == status.IPLastFragment), status.L4TruncatedPacket
			}
			hdr := pkt[appOffset : appOffset+20]
			dataOffsetWords := int(hdr[12]>>4) & 0x0F
			tcpHeaderLen := dataOffsetWords * 4
			if appOffset+tcpHeaderLen > length {
				return zeroed(toReturn == status.IPLastFragment), status.L4TruncatedPacket
			}
			pi.SrcPort = binary.BigEndian.Uint16(hdr[0:2])
			pi.DstPort = binary.BigEndian.Uint16(hdr[2:4])
			pi.L4Proto = protoid.L4TCP
			pi.L4Offset = appOffset
			appOffset += tcpHeaderLen
			finish(&pi, pkt, length, appOffset, owned, now)
			return pi, toReturn

		case layers.IPProtocolUDP:
			if appOffset == length {
				pi.L4Proto = protoid.L4UDP
				pi.L4Offset = appOffset
				finish(&pi, pkt, length, appOffset, owned, now)
				return pi, toReturn
			}
			if appOffset+8 > length {
				return zeroed(toReturn == status.IPLastFragment), status.L4TruncatedPacket
			}
			hdr := pkt[appOffset : appOffset+8]
			udpLen := int(binary.BigEndian.Uint16(hdr[4:6]))
			if appOffset+udpLen > length {
				return zeroed(toReturn == status.IPLastFragment), status.L4TruncatedPacket
			}
			pi.SrcPort = binary.BigEndian.Uint16(hdr[0:2])
			pi.DstPort = binary.BigEndian.Uint16(hdr[2:4])
			pi.L4Proto = protoid.L4UDP
			pi.L4Offset = appOffset
			appOffset += 8
			finish(&pi, pkt, length, appOffset, owned, now)
			return pi, toReturn

		case layers.IPProtocolIPv6HopByHop, layers.IPProtocolIPv6Destination, layers.IPProtocolIPv6Routing:
			if pi.IPVersion != 6 {
				return zeroed(owned), status.TransportProtocolNotSupported
			}
			if appOffset+8 > length {
				return zeroed(owned), status.L3TruncatedPacket
			}
			extLen := (int(pkt[appOffset+1]) + 1) * 8
			next := pkt[appOffset]
			if appOffset+extLen > length {
				return zeroed(owned), status.L3TruncatedPacket
			}
			appOffset += extLen
			nextHeader = next
			continue

		case layers.IPProtocolIPv6Fragment:
			if pi.IPVersion != 6 {
				return zeroed(owned), status.TransportProtocolNotSupported
			}
			if opts.FragmentV6 == nil {
				return zeroed(owned), status.IPFragment
			}
			if appOffset+8 > length {
				return zeroed(owned), status.L3TruncatedPacket
			}
			fragHdr := pkt[appOffset : appOffset+8]
			fragNext := fragHdr[0]
			offLg := binary.BigEndian.Uint16(fragHdr[2:4])
			fragOffset := int(offLg & 0xFFF8) // top 13 bits, already *8
			moreFragments := offLg&0x1 != 0
			ident := binary.BigEndian.Uint32(fragHdr[4:8])

			bodyStart := appOffset + 8
			if bodyStart > length {
				return zeroed(owned), status.L3TruncatedPacket
			}
			body := pkt[bodyStart:length]

			var src, dst [16]byte
			copy(src[:], pi.SrcIP.To16())
			copy(dst[:], pi.DstIP.To16())

			res, out := opts.FragmentV6.Insert(src, dst, ident, fragNext, fragOffset, body, !moreFragments, now)
			switch res {
			case fragment.Complete:
				pkt = out
				length = len(out)
				appOffset = 0
				nextHeader = fragNext
				owned = true
				toReturn = status.IPLastFragment
				continue
			default:
				return zeroed(owned), status.IPFragment
			}

		case layers.IPProtocolIPv6:
			// 6-in-4 / 6-in-6 tunnel: the real packet is now IPv6.
			depth++
			if depth > maxTunnelDepth {
				return zeroed(owned), status.L3TruncatedPacket
			}
			if appOffset+ipv6HeaderLen > length {
				return zeroed(owned), status.L3TruncatedPacket
			}
			inner := pkt[appOffset : appOffset+ipv6HeaderLen]
			innerPayloadLen := int(binary.BigEndian.Uint16(inner[4:6]))
			if appOffset+ipv6HeaderLen+innerPayloadLen > length {
				return zeroed(owned), status.L3TruncatedPacket
			}
			pi.IPVersion = 6
			pi.SrcIP = net.IP(append([]byte(nil), inner[8:24]...))
			pi.DstIP = net.IP(append([]byte(nil), inner[24:40]...))
			nextHeader = inner[6]
			appOffset += ipv6HeaderLen
			continue

		case layers.IPProtocolIPIP:
			// 4-in-4 / 4-in-6 tunnel: the real packet is now IPv4.
			depth++
			if depth > maxTunnelDepth {
				return zeroed(owned), status.L3TruncatedPacket
			}
			if appOffset+ipv4MinHeaderLen > length {
				return zeroed(owned), status.L3TruncatedPacket
			}
			inner := pkt[appOffset:]
			ihl := int(inner[0]&0x0F) * 4
			totLen := int(binary.BigEndian.Uint16(inner[2:4]))
			if appOffset+ihl > length || appOffset+totLen > length {
				return zeroed(owned), status.L3TruncatedPacket
			}
			pi.IPVersion = 4
			pi.SrcIP = net.IP(append([]byte(nil), inner[12:16]...))
			pi.DstIP = net.IP(append([]byte(nil), inner[16:20]...))
			nextHeader = inner[9]
			appOffset += ihl
			continue

		case 50, 51: // ESP, AH
			return zeroed(owned), status.IPSECNotSupported

		default:
			pi.L4Offset = appOffset
			pi.L4Proto = protoid.L4Proto(nextHeader)
			finish(&pi, pkt, length, appOffset, owned, now)
			return pi, toReturn
		}
	}
}

// parseIPv4 validates and strips the IPv4 header (including options),
// handling the fast path (unfragmented) and dispatching to fragment
// reassembly otherwise. It returns the buffer/cursor to resume the common
// next-header walk from.
func parseIPv4(pi *PacketInfo, buf []byte, captureLen int, opts Options, now time.Time) (pkt []byte, length, appOffset int, nextHeader uint8, owned bool, st status.Code) {
	if len(buf) < ipv4MinHeaderLen {
		return nil, 0, 0, 0, false, status.L3TruncatedPacket
	}
	ihl := int(buf[0]&0x0F) * 4
	totLen := int(binary.BigEndian.Uint16(buf[2:4]))
	// total_length == header_length is a valid boundary (a datagram with
	// no L4 bytes at all); only total_length < header_length is
	// truncated.
	if totLen > captureLen || totLen < ihl {
		return nil, 0, 0, 0, false, status.L3TruncatedPacket
	}
	length = totLen

	fragField := binary.BigEndian.Uint16(buf[6:8])
	moreFragments := fragField&0x2000 != 0
	fragOffset := int(fragField&0x1FFF) * 8
	proto := buf[9]

	var src, dst [4]byte
	copy(src[:], buf[12:16])
	copy(dst[:], buf[16:20])
	pi.SrcIP = net.IP(append([]byte(nil), buf[12:16]...))
	pi.DstIP = net.IP(append([]byte(nil), buf[16:20]...))

	if !moreFragments && fragOffset == 0 {
		return buf, length, ihl, proto, false, status.OK
	}

	if opts.FragmentV4 == nil {
		return nil, 0, 0, 0, false, status.IPFragment
	}

	body := buf[ihl:length]
	ident := binary.BigEndian.Uint16(buf[4:6])
	res, out := opts.FragmentV4.Insert(src, dst, ident, proto, fragOffset, body, !moreFragments, now)
	if res != fragment.Complete {
		return nil, 0, 0, 0, false, status.IPFragment
	}
	return out, len(out), 0, proto, true, status.OK
}

func parseIPv6(pi *PacketInfo, buf []byte, captureLen int, opts Options, now time.Time) (pkt []byte, length, appOffset int, nextHeader uint8, owned bool, st status.Code) {
	if len(buf) < ipv6HeaderLen {
		return nil, 0, 0, 0, false, status.L3TruncatedPacket
	}
	payloadLen := int(binary.BigEndian.Uint16(buf[4:6]))
	totLen := payloadLen + ipv6HeaderLen
	if totLen > captureLen {
		return nil, 0, 0, 0, false, status.L3TruncatedPacket
	}

	pi.SrcIP = net.IP(append([]byte(nil), buf[8:24]...))
	pi.DstIP = net.IP(append([]byte(nil), buf[24:40]...))
	nextHeader = buf[6]

	return buf, totLen, ipv6HeaderLen, nextHeader, false, status.OK
}

func finish(pi *PacketInfo, pkt []byte, length, appOffset int, owned bool, now time.Time) {
	pi.Data = pkt
	pi.Owned = owned
	pi.L7Offset = appOffset
	if appOffset > length {
		pi.PayloadLen = 0
	} else {
		pi.PayloadLen = length - appOffset
	}
	pi.Timestamp = now
}

func zeroed(owned bool) PacketInfo {
	return PacketInfo{Owned: owned}
}
