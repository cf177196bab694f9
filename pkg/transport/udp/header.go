// Package udp implements the Cyphal/UDP transport (spec.md §4.3, §6): a
// fixed 24-byte header on top of net.UDPConn multicast, addressing each
// subject/service by its own multicast group, with a reorder window for
// out-of-sequence datagrams. No third-party UDP socket library improves on
// the standard library's net.ListenMulticastUDP/net.DialUDP for this, so
// this transport (unlike can/serial) stays on stdlib sockets end to end.
package udp

import (
	"encoding/binary"
	"fmt"
	"net"

	cyphal "github.com/cyphal-go/gocyphal"
)

// HeaderLength is the fixed header every datagram carries ahead of its
// payload, spec.md §6 ("UDP frame. Fixed 24-byte header then payload").
const HeaderLength = 24

const protocolVersion = 1

// frameIndexEndFlag marks the terminal frame of a transfer, the top bit of
// the 32-bit frame-index field.
const frameIndexEndFlag = uint32(1) << 31

// Well-known destination ports, spec.md §6 ("a fixed well-known UDP port
// for message subjects; a different fixed port for services").
const (
	MessagePort = 9382
	ServicePort = 9383
)

// header is the on-wire layout:
//
//	0:      version
//	1:      priority
//	2:      flags (bit0 service, bit1 response-role, bit2 anonymous source)
//	3:      reserved
//	4:6:    source node-id (uint16)
//	6:8:    destination node-id (uint16)
//	8:10:   data-specifier id (subject-id or service-id, uint16)
//	10:18:  transfer-id (uint64)
//	18:22:  frame-index, top bit = end flag (uint32)
//	22:24:  reserved (header CRC reserved for future use)
type header struct {
	priority    cyphal.Priority
	specifier   cyphal.DataSpecifier
	source      cyphal.NodeID
	destination cyphal.NodeID
	transferID  uint64
	frameIndex  uint32
	end         bool
}

const (
	flagService  = 1 << 0
	flagResponse = 1 << 1
	flagAnon     = 1 << 2
)

func encodeHeader(h header) []byte {
	buf := make([]byte, HeaderLength)
	buf[0] = protocolVersion
	buf[1] = byte(h.priority)

	var flags byte
	var specID uint16
	switch h.specifier.Kind {
	case cyphal.SpecifierService:
		flags |= flagService
		if h.specifier.Role == cyphal.RoleResponse {
			flags |= flagResponse
		}
		specID = h.specifier.ServiceID
	default:
		specID = h.specifier.SubjectID
	}
	if h.source.IsAnonymous() {
		flags |= flagAnon
	}
	buf[2] = flags

	src := uint16(0xFFFF)
	if !h.source.IsAnonymous() {
		src = uint16(h.source)
	}
	binary.BigEndian.PutUint16(buf[4:6], src)

	dst := uint16(0xFFFF)
	if !h.destination.IsAnonymous() {
		dst = uint16(h.destination)
	}
	binary.BigEndian.PutUint16(buf[6:8], dst)

	binary.BigEndian.PutUint16(buf[8:10], specID)
	binary.BigEndian.PutUint64(buf[10:18], h.transferID)

	idx := h.frameIndex
	if h.end {
		idx |= frameIndexEndFlag
	}
	binary.BigEndian.PutUint32(buf[18:22], idx)
	return buf
}

func decodeHeader(buf []byte) (header, error) {
	if len(buf) < HeaderLength {
		return header{}, fmt.Errorf("udp: %w: short header", cyphal.ErrTransferReassemblyError)
	}
	if buf[0] != protocolVersion {
		return header{}, fmt.Errorf("udp: %w: unsupported header version %d", cyphal.ErrTransferReassemblyError, buf[0])
	}
	flags := buf[2]
	src := binary.BigEndian.Uint16(buf[4:6])
	source := cyphal.NodeID(src)
	if src == 0xFFFF || flags&flagAnon != 0 {
		source = cyphal.AnonymousNodeID
	}
	dst := binary.BigEndian.Uint16(buf[6:8])
	destination := cyphal.NodeID(dst)
	if dst == 0xFFFF {
		destination = cyphal.AnonymousNodeID
	}
	specID := binary.BigEndian.Uint16(buf[8:10])

	var specifier cyphal.DataSpecifier
	if flags&flagService != 0 {
		role := cyphal.RoleRequest
		if flags&flagResponse != 0 {
			role = cyphal.RoleResponse
		}
		specifier = cyphal.DataSpecifier{Kind: cyphal.SpecifierService, ServiceID: specID, Role: role}
	} else {
		specifier = cyphal.Subject(specID)
	}

	transferID := binary.BigEndian.Uint64(buf[10:18])
	idx := binary.BigEndian.Uint32(buf[18:22])
	end := idx&frameIndexEndFlag != 0

	return header{
		priority:    cyphal.Priority(buf[1]),
		specifier:   specifier,
		source:      source,
		destination: destination,
		transferID:  transferID,
		frameIndex:  idx &^ frameIndexEndFlag,
		end:         end,
	}, nil
}

// multicastGroupForSubject derives a multicast group address from a
// subject-ID, a simplified stand-in for the Cyphal/UDP Specification's
// address-mapping formula (spec.md §4.3: "fixed multicast group derived
// from subject-ID").
func multicastGroupForSubject(subjectID uint16) net.IP {
	return net.IPv4(239, 1, byte(subjectID>>8), byte(subjectID))
}

// multicastGroupForService derives a service exchange's multicast group
// from the destination node-ID (spec.md §4.3: "each service exchange to a
// service-specific multicast group derived from destination node-id").
func multicastGroupForService(destination cyphal.NodeID) net.IP {
	return net.IPv4(239, 2, byte(destination>>8), byte(destination))
}
