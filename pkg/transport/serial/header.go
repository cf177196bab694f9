package serial

import (
	"encoding/binary"
	"fmt"

	cyphal "github.com/cyphal-go/gocyphal"
)

// header is byte-for-byte the same layout as pkg/transport/udp's header
// (spec.md §4.4: "24-byte header mirrors UDP"), duplicated rather than
// imported because the two packages' frame-index semantics differ (UDP's
// is a reorder index; serial's doubles as the multi-frame toggle-adjacent
// end marker over an in-order stream) and each package keeps its header
// format private to its own frame/reassembly code, the same way
// pkg/transport/can keeps its own tail-byte codec private.
type header struct {
	priority    cyphal.Priority
	specifier   cyphal.DataSpecifier
	source      cyphal.NodeID
	destination cyphal.NodeID
	transferID  uint64
	frameIndex  uint32
	end         bool
}

const protocolVersion = 1
const frameIndexEndFlag = uint32(1) << 31

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
		return header{}, fmt.Errorf("serial: %w: short header", cyphal.ErrTransferReassemblyError)
	}
	if buf[0] != protocolVersion {
		return header{}, fmt.Errorf("serial: %w: unsupported header version %d", cyphal.ErrTransferReassemblyError, buf[0])
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
