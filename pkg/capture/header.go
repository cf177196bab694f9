package capture

import (
	"encoding/binary"
	"fmt"

	cyphal "github.com/cyphal-go/gocyphal"
)

// udpLikeHeaderLength is the fixed header both the UDP and serial transports
// prepend to every frame (pkg/transport/udp/header.go, pkg/transport/serial/
// header.go — deliberately duplicated there since the two transports'
// frame-index semantics differ on the rest of the frame; this is a third,
// read-only copy of the same decode since the tracer only ever needs to
// read a captured header back out, never build one).
const udpLikeHeaderLength = 24

const (
	udpLikeFlagService  = 1 << 0
	udpLikeFlagResponse = 1 << 1
	udpLikeFlagAnon     = 1 << 2
	udpLikeFrameIndexEnd = uint32(1) << 31
)

type udpLikeHeader struct {
	priority    cyphal.Priority
	specifier   cyphal.DataSpecifier
	source      cyphal.NodeID
	destination cyphal.NodeID
	transferID  uint64
	frameIndex  uint32
	end         bool
}

func decodeUDPLikeHeader(buf []byte) (udpLikeHeader, error) {
	if len(buf) < udpLikeHeaderLength {
		return udpLikeHeader{}, fmt.Errorf("capture: %w: short header", cyphal.ErrTransferReassemblyError)
	}
	flags := buf[2]
	src := binary.BigEndian.Uint16(buf[4:6])
	source := cyphal.NodeID(src)
	if src == 0xFFFF || flags&udpLikeFlagAnon != 0 {
		source = cyphal.AnonymousNodeID
	}
	dst := binary.BigEndian.Uint16(buf[6:8])
	destination := cyphal.NodeID(dst)
	if dst == 0xFFFF {
		destination = cyphal.AnonymousNodeID
	}
	specID := binary.BigEndian.Uint16(buf[8:10])

	var specifier cyphal.DataSpecifier
	if flags&udpLikeFlagService != 0 {
		role := cyphal.RoleRequest
		if flags&udpLikeFlagResponse != 0 {
			role = cyphal.RoleResponse
		}
		specifier = cyphal.DataSpecifier{Kind: cyphal.SpecifierService, ServiceID: specID, Role: role}
	} else {
		specifier = cyphal.Subject(specID)
	}

	idx := binary.BigEndian.Uint32(buf[18:22])
	return udpLikeHeader{
		priority:    cyphal.Priority(buf[1]),
		specifier:   specifier,
		source:      source,
		destination: destination,
		transferID:  binary.BigEndian.Uint64(buf[10:18]),
		frameIndex:  idx &^ udpLikeFrameIndexEnd,
		end:         idx&udpLikeFrameIndexEnd != 0,
	}, nil
}

// payloadOf returns buf with its leading fixed header stripped.
func (h udpLikeHeader) payloadOf(buf []byte) []byte {
	return buf[udpLikeHeaderLength:]
}
