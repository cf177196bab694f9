package can

import (
	"fmt"

	cyphal "github.com/cyphal-go/gocyphal"
)

// Wire layout constants, spec.md §6 ("CAN frame on wire"). The 29-bit ID
// budget is fixed by the table: 3 (priority) + 1 (service flag) + 1
// (anonymous/role) + 7 (destination) + 7 (source) leaves exactly 10 bits
// at 23..14 for the subject/service field. spec.md §3 models subject-ID as
// an abstract 13-bit value (0..8191, shared with UDP/serial, whose fixed
// headers have room for it); on the wire over CAN that abstract value is
// therefore range-checked against this transport's narrower 10-bit field
// rather than against the full 13-bit model, and IDs that don't fit are
// rejected at construction with ErrInvalidTransportConfiguration. Service-ID
// (9 bits, spec.md's "9 bits + reserved") fits the same 10-bit field with
// one reserved bit to spare.
const (
	arbPriorityShift = 26
	arbServiceFlag   = 1 << 25
	arbAnonymousFlag = 1 << 24 // message: anonymous; service: request(0)/response(1)
	arbSubjectShift  = 14      // bits 23..14
	arbDestShift     = 7       // bits 13..7
	arbSourceMask    = 0x7F
	anonymousSource  = 0x7F

	wireFieldBits = 10 // width of bits 23..14
	serviceBits   = 9
)

const tailStart = 1 << 7
const tailEnd = 1 << 6
const tailToggle = 1 << 5
const tailTransferIDMask = 0x1F

// ArbitrationID encodes the 29-bit extended CAN ID for one frame of a
// transfer (spec.md §6). destination is only meaningful for services.
func ArbitrationID(priority cyphal.Priority, specifier cyphal.DataSpecifier, source, destination cyphal.NodeID) (uint32, error) {
	if !priority.Valid() {
		return 0, fmt.Errorf("can: %w: invalid priority", cyphal.ErrInvalidTransportConfiguration)
	}
	id := uint32(priority) << arbPriorityShift

	src := uint32(anonymousSource)
	if !source.IsAnonymous() {
		if source > cyphal.NodeIDBound(cyphal.TransportCAN) {
			return 0, fmt.Errorf("can: %w: source node-id out of range", cyphal.ErrInvalidTransportConfiguration)
		}
		src = uint32(source)
	}
	id |= src & arbSourceMask

	switch specifier.Kind {
	case cyphal.SpecifierSubject:
		if specifier.SubjectID >= (1 << wireFieldBits) {
			return 0, fmt.Errorf("can: %w: subject-id %d exceeds the CAN transport's 10-bit wire field", cyphal.ErrInvalidTransportConfiguration, specifier.SubjectID)
		}
		id |= uint32(specifier.SubjectID) << arbSubjectShift
		if source.IsAnonymous() {
			id |= arbAnonymousFlag
		}
	case cyphal.SpecifierService:
		if destination.IsAnonymous() || destination > cyphal.NodeIDBound(cyphal.TransportCAN) {
			return 0, fmt.Errorf("can: %w: service transfer requires a valid destination", cyphal.ErrInvalidTransportConfiguration)
		}
		id |= arbServiceFlag
		if specifier.Role == cyphal.RoleResponse {
			id |= arbAnonymousFlag
		}
		if specifier.ServiceID >= (1 << serviceBits) {
			return 0, fmt.Errorf("can: %w: service-id out of range", cyphal.ErrInvalidTransportConfiguration)
		}
		id |= uint32(specifier.ServiceID) << arbSubjectShift
		id |= (uint32(destination) & 0x7F) << arbDestShift
	default:
		return 0, fmt.Errorf("can: %w: invalid data specifier", cyphal.ErrInvalidTransportConfiguration)
	}
	return id, nil
}

// DecodedArbitration is the result of parsing a received arbitration ID.
type DecodedArbitration struct {
	Priority    cyphal.Priority
	Specifier   cyphal.DataSpecifier
	Source      cyphal.NodeID
	Destination cyphal.NodeID // AnonymousNodeID for messages
}

// ParseArbitrationID decodes a 29-bit extended CAN ID into its logical
// fields, the inverse of ArbitrationID.
func ParseArbitrationID(id uint32) DecodedArbitration {
	d := DecodedArbitration{
		Priority:    cyphal.Priority((id >> arbPriorityShift) & 0x7),
		Destination: cyphal.AnonymousNodeID,
	}
	src := cyphal.NodeID(id & arbSourceMask)
	if src == anonymousSource {
		src = cyphal.AnonymousNodeID
	}
	d.Source = src

	if id&arbServiceFlag != 0 {
		serviceID := uint16((id >> arbSubjectShift) & ((1 << serviceBits) - 1))
		role := cyphal.RoleRequest
		if id&arbAnonymousFlag != 0 {
			role = cyphal.RoleResponse
		}
		d.Specifier = cyphal.DataSpecifier{Kind: cyphal.SpecifierService, ServiceID: serviceID, Role: role}
		d.Destination = cyphal.NodeID((id >> arbDestShift) & 0x7F)
	} else {
		subjectID := uint16((id >> arbSubjectShift) & ((1 << wireFieldBits) - 1))
		d.Specifier = cyphal.Subject(subjectID)
		if id&arbAnonymousFlag != 0 {
			d.Source = cyphal.AnonymousNodeID
		}
	}
	return d
}

// EncodeTail builds the tail byte appended to every CAN frame of a
// transfer (spec.md §6).
func EncodeTail(start, end, toggle bool, transferID uint8) byte {
	var b byte
	if start {
		b |= tailStart
	}
	if end {
		b |= tailEnd
	}
	if toggle {
		b |= tailToggle
	}
	b |= transferID & tailTransferIDMask
	return b
}

// DecodeTail reverses EncodeTail.
func DecodeTail(b byte) (start, end, toggle bool, transferID uint8) {
	return b&tailStart != 0, b&tailEnd != 0, b&tailToggle != 0, b & tailTransferIDMask
}
