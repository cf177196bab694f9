package cyphal

import "fmt"

// Priority is one of the eight Cyphal transfer priority levels (0..7). Lower
// numeric value means higher priority on the bus; this mirrors the 3-bit
// field placed directly into the CAN arbitration ID (spec.md §6).
type Priority uint8

const (
	PriorityExceptional Priority = 0
	PriorityImmediate   Priority = 1
	PriorityFast        Priority = 2
	PriorityHigh        Priority = 3
	PriorityNominal     Priority = 4
	PriorityLow         Priority = 5
	PrioritySlow        Priority = 6
	PriorityOptional    Priority = 7
)

const maxPriority = PriorityOptional

func (p Priority) Valid() bool {
	return p <= maxPriority
}

func (p Priority) String() string {
	switch p {
	case PriorityExceptional:
		return "exceptional"
	case PriorityImmediate:
		return "immediate"
	case PriorityFast:
		return "fast"
	case PriorityHigh:
		return "high"
	case PriorityNominal:
		return "nominal"
	case PriorityLow:
		return "low"
	case PrioritySlow:
		return "slow"
	case PriorityOptional:
		return "optional"
	default:
		return fmt.Sprintf("priority(%d)", uint8(p))
	}
}
