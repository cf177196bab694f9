package cyphal

import "time"

// Timestamp pairs the wall-clock time with a monotonic reading, following
// spec.md §3 ("system + monotonic pair"). The monotonic component is the
// one ordering and timeout logic must use; System is carried for display
// and logging only.
type Timestamp struct {
	System    time.Time
	Monotonic time.Duration // elapsed since an arbitrary, process-local epoch
}

// Transfer is the atomic unit exchanged by a Transport (spec.md §3).
type Transfer struct {
	Priority      Priority
	TransferID    uint64 // interpreted modulo the owning transport's window
	SourceNodeID  NodeID // AnonymousNodeID for an anonymous publisher
	DestNodeID    NodeID // AnonymousNodeID (broadcast) for messages
	Specifier     DataSpecifier
	Payload       []byte
	Timestamp     Timestamp
}

// Metadata is a Transfer stripped of its payload, as returned by
// Transfer.Metadata.
type Metadata struct {
	Priority     Priority
	TransferID   uint64
	SourceNodeID NodeID
	DestNodeID   NodeID
	Specifier    DataSpecifier
	Timestamp    Timestamp
}

func (t Transfer) Metadata() Metadata {
	return Metadata{
		Priority:     t.Priority,
		TransferID:   t.TransferID,
		SourceNodeID: t.SourceNodeID,
		DestNodeID:   t.DestNodeID,
		Specifier:    t.Specifier,
		Timestamp:    t.Timestamp,
	}
}
