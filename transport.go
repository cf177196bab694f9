package cyphal

import "context"

// TransferHandler is invoked by an InputSession each time it reassembles a
// new transfer. Implementations must not block; the presentation layer uses
// it to fan a single session out to every subscriber of its data specifier
// (spec.md §4.6).
type TransferHandler interface {
	HandleTransfer(Transfer)
}

// TransferHandlerFunc adapts a function to TransferHandler.
type TransferHandlerFunc func(Transfer)

func (f TransferHandlerFunc) HandleTransfer(t Transfer) { f(t) }

// InputSession reassembles transfers from a specific remote source (or from
// any source, for a promiscuous subscription) over one data specifier.
// Exactly one InputSession exists per (data specifier, remote node-ID) on a
// given transport (spec.md §3 invariants).
type InputSession interface {
	// Specifier this session was opened for.
	Specifier() DataSpecifier
	// SetHandler installs the callback invoked on every reassembled
	// transfer. Only one handler may be installed; the presentation layer
	// installs a fan-out dispatcher here.
	SetHandler(TransferHandler)
	// Close releases the session. Idempotent.
	Close() error
}

// OutputSession serializes transfers into frames destined for a broadcast
// group (messages) or a specific remote node (service requests/responses).
// Shared per (data specifier, destination) per spec.md §3.
type OutputSession interface {
	Specifier() DataSpecifier
	// Send submits a transfer for transmission. The session owns the
	// transfer-ID counter for its (specifier, destination) (spec.md §3:
	// "transfer_id is strictly monotonic per session... one counter per
	// output session"), so transfer.TransferID is assigned internally and
	// any value the caller set is ignored; this is what lets multiple
	// Publishers sharing a subject share one counter without racing each
	// other out of order. Send blocks until the transfer is accepted by
	// the underlying media or ctx is done. Returns ErrResourceClosed if
	// the session or its owning transport has been closed, and ctx.Err()
	// if ctx is already done when the frames would be handed to the media.
	Send(ctx context.Context, transfer Transfer) error
	Close() error
}

// Statistics exposes the transport-level counters of spec.md §5 ("transport
// statistics counters are written only from the transport's own task").
// Transports back these with prometheus counters (see stats.go); callers
// only ever read snapshots.
type Statistics struct {
	FramesReceived        uint64
	FramesSent            uint64
	TransfersReceived     uint64
	TransfersSent         uint64
	ReassemblyErrors      uint64
	TransferIDRegressions uint64
	SendFailures          uint64
}

// Transport is the interface consumed exclusively by the presentation layer
// (spec.md §2). The redundant pseudo-transport (pkg/transport/redundant)
// satisfies it by composing N concrete transports; pkg/transport/{can,udp,
// serial} satisfy it directly.
type Transport interface {
	Kind() TransportKind

	// LocalNodeID returns the node-ID this transport is configured with, or
	// AnonymousNodeID.
	LocalNodeID() NodeID

	// MTU returns the maximum single-frame payload in bytes for this
	// transport; used to decide whether a payload requires multi-frame
	// transfer (and is therefore forbidden for an anonymous publisher).
	MTU() int

	// GetInputSession returns (creating lazily if necessary) the input
	// session for the given specifier and remote node-ID. Pass
	// AnonymousNodeID as remote to get a promiscuous subject subscription.
	GetInputSession(specifier DataSpecifier, remote NodeID) (InputSession, error)

	// GetOutputSession returns (creating lazily if necessary) the shared
	// output session for the given specifier and destination. Pass
	// AnonymousNodeID as destination for a broadcast (message) session.
	GetOutputSession(specifier DataSpecifier, destination NodeID) (OutputSession, error)

	// Statistics returns a snapshot of this transport's counters.
	Statistics() Statistics

	// Close tears down every session owned by this transport and fails any
	// operation still in flight with ErrResourceClosed.
	Close() error
}

// Capturable is implemented by transports that can deliver a raw capture
// stream (spec.md §4.7). Not every Transport need support it; the redundant
// pseudo-transport forwards it per-inferior.
type Capturable interface {
	BeginCapture(handler CaptureHandler) error
}

// CaptureRecord is one observed frame, timestamped at the moment it was
// seen by the transport's I/O context. Opaque frame bytes are kept
// transport-specific (CAN/UDP/serial have different wire layouts); the
// tracer (pkg/capture) is what turns a stream of these back into Transfers.
type CaptureRecord struct {
	Kind      TransportKind
	Timestamp Timestamp
	// RawFrame is the on-wire encoding of the frame: for CAN, 4 bytes ID +
	// up to 64 bytes data; for UDP/serial, the full datagram/COBS-decoded
	// frame including header.
	RawFrame []byte
}

// CaptureHandler receives every captured frame. Per spec.md §4.7, handlers
// are invoked from the transport's I/O context and must not block.
type CaptureHandler interface {
	HandleCapture(CaptureRecord)
}

type CaptureHandlerFunc func(CaptureRecord)

func (f CaptureHandlerFunc) HandleCapture(r CaptureRecord) { f(r) }

// Spoofable is implemented by transports that can inject a fully-formed
// transfer with an arbitrary source/destination/transfer-ID (spec.md §4.7).
type Spoofable interface {
	Spoof(ctx context.Context, transfer Transfer) error
}
