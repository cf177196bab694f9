package cyphal

import "errors"

// Sentinel errors shared by every transport and presentation-layer
// component. Transport implementations wrap these with fmt.Errorf("...: %w")
// rather than minting their own error types, following the style of
// gocanopen's root errors.go.
var (
	// ErrTimeout is returned by presentation.Client.Call when its context's
	// deadline passes before the response arrives; that error also wraps
	// context.DeadlineExceeded. Other operations report a done context as
	// ctx.Err(). Benign and expected during normal operation.
	ErrTimeout = errors.New("cyphal: deadline exceeded")

	// ErrInvalidTransportConfiguration is returned at construction time for
	// a bad endpoint, an out-of-range node-ID, or conflicting port-IDs.
	ErrInvalidTransportConfiguration = errors.New("cyphal: invalid transport configuration")

	// ErrUnsupportedCapability is returned when an operation is not
	// supported by the underlying platform or media, e.g. spoofing a UDP
	// source address on a platform that forbids it.
	ErrUnsupportedCapability = errors.New("cyphal: capability not supported")

	// ErrResourceClosed is returned by any operation attempted against a
	// transport, session, or port after Close has been called.
	ErrResourceClosed = errors.New("cyphal: resource closed")

	// ErrSendFailed is returned when the media driver refused a frame, or
	// when every inferior of a redundant transport failed to send.
	ErrSendFailed = errors.New("cyphal: send failed")

	// ErrPayloadTooLarge is returned when a payload exceeds the transport
	// MTU times the maximum frame count, or when an anonymous publisher
	// attempts to emit a multi-frame transfer.
	ErrPayloadTooLarge = errors.New("cyphal: payload too large")

	// ErrTransferReassemblyError is never returned to a caller. It is
	// reported only through a transport's statistics counters and through
	// the tracer's error stream; it is exported so tracers and tests can
	// compare against it with errors.Is.
	ErrTransferReassemblyError = errors.New("cyphal: transfer reassembly error")
)
