package serial

import (
	"context"
	"sync"

	cyphal "github.com/cyphal-go/gocyphal"
	"github.com/cyphal-go/gocyphal/internal/crc"
)

// maxFramePayload bounds a single serial frame's payload before COBS
// expansion and header overhead; chosen generously since the line has no
// fixed MTU the way CAN/UDP do.
const maxFramePayload = 4096 - HeaderLength

// outputSession implements cyphal.OutputSession for the serial transport,
// sharing one transfer-id counter per (specifier, destination), same
// contract as pkg/transport/can.outputSession and pkg/transport/udp's.
type outputSession struct {
	transport   *Transport
	specifier   cyphal.DataSpecifier
	destination cyphal.NodeID

	mu         sync.Mutex
	transferID uint64
	closed     bool
}

func (s *outputSession) Specifier() cyphal.DataSpecifier { return s.specifier }

func (s *outputSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *outputSession) Send(ctx context.Context, transfer cyphal.Transfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return cyphal.ErrResourceClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	source := s.transport.localNodeID
	payload := transfer.Payload
	if source.IsAnonymous() && len(payload) > maxFramePayload {
		s.transport.stats.SendFailure()
		return cyphal.ErrPayloadTooLarge
	}

	frames := s.buildFrames(transfer.Priority, source, payload)
	for _, f := range frames {
		if err := s.transport.writeFrame(f); err != nil {
			s.transport.stats.SendFailure()
			return err
		}
		s.transport.stats.FrameSent()
	}
	s.transport.stats.TransferSent()
	s.transferID++
	return nil
}

func (s *outputSession) buildFrames(priority cyphal.Priority, source cyphal.NodeID, payload []byte) [][]byte {
	if len(payload) <= maxFramePayload {
		h := header{priority: priority, specifier: s.specifier, source: source, destination: s.destination, transferID: s.transferID, frameIndex: 0, end: true}
		return [][]byte{append(encodeHeader(h), payload...)}
	}

	check := crc.New()
	check.Write(payload)
	full := append(append([]byte(nil), payload...), byte(check>>8), byte(check))

	var frames [][]byte
	var idx uint32
	for offset := 0; offset < len(full); offset += maxFramePayload {
		end := offset+maxFramePayload >= len(full)
		chunkEnd := offset + maxFramePayload
		if chunkEnd > len(full) {
			chunkEnd = len(full)
		}
		chunk := full[offset:chunkEnd]
		h := header{priority: priority, specifier: s.specifier, source: source, destination: s.destination, transferID: s.transferID, frameIndex: idx, end: end}
		frames = append(frames, append(encodeHeader(h), chunk...))
		idx++
	}
	return frames
}
