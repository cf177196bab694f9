package can

import (
	"context"
	"sync"

	cyphal "github.com/cyphal-go/gocyphal"
	"github.com/cyphal-go/gocyphal/internal/crc"
)

// outputSession implements cyphal.OutputSession. One instance is shared by
// every Publisher (or Client/Server) writing to the same (specifier,
// destination) pair, and owns that pair's transfer-ID counter: spec.md §3
// requires transfer-ID be strictly monotonic per session, so the counter
// increment and the frame transmission happen under the same lock (see the
// contract documented on cyphal.OutputSession.Send).
//
// chunkPayload is the per-frame data budget (a frame's data length minus the
// one-byte tail), derived from the owning Transport's configured FrameFormat
// — classic CAN 2.0's 7 bytes or CAN FD's 63. It applies identically to the
// first frame of a multi-frame transfer and every continuation; only the
// final frame's occupancy varies, since the CRC only costs budget there.
type outputSession struct {
	transport   *Transport
	specifier   cyphal.DataSpecifier
	destination cyphal.NodeID

	chunkPayload int

	mu         sync.Mutex
	transferID uint8
	closed     bool
}

func newOutputSession(t *Transport, specifier cyphal.DataSpecifier, destination cyphal.NodeID) *outputSession {
	return &outputSession{transport: t, specifier: specifier, destination: destination, chunkPayload: t.frameDataLength - 1}
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

	source := s.transport.LocalNodeID()
	payload := transfer.Payload
	frames, err := s.buildFrames(transfer.Priority, source, payload)
	if err != nil {
		s.transport.stats.SendFailure()
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.transport.driver.Send(frames); err != nil {
		s.transport.stats.SendFailure()
		return err
	}
	for range frames {
		s.transport.stats.FrameSent()
	}
	s.transport.stats.TransferSent()
	s.transferID = (s.transferID + 1) % transferIDModulo
	return nil
}

// buildFrames chunks payload into one or more CAN frames carrying the
// current (not-yet-incremented) transfer-ID, per spec.md §6's tail-byte
// scheme. The anonymous-publisher single-frame restriction (spec.md §4.2:
// "an anonymous node may only publish single-frame messages") is enforced
// here since only Send knows both the source and the final frame count.
func (s *outputSession) buildFrames(priority cyphal.Priority, source cyphal.NodeID, payload []byte) ([]Frame, error) {
	if len(payload) <= s.chunkPayload {
		id, err := ArbitrationID(priority, s.specifier, source, s.destination)
		if err != nil {
			return nil, err
		}
		data := make([]byte, len(payload)+1)
		copy(data, payload)
		data[len(data)-1] = EncodeTail(true, true, true, s.transferID)
		return []Frame{{ID: id, Data: data}}, nil
	}

	if source.IsAnonymous() {
		return nil, cyphal.ErrPayloadTooLarge
	}

	id, err := ArbitrationID(priority, s.specifier, source, s.destination)
	if err != nil {
		return nil, err
	}

	check := crc.New()
	check.Write(payload)
	full := append(append([]byte(nil), payload...), byte(check>>8), byte(check))

	var frames []Frame
	toggle := true
	start := true
	for offset := 0; offset < len(full); offset += s.chunkPayload {
		end := offset+s.chunkPayload >= len(full)
		chunkEnd := offset + s.chunkPayload
		if chunkEnd > len(full) {
			chunkEnd = len(full)
		}
		chunk := full[offset:chunkEnd]
		data := make([]byte, len(chunk)+1)
		copy(data, chunk)
		data[len(data)-1] = EncodeTail(start, end, toggle, s.transferID)
		frames = append(frames, Frame{ID: id, Data: data})
		toggle = !toggle
		start = false
	}
	return frames, nil
}
