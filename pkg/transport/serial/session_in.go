package serial

import (
	"sync"
	"time"

	cyphal "github.com/cyphal-go/gocyphal"
	"github.com/cyphal-go/gocyphal/internal/crc"
	"github.com/cyphal-go/gocyphal/internal/fifo"
)

// reassemblyState tracks one source's in-progress transfer. A serial line
// delivers bytes strictly in order (spec.md §5: "frames of one transfer
// contiguous within a session"), so unlike UDP's out-of-order reorder
// window, frameIndex is only used to detect a dropped frame.
type reassemblyState struct {
	buffer      *fifo.Buffer
	transferID  uint64
	haveTID     bool
	nextIndex   uint32
	inProgress  bool
	lastFrameAt time.Time
}

// inputSession implements cyphal.InputSession for the serial transport,
// grounded on the same shape as pkg/transport/can.inputSession, adapted
// for a 64-bit transfer-id and frame-index instead of a 5-bit toggle.
type inputSession struct {
	transport *Transport
	specifier cyphal.DataSpecifier
	remote    cyphal.NodeID
	extent    int

	mu      sync.Mutex
	sources map[cyphal.NodeID]*reassemblyState
	handler cyphal.TransferHandler
	closed  bool
}

func newInputSession(t *Transport, specifier cyphal.DataSpecifier, remote cyphal.NodeID, extent int) *inputSession {
	return &inputSession{
		transport: t,
		specifier: specifier,
		remote:    remote,
		extent:    extent,
		sources:   make(map[cyphal.NodeID]*reassemblyState),
	}
}

func (s *inputSession) Specifier() cyphal.DataSpecifier { return s.specifier }

func (s *inputSession) SetHandler(h cyphal.TransferHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

func (s *inputSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.sources = nil
	return nil
}

func (s *inputSession) matches(source cyphal.NodeID) bool {
	return s.remote.IsAnonymous() || s.remote == source
}

func (s *inputSession) handleFrame(h header, payload []byte, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	st, ok := s.sources[h.source]
	if !ok {
		st = &reassemblyState{buffer: fifo.NewBuffer(s.extent)}
		s.sources[h.source] = st
	}

	if st.inProgress && !st.lastFrameAt.IsZero() && now.Sub(st.lastFrameAt) > transferTimeout {
		st.inProgress = false
		st.buffer.Reset()
		s.transport.stats.ReassemblyError()
	}

	if h.frameIndex == 0 {
		if st.haveTID && h.transferID <= st.transferID {
			s.transport.stats.TransferIDRegression()
			return
		}
		st.inProgress = true
		st.buffer.Reset()
		st.nextIndex = 0
		st.transferID = h.transferID
	} else {
		if !st.inProgress || h.transferID != st.transferID || h.frameIndex != st.nextIndex {
			// Out-of-sequence or orphaned continuation frame: discard the
			// in-progress transfer, since serial delivery is in-order and
			// a gap means a frame was lost.
			st.inProgress = false
			s.transport.stats.ReassemblyError()
			return
		}
	}
	st.nextIndex++
	st.lastFrameAt = now

	if h.frameIndex == 0 && h.end {
		s.deliver(h, payload, now)
		st.inProgress = false
		st.haveTID = true
		return
	}

	if err := st.buffer.Write(payload); err != nil {
		st.inProgress = false
		s.transport.stats.ReassemblyError()
		return
	}

	if !h.end {
		return
	}

	full := st.buffer.Bytes()
	if len(full) < 2 {
		st.inProgress = false
		s.transport.stats.ReassemblyError()
		return
	}
	data := full[:len(full)-2]
	check := crc.New()
	check.Write(data)
	got := uint16(full[len(full)-2])<<8 | uint16(full[len(full)-1])
	if uint16(check) != got {
		st.inProgress = false
		s.transport.stats.ReassemblyError()
		return
	}
	s.deliver(h, append([]byte(nil), data...), now)
	st.inProgress = false
	st.haveTID = true
}

func (s *inputSession) deliver(h header, payload []byte, now time.Time) {
	if s.handler == nil {
		return
	}
	s.transport.stats.TransferReceived()
	s.handler.HandleTransfer(cyphal.Transfer{
		Priority:     h.priority,
		TransferID:   h.transferID,
		SourceNodeID: h.source,
		DestNodeID:   h.destination,
		Specifier:    s.specifier,
		Payload:      payload,
		Timestamp:    cyphal.Timestamp{System: now},
	})
}
