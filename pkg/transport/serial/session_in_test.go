package serial

import (
	"testing"
	"time"

	cyphal "github.com/cyphal-go/gocyphal"
	"github.com/cyphal-go/gocyphal/internal/crc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	transfers []cyphal.Transfer
}

func (h *recordingHandler) HandleTransfer(tr cyphal.Transfer) {
	h.transfers = append(h.transfers, tr)
}

func newTestSession(specifier cyphal.DataSpecifier, remote cyphal.NodeID) (*inputSession, *recordingHandler) {
	tp := &Transport{stats: cyphal.NewStatCounters(nil, cyphal.TransportSerial, "test")}
	s := newInputSession(tp, specifier, remote, 1<<16)
	h := &recordingHandler{}
	s.SetHandler(h)
	return s, h
}

func TestSingleFrameTransferDelivered(t *testing.T) {
	subject := cyphal.Subject(1)
	s, h := newTestSession(subject, cyphal.AnonymousNodeID)

	hdr := header{specifier: subject, source: 9, transferID: 0, frameIndex: 0, end: true}
	s.handleFrame(hdr, []byte("payload"), time.Now())

	require.Len(t, h.transfers, 1)
	assert.Equal(t, []byte("payload"), h.transfers[0].Payload)
}

func TestMultiFrameInOrderReassembly(t *testing.T) {
	subject := cyphal.Subject(2)
	s, h := newTestSession(subject, cyphal.AnonymousNodeID)

	payload := make([]byte, 30)
	for i := range payload {
		payload[i] = byte(i)
	}
	check := crc.Of(payload)
	full := append(append([]byte(nil), payload...), byte(check>>8), byte(check))

	now := time.Now()
	s.handleFrame(header{specifier: subject, source: 4, transferID: 1, frameIndex: 0, end: false}, full[:15], now)
	s.handleFrame(header{specifier: subject, source: 4, transferID: 1, frameIndex: 1, end: true}, full[15:], now)

	require.Len(t, h.transfers, 1)
	assert.Equal(t, payload, h.transfers[0].Payload)
}

func TestGapInSequenceDiscardsTransfer(t *testing.T) {
	subject := cyphal.Subject(3)
	s, h := newTestSession(subject, cyphal.AnonymousNodeID)
	now := time.Now()

	s.handleFrame(header{specifier: subject, source: 5, transferID: 1, frameIndex: 0, end: false}, []byte("part0"), now)
	// Skip frameIndex 1, jump straight to 2.
	s.handleFrame(header{specifier: subject, source: 5, transferID: 1, frameIndex: 2, end: true}, []byte("part2"), now)

	assert.Empty(t, h.transfers)
}

func TestStaleTransferIDRejectedOnStart(t *testing.T) {
	subject := cyphal.Subject(4)
	s, h := newTestSession(subject, cyphal.AnonymousNodeID)
	now := time.Now()

	s.handleFrame(header{specifier: subject, source: 6, transferID: 10, frameIndex: 0, end: true}, []byte("a"), now)
	s.handleFrame(header{specifier: subject, source: 6, transferID: 3, frameIndex: 0, end: true}, []byte("b"), now)

	require.Len(t, h.transfers, 1)
	assert.Equal(t, []byte("a"), h.transfers[0].Payload)
}
