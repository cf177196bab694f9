package udp

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
	tp := &Transport{stats: cyphal.NewStatCounters(nil, cyphal.TransportUDP, "test")}
	s := newInputSession(tp, specifier, remote)
	h := &recordingHandler{}
	s.SetHandler(h)
	return s, h
}

func TestSingleFrameDatagramDelivered(t *testing.T) {
	subject := cyphal.Subject(1)
	s, h := newTestSession(subject, cyphal.AnonymousNodeID)

	hdr := header{priority: cyphal.PriorityNominal, specifier: subject, source: 10, destination: cyphal.AnonymousNodeID, transferID: 0, frameIndex: 0, end: true}
	s.handleDatagram(hdr, []byte("hello"), time.Now())

	require.Len(t, h.transfers, 1)
	assert.Equal(t, []byte("hello"), h.transfers[0].Payload)
}

func TestOutOfOrderFramesReassembleWithCRC(t *testing.T) {
	subject := cyphal.Subject(2)
	s, h := newTestSession(subject, cyphal.AnonymousNodeID)

	payload := make([]byte, 20)
	for i := range payload {
		payload[i] = byte(i)
	}
	check := crc.Of(payload)
	full := append(append([]byte(nil), payload...), byte(check>>8), byte(check))

	chunk0 := full[:10]
	chunk1 := full[10:]

	now := time.Now()
	// Deliver end frame before start frame: reassembly must tolerate this.
	s.handleDatagram(header{specifier: subject, source: 11, transferID: 5, frameIndex: 1, end: true}, chunk1, now)
	require.Empty(t, h.transfers)
	s.handleDatagram(header{specifier: subject, source: 11, transferID: 5, frameIndex: 0, end: false}, chunk0, now)

	require.Len(t, h.transfers, 1)
	assert.Equal(t, payload, h.transfers[0].Payload)
}

func TestStaleTransferIDRejected(t *testing.T) {
	subject := cyphal.Subject(3)
	s, h := newTestSession(subject, cyphal.AnonymousNodeID)
	now := time.Now()

	s.handleDatagram(header{specifier: subject, source: 12, transferID: 10, frameIndex: 0, end: true}, []byte("a"), now)
	s.handleDatagram(header{specifier: subject, source: 12, transferID: 5, frameIndex: 0, end: true}, []byte("b"), now)

	require.Len(t, h.transfers, 1)
	assert.Equal(t, []byte("a"), h.transfers[0].Payload)
}

func TestCorruptedCRCDiscarded(t *testing.T) {
	subject := cyphal.Subject(4)
	s, h := newTestSession(subject, cyphal.AnonymousNodeID)
	now := time.Now()

	payload := []byte("corrupted-payload-data")
	badCRC := []byte{0x00, 0x00}
	full := append(append([]byte(nil), payload...), badCRC...)

	s.handleDatagram(header{specifier: subject, source: 13, transferID: 0, frameIndex: 0, end: false}, full[:10], now)
	s.handleDatagram(header{specifier: subject, source: 13, transferID: 0, frameIndex: 1, end: true}, full[10:], now)

	assert.Empty(t, h.transfers)
}
