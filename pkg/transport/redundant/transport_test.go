package redundant

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	cyphal "github.com/cyphal-go/gocyphal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport is a minimal in-memory cyphal.Transport + cyphal.Spoofable
// used to exercise the redundant pseudo-transport's fan-out and dedup
// logic without involving real media.
type fakeTransport struct {
	mu       sync.Mutex
	handlers map[cyphal.DataSpecifier]cyphal.TransferHandler
	failSend bool
	delay    time.Duration
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[cyphal.DataSpecifier]cyphal.TransferHandler)}
}

func (f *fakeTransport) Kind() cyphal.TransportKind { return cyphal.TransportCAN }
func (f *fakeTransport) LocalNodeID() cyphal.NodeID { return 1 }
func (f *fakeTransport) MTU() int                   { return 63 }
func (f *fakeTransport) Statistics() cyphal.Statistics { return cyphal.Statistics{} }
func (f *fakeTransport) Close() error                { return nil }

func (f *fakeTransport) GetInputSession(specifier cyphal.DataSpecifier, remote cyphal.NodeID) (cyphal.InputSession, error) {
	return &fakeInputSession{transport: f, specifier: specifier}, nil
}

func (f *fakeTransport) GetOutputSession(specifier cyphal.DataSpecifier, destination cyphal.NodeID) (cyphal.OutputSession, error) {
	return nil, errors.New("not used in these tests")
}

func (f *fakeTransport) Spoof(ctx context.Context, transfer cyphal.Transfer) error {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	failSend := f.failSend
	handler := f.handlers[transfer.Specifier]
	f.mu.Unlock()
	if failSend {
		return errors.New("simulated send failure")
	}
	if handler != nil {
		handler.HandleTransfer(transfer)
	}
	return nil
}

type fakeInputSession struct {
	transport *fakeTransport
	specifier cyphal.DataSpecifier
}

func (s *fakeInputSession) Specifier() cyphal.DataSpecifier { return s.specifier }
func (s *fakeInputSession) SetHandler(h cyphal.TransferHandler) {
	s.transport.mu.Lock()
	defer s.transport.mu.Unlock()
	s.transport.handlers[s.specifier] = h
}
func (s *fakeInputSession) Close() error { return nil }

type recordingHandler struct {
	mu        sync.Mutex
	transfers []cyphal.Transfer
}

func (h *recordingHandler) HandleTransfer(tr cyphal.Transfer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.transfers = append(h.transfers, tr)
}

func (h *recordingHandler) all() []cyphal.Transfer {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]cyphal.Transfer(nil), h.transfers...)
}

func TestRedundantFastestWins(t *testing.T) {
	slow := newFakeTransport()
	slow.delay = 50 * time.Millisecond
	fast := newFakeTransport()

	rt := NewTransport(1, nil)
	require.NoError(t, rt.AddInferior(slow))
	require.NoError(t, rt.AddInferior(fast))

	subject := cyphal.Subject(1)
	out, err := rt.GetOutputSession(subject, cyphal.AnonymousNodeID)
	require.NoError(t, err)

	start := time.Now()
	err = out.Send(context.Background(), cyphal.Transfer{Specifier: subject, Payload: []byte("x")})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 40*time.Millisecond)
}

func TestRedundantSendFailedWhenAllFail(t *testing.T) {
	a := newFakeTransport()
	a.failSend = true
	b := newFakeTransport()
	b.failSend = true

	rt := NewTransport(1, nil)
	require.NoError(t, rt.AddInferior(a))
	require.NoError(t, rt.AddInferior(b))

	subject := cyphal.Subject(2)
	out, err := rt.GetOutputSession(subject, cyphal.AnonymousNodeID)
	require.NoError(t, err)

	err = out.Send(context.Background(), cyphal.Transfer{Specifier: subject, Payload: []byte("x")})
	assert.ErrorIs(t, err, cyphal.ErrSendFailed)
}

func TestRedundantDeduplicatesAcrossInferiors(t *testing.T) {
	a := newFakeTransport()
	b := newFakeTransport()

	rt := NewTransport(1, nil)
	require.NoError(t, rt.AddInferior(a))
	require.NoError(t, rt.AddInferior(b))

	subject := cyphal.Subject(3)
	in, err := rt.GetInputSession(subject, cyphal.AnonymousNodeID)
	require.NoError(t, err)
	handler := &recordingHandler{}
	in.SetHandler(handler)

	// Same logical transfer delivered over both inferiors.
	tr := cyphal.Transfer{Specifier: subject, SourceNodeID: 9, TransferID: 42, Payload: []byte("dup")}
	a.mu.Lock()
	aHandler := a.handlers[subject]
	a.mu.Unlock()
	b.mu.Lock()
	bHandler := b.handlers[subject]
	b.mu.Unlock()

	aHandler.HandleTransfer(tr)
	bHandler.HandleTransfer(tr)

	assert.Len(t, handler.all(), 1)
}
