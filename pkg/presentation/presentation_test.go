package presentation

import (
	"context"
	"sync"
	"testing"
	"time"

	cyphal "github.com/cyphal-go/gocyphal"
	"github.com/cyphal-go/gocyphal/pkg/register"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loopbackBus and loopbackTransport are a minimal in-memory cyphal.Transport
// fixture (no framing, no reassembly) so the presentation layer can be
// exercised against something other than a mock of itself: every Send is
// delivered synchronously to every other attached transport's matching
// input sessions, the way the teacher's virtual CAN bus (pkg/can/virtual)
// loops frames back to every attached node.
type loopbackBus struct {
	mu     sync.Mutex
	nodes  []*loopbackTransport
}

func (b *loopbackBus) attach(t *loopbackTransport) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nodes = append(b.nodes, t)
}

func (b *loopbackBus) dispatch(transfer cyphal.Transfer) {
	b.mu.Lock()
	nodes := append([]*loopbackTransport(nil), b.nodes...)
	b.mu.Unlock()
	for _, n := range nodes {
		n.deliver(transfer)
	}
}

type loopbackTransport struct {
	bus       *loopbackBus
	localNode cyphal.NodeID

	mu       sync.Mutex
	sessions map[inputKey]*loopbackInputSession
	counters map[outputKey]*uint64
}

func newLoopbackTransport(bus *loopbackBus, localNode cyphal.NodeID) *loopbackTransport {
	t := &loopbackTransport{
		bus:       bus,
		localNode: localNode,
		sessions:  make(map[inputKey]*loopbackInputSession),
		counters:  make(map[outputKey]*uint64),
	}
	bus.attach(t)
	return t
}

func (t *loopbackTransport) Kind() cyphal.TransportKind     { return cyphal.TransportCAN }
func (t *loopbackTransport) LocalNodeID() cyphal.NodeID     { return t.localNode }
func (t *loopbackTransport) MTU() int                       { return 1 << 20 }
func (t *loopbackTransport) Statistics() cyphal.Statistics  { return cyphal.Statistics{} }
func (t *loopbackTransport) Close() error                   { return nil }

func (t *loopbackTransport) GetInputSession(specifier cyphal.DataSpecifier, remote cyphal.NodeID) (cyphal.InputSession, error) {
	key := inputKey{specifier: specifier, remote: remote}
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[key]
	if !ok {
		s = &loopbackInputSession{specifier: specifier, remote: remote}
		t.sessions[key] = s
	}
	return s, nil
}

func (t *loopbackTransport) GetOutputSession(specifier cyphal.DataSpecifier, destination cyphal.NodeID) (cyphal.OutputSession, error) {
	key := outputKey{specifier: specifier, destination: destination}
	t.mu.Lock()
	counter, ok := t.counters[key]
	if !ok {
		counter = new(uint64)
		t.counters[key] = counter
	}
	t.mu.Unlock()
	return &loopbackOutputSession{bus: t.bus, specifier: specifier, destination: destination, counter: counter}, nil
}

// Spoof delivers transfer with its TransferID taken as given, bypassing any
// output session counter — the loopback equivalent of the real transports'
// Spoof, which the presentation layer's Client/Server rely on to control
// the transfer-ID their request/response pairs share.
func (t *loopbackTransport) Spoof(ctx context.Context, transfer cyphal.Transfer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.bus.dispatch(transfer)
	return nil
}

func (t *loopbackTransport) deliver(transfer cyphal.Transfer) {
	if !transfer.DestNodeID.IsAnonymous() && transfer.DestNodeID != t.localNode {
		return
	}
	t.mu.Lock()
	var matches []*loopbackInputSession
	for key, s := range t.sessions {
		if key.specifier != transfer.Specifier {
			continue
		}
		if !key.remote.IsAnonymous() && key.remote != transfer.SourceNodeID {
			continue
		}
		matches = append(matches, s)
	}
	t.mu.Unlock()
	for _, s := range matches {
		s.handle(transfer)
	}
}

type loopbackInputSession struct {
	specifier cyphal.DataSpecifier
	remote    cyphal.NodeID

	mu      sync.Mutex
	handler cyphal.TransferHandler
}

func (s *loopbackInputSession) Specifier() cyphal.DataSpecifier { return s.specifier }
func (s *loopbackInputSession) SetHandler(h cyphal.TransferHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}
func (s *loopbackInputSession) Close() error { return nil }
func (s *loopbackInputSession) handle(t cyphal.Transfer) {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h != nil {
		h.HandleTransfer(t)
	}
}

type loopbackOutputSession struct {
	bus         *loopbackBus
	specifier   cyphal.DataSpecifier
	destination cyphal.NodeID

	mu      sync.Mutex
	counter *uint64
}

func (s *loopbackOutputSession) Specifier() cyphal.DataSpecifier { return s.specifier }
func (s *loopbackOutputSession) Close() error                    { return nil }
func (s *loopbackOutputSession) Send(ctx context.Context, transfer cyphal.Transfer) error {
	s.mu.Lock()
	*s.counter++
	transfer.TransferID = *s.counter
	s.mu.Unlock()
	s.bus.dispatch(transfer)
	return nil
}

func TestPublishSubscribeFanout(t *testing.T) {
	bus := &loopbackBus{}
	pubNode := newLoopbackTransport(bus, 1)
	subNode := newLoopbackTransport(bus, 2)

	pubPresentation := New(pubNode, 1)
	subPresentation := New(subNode, 2)

	pub, err := NewPublisher(pubPresentation, 100, cyphal.PriorityNominal)
	require.NoError(t, err)
	defer pub.Close()

	subA, err := NewSubscriber(subPresentation, 100, cyphal.AnonymousNodeID, 4)
	require.NoError(t, err)
	defer subA.Close()
	subB, err := NewSubscriber(subPresentation, 100, cyphal.AnonymousNodeID, 4)
	require.NoError(t, err)
	defer subB.Close()

	require.NoError(t, pub.Publish(context.Background(), []byte("hello")))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := subA.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got.Payload)

	got, err = subB.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got.Payload)
}

func TestClientServerRoundTrip(t *testing.T) {
	bus := &loopbackBus{}
	clientNode := newLoopbackTransport(bus, 1)
	serverNode := newLoopbackTransport(bus, 2)

	clientPresentation := New(clientNode, 1)
	serverPresentation := New(serverNode, 2)

	srv, err := NewServer(serverPresentation, 50, cyphal.PriorityNominal, func(ctx context.Context, requester cyphal.NodeID, request []byte) ([]byte, error) {
		return append([]byte("echo:"), request...), nil
	}, nil)
	require.NoError(t, err)
	defer srv.Close()

	client := NewClient(clientPresentation, 50, cyphal.PriorityNominal)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := client.Call(ctx, 2, []byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, []byte("echo:ping"), resp)
}

func TestClientCallTimesOutWithoutServer(t *testing.T) {
	bus := &loopbackBus{}
	clientNode := newLoopbackTransport(bus, 1)
	_ = newLoopbackTransport(bus, 2)
	clientPresentation := New(clientNode, 1)

	client := NewClient(clientPresentation, 50, cyphal.PriorityNominal)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := client.Call(ctx, 2, []byte("ping"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClientIgnoresResponseWithMismatchedTransferID(t *testing.T) {
	bus := &loopbackBus{}
	clientNode := newLoopbackTransport(bus, 1)
	_ = newLoopbackTransport(bus, 2)

	clientPresentation := New(clientNode, 1)
	client := NewClient(clientPresentation, 50, cyphal.PriorityNominal)

	// A late response from a prior call would carry the same source and
	// specifier but a different transfer-id; it must not be delivered to
	// this call (spec.md §8 invariant 5: "mismatched responses are never
	// returned"). The correctly-numbered response (transfer-id 0, the
	// first this Client allocates for server 2) arrives shortly after.
	respSpecifier := cyphal.ServiceResponse(50)
	go func() {
		time.Sleep(5 * time.Millisecond)
		bus.dispatch(cyphal.Transfer{
			Priority: cyphal.PriorityNominal, SourceNodeID: 2, DestNodeID: 1,
			Specifier: respSpecifier, TransferID: 999, Payload: []byte("stale"),
		})
		time.Sleep(5 * time.Millisecond)
		bus.dispatch(cyphal.Transfer{
			Priority: cyphal.PriorityNominal, SourceNodeID: 2, DestNodeID: 1,
			Specifier: respSpecifier, TransferID: 0, Payload: []byte("correct"),
		})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := client.Call(ctx, 2, []byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, []byte("correct"), resp)
}

func TestBuilderBuildAllSkipsInvalidAndClientServer(t *testing.T) {
	bus := &loopbackBus{}
	node := newLoopbackTransport(bus, 1)
	presentation := New(node, 1)
	builder := NewBuilder(presentation, cyphal.PriorityNominal, nil)

	ports := map[string]register.PortSpec{
		"measurement": {Kind: register.PortPublisher, PortID: 100, Valid: true},
		"command":     {Kind: register.PortSubscriber, PortID: 101, Valid: true},
		"unset":       {Kind: register.PortPublisher, PortID: 0, Valid: false},
		"setpoint":    {Kind: register.PortClient, PortID: 60, Valid: true},
	}
	publishers, subscribers, err := builder.BuildAll(ports)
	require.NoError(t, err)
	assert.Contains(t, publishers, "measurement")
	assert.Contains(t, subscribers, "command")
	assert.NotContains(t, publishers, "unset")
	assert.NotContains(t, publishers, "setpoint")
	assert.NotContains(t, subscribers, "setpoint")

	defer publishers["measurement"].Close()
	defer subscribers["command"].Close()
}
