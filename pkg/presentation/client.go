package presentation

import (
	"context"
	"fmt"
	"sync"

	cyphal "github.com/cyphal-go/gocyphal"
)

// Client issues requests to a service and correlates responses, directly
// generalizing pkg/sdo/client.go's request/response matching (there by SDO
// index/subindex and a toggle bit; here by (server node-id, transfer-id),
// per spec.md §4.6's "the returned response is sent with the same
// transfer-ID as the request" and §8 invariant 5 ("mismatched responses are
// never returned").
//
// A normal OutputSession assigns its transfer-ID internally and never
// returns it (see transport.go's OutputSession.Send doc), which would
// leave the client unable to learn the ID it must wait for. Instead Call
// allocates the transfer-ID itself and writes the request through
// cyphal.Spoofable.Spoof — the same explicit-ID bypass
// pkg/transport/redundant/output.go uses to give one transfer-id to every
// inferior — so both the request and the eventual response key on a value
// the client chose up front. Calls to the same server are still serialized
// per Client instance, but correctness against stale/late responses no
// longer depends on that serialization: a listener only accepts a response
// whose transfer-ID matches the call that is currently waiting.
type Client struct {
	presentation *Presentation
	serviceID    uint16
	priority     cyphal.Priority

	mu      sync.Mutex
	perServ map[cyphal.NodeID]*serverState
}

type serverState struct {
	mu     sync.Mutex
	nextID uint64
}

// NewClient builds a Client for serviceID.
func NewClient(p *Presentation, serviceID uint16, priority cyphal.Priority) *Client {
	return &Client{
		presentation: p,
		serviceID:    serviceID,
		priority:     priority,
		perServ:      make(map[cyphal.NodeID]*serverState),
	}
}

func (c *Client) serverState(server cyphal.NodeID) *serverState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.perServ[server]
	if !ok {
		st = &serverState{}
		c.perServ[server] = st
	}
	return st
}

// Call sends a request to server and blocks for its response or ctx.
func (c *Client) Call(ctx context.Context, server cyphal.NodeID, request []byte) ([]byte, error) {
	spoofer, ok := c.presentation.transport.(cyphal.Spoofable)
	if !ok {
		return nil, fmt.Errorf("presentation: %w: transport does not support transfer-ID-preserving requests", cyphal.ErrUnsupportedCapability)
	}

	state := c.serverState(server)
	state.mu.Lock()
	defer state.mu.Unlock()

	transferID := state.nextID
	state.nextID++

	respSpecifier := cyphal.ServiceResponse(c.serviceID)
	fanout, releaseIn, err := c.presentation.acquireInput(respSpecifier, server)
	if err != nil {
		return nil, err
	}
	defer releaseIn()

	respCh := make(chan cyphal.Transfer, 1)
	listenerID := fanout.add(func(t cyphal.Transfer) {
		if t.SourceNodeID != server || t.TransferID != transferID {
			return
		}
		select {
		case respCh <- t:
		default:
		}
	})
	defer fanout.remove(listenerID)

	reqSpecifier := cyphal.ServiceRequest(c.serviceID)
	if err := spoofer.Spoof(ctx, cyphal.Transfer{
		Priority:     c.priority,
		TransferID:   transferID,
		SourceNodeID: c.presentation.localNode,
		DestNodeID:   server,
		Specifier:    reqSpecifier,
		Payload:      request,
	}); err != nil {
		return nil, err
	}

	select {
	case resp := <-respCh:
		return resp.Payload, nil
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("presentation: %w: %w", cyphal.ErrTimeout, ctx.Err())
		}
		return nil, ctx.Err()
	}
}
