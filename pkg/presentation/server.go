package presentation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	cyphal "github.com/cyphal-go/gocyphal"
)

// RequestHandler answers one request's payload, returning the response
// payload to send back to the requester.
type RequestHandler func(ctx context.Context, requester cyphal.NodeID, request []byte) ([]byte, error)

// Server answers requests arriving on one service-id, the generalization of
// pkg/sdo/server.go's single-object-dictionary responder to an arbitrary
// user-supplied RequestHandler. Each inbound request is handled in its own
// goroutine so one slow requester cannot stall the others.
type Server struct {
	presentation *Presentation
	serviceID    uint16
	priority     cyphal.Priority
	handler      RequestHandler
	log          *slog.Logger

	fanout     *fanoutHandler
	release    func()
	listenerID int

	wg     sync.WaitGroup
	closed bool
}

// NewServer opens the shared request input session for serviceID (listening
// promiscuously for any requester) and starts dispatching to handler.
func NewServer(p *Presentation, serviceID uint16, priority cyphal.Priority, handler RequestHandler, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}
	reqSpecifier := cyphal.ServiceRequest(serviceID)
	fanout, release, err := p.acquireInput(reqSpecifier, cyphal.AnonymousNodeID)
	if err != nil {
		return nil, err
	}
	srv := &Server{
		presentation: p,
		serviceID:    serviceID,
		priority:     priority,
		handler:      handler,
		log:          log,
		fanout:       fanout,
		release:      release,
	}
	srv.listenerID = fanout.add(srv.onRequest)
	return srv, nil
}

func (srv *Server) onRequest(t cyphal.Transfer) {
	srv.wg.Add(1)
	go func() {
		defer srv.wg.Done()
		ctx := context.Background()
		response, err := srv.handler(ctx, t.SourceNodeID, t.Payload)
		if err != nil {
			srv.log.Warn("request handler failed", "service", srv.serviceID, "from", t.SourceNodeID, "error", err)
			return
		}
		if err := srv.reply(ctx, t.SourceNodeID, t.TransferID, response); err != nil {
			srv.log.Warn("failed to send response", "service", srv.serviceID, "to", t.SourceNodeID, "error", err)
		}
	}()
}

// reply sends payload back to requester carrying transferID, the exact
// transfer-id the request arrived with, per spec.md §4.6 ("the returned
// response is sent with the same transfer-ID as the request"). A normal
// output session would assign its own transfer-id from its counter, so the
// response is written through cyphal.Spoofable.Spoof instead — the same
// explicit-ID bypass pkg/transport/redundant/output.go uses to give one
// transfer-id to every inferior — carrying transferID unchanged.
func (srv *Server) reply(ctx context.Context, requester cyphal.NodeID, transferID uint64, payload []byte) error {
	spoofer, ok := srv.presentation.transport.(cyphal.Spoofable)
	if !ok {
		return fmt.Errorf("presentation: %w: transport does not support transfer-ID-preserving responses", cyphal.ErrUnsupportedCapability)
	}
	respSpecifier := cyphal.ServiceResponse(srv.serviceID)
	return spoofer.Spoof(ctx, cyphal.Transfer{
		Priority:     srv.priority,
		TransferID:   transferID,
		SourceNodeID: srv.presentation.localNode,
		DestNodeID:   requester,
		Specifier:    respSpecifier,
		Payload:      payload,
	})
}

// Close stops accepting new requests and waits for in-flight ones to finish.
func (srv *Server) Close() error {
	if srv.closed {
		return nil
	}
	srv.closed = true
	srv.fanout.remove(srv.listenerID)
	srv.release()
	srv.wg.Wait()
	return nil
}
