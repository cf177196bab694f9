// Package presentation implements the Cyphal presentation layer (spec.md
// §4.6): Publisher, Subscriber, Client and Server built over a
// cyphal.Transport's sessions, with reference-counted port lifetime so
// multiple Publishers/Subscribers sharing a data specifier share the
// underlying session rather than each opening their own.
//
// Grounded on pkg/node/local.go's port table (there keyed by
// object-dictionary index/subindex; here by cyphal.DataSpecifier) and
// pkg/sdo/client.go's request/response correlation (there keyed by SDO
// index/subindex plus a toggle bit; here by (service_id, server_node_id,
// transfer_id)).
package presentation

import (
	"sync"

	cyphal "github.com/cyphal-go/gocyphal"
)

// Presentation owns the port table for one transport (or the redundant
// pseudo-transport) and builds Publishers/Subscribers/Clients/Servers over
// it, refcounting the underlying sessions the way pkg/node.LocalNode
// refcounts PDO/SDO objects sharing one bus.
type Presentation struct {
	transport cyphal.Transport
	localNode cyphal.NodeID

	mu         sync.Mutex
	outputRefs map[outputKey]*outputPortRef
	inputRefs  map[inputKey]*inputPortRef
}

type inputKey struct {
	specifier cyphal.DataSpecifier
	remote    cyphal.NodeID
}

// outputKey is keyed by destination as well as specifier: a Server answers
// many requesters on the same service-response specifier, each needing its
// own destination-addressed output session (and transfer-id counter), unlike
// a Publisher's single broadcast session per subject.
type outputKey struct {
	specifier   cyphal.DataSpecifier
	destination cyphal.NodeID
}

type outputPortRef struct {
	session cyphal.OutputSession
	count   int
}

type inputPortRef struct {
	session  cyphal.InputSession
	count    int
	fanout   *fanoutHandler
}

// New builds a Presentation layer over transport, identified on the bus as
// localNode.
func New(transport cyphal.Transport, localNode cyphal.NodeID) *Presentation {
	return &Presentation{
		transport:  transport,
		localNode:  localNode,
		outputRefs: make(map[outputKey]*outputPortRef),
		inputRefs:  make(map[inputKey]*inputPortRef),
	}
}

// acquireOutput returns the shared output session for specifier/destination,
// opening it on first use.
func (p *Presentation) acquireOutput(specifier cyphal.DataSpecifier, destination cyphal.NodeID) (cyphal.OutputSession, func(), error) {
	key := outputKey{specifier: specifier, destination: destination}
	p.mu.Lock()
	defer p.mu.Unlock()
	ref, ok := p.outputRefs[key]
	if !ok {
		session, err := p.transport.GetOutputSession(specifier, destination)
		if err != nil {
			return nil, nil, err
		}
		ref = &outputPortRef{session: session}
		p.outputRefs[key] = ref
	}
	ref.count++
	release := func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		ref.count--
		if ref.count <= 0 {
			ref.session.Close()
			delete(p.outputRefs, key)
		}
	}
	return ref.session, release, nil
}

// acquireInput returns the shared input session and its fan-out dispatcher
// for (specifier, remote), opening it on first use.
func (p *Presentation) acquireInput(specifier cyphal.DataSpecifier, remote cyphal.NodeID) (*fanoutHandler, func(), error) {
	key := inputKey{specifier: specifier, remote: remote}
	p.mu.Lock()
	defer p.mu.Unlock()
	ref, ok := p.inputRefs[key]
	if !ok {
		session, err := p.transport.GetInputSession(specifier, remote)
		if err != nil {
			return nil, nil, err
		}
		fanout := newFanoutHandler()
		session.SetHandler(fanout)
		ref = &inputPortRef{session: session, fanout: fanout}
		p.inputRefs[key] = ref
	}
	ref.count++
	release := func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		ref.count--
		if ref.count <= 0 {
			ref.session.Close()
			delete(p.inputRefs, key)
		}
	}
	return ref.fanout, release, nil
}

// fanoutHandler implements cyphal.TransferHandler, dispatching every
// reassembled transfer to every currently-registered subscriber callback —
// the generalization of pkg/node.LocalNode's single-object PDO callback to
// an arbitrary number of listeners on one data specifier.
type fanoutHandler struct {
	mu        sync.Mutex
	listeners map[int]func(cyphal.Transfer)
	nextID    int
}

func newFanoutHandler() *fanoutHandler {
	return &fanoutHandler{listeners: make(map[int]func(cyphal.Transfer))}
}

func (f *fanoutHandler) HandleTransfer(t cyphal.Transfer) {
	f.mu.Lock()
	listeners := make([]func(cyphal.Transfer), 0, len(f.listeners))
	for _, l := range f.listeners {
		listeners = append(listeners, l)
	}
	f.mu.Unlock()
	for _, l := range listeners {
		l(t)
	}
}

func (f *fanoutHandler) add(fn func(cyphal.Transfer)) (id int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id = f.nextID
	f.nextID++
	f.listeners[id] = fn
	return id
}

func (f *fanoutHandler) remove(id int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.listeners, id)
}
