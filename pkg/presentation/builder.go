package presentation

import (
	"fmt"
	"log/slog"

	cyphal "github.com/cyphal-go/gocyphal"
	"github.com/cyphal-go/gocyphal/pkg/register"
)

// Builder constructs ports from a node's named register bindings, directly
// generalizing pkg/node.NodeProcessor's EDS-driven PDO/SDO construction in
// pkg/node/local.go: there the object dictionary supplies index/subindex
// pairs to wire up; here a register.PortSpec map supplies a port kind and
// numeric ID per name.
type Builder struct {
	presentation *Presentation
	priority     cyphal.Priority
	log          *slog.Logger
}

// NewBuilder builds a Builder that constructs ports at priority over p.
func NewBuilder(p *Presentation, priority cyphal.Priority, log *slog.Logger) *Builder {
	if log == nil {
		log = slog.Default()
	}
	return &Builder{presentation: p, priority: priority, log: log}
}

// BuildPublisher constructs the Publisher named by spec, failing if spec is
// not a valid PortPublisher entry.
func (b *Builder) BuildPublisher(name string, spec register.PortSpec) (*Publisher, error) {
	if !spec.Valid || spec.Kind != register.PortPublisher {
		return nil, fmt.Errorf("presentation: register %q is not a configured publisher port", name)
	}
	return NewPublisher(b.presentation, spec.PortID, b.priority)
}

// BuildSubscriber constructs a promiscuous Subscriber named by spec.
func (b *Builder) BuildSubscriber(name string, spec register.PortSpec, queueDepth int) (*Subscriber, error) {
	if !spec.Valid || spec.Kind != register.PortSubscriber {
		return nil, fmt.Errorf("presentation: register %q is not a configured subscriber port", name)
	}
	return NewSubscriber(b.presentation, spec.PortID, cyphal.AnonymousNodeID, queueDepth)
}

// BuildClient constructs the Client named by spec.
func (b *Builder) BuildClient(name string, spec register.PortSpec) (*Client, error) {
	if !spec.Valid || spec.Kind != register.PortClient {
		return nil, fmt.Errorf("presentation: register %q is not a configured client port", name)
	}
	return NewClient(b.presentation, spec.PortID, b.priority), nil
}

// BuildServer constructs the Server named by spec, dispatching requests to
// handler.
func (b *Builder) BuildServer(name string, spec register.PortSpec, handler RequestHandler) (*Server, error) {
	if !spec.Valid || spec.Kind != register.PortServer {
		return nil, fmt.Errorf("presentation: register %q is not a configured server port", name)
	}
	return NewServer(b.presentation, spec.PortID, b.priority, handler, b.log)
}

// BuildAll constructs every publisher and subscriber named in ports,
// skipping client and server entries (those need a RequestHandler or are
// driven by call sites directly) and reporting the first construction
// failure.
func (b *Builder) BuildAll(ports map[string]register.PortSpec) (map[string]*Publisher, map[string]*Subscriber, error) {
	publishers := make(map[string]*Publisher)
	subscribers := make(map[string]*Subscriber)
	for name, spec := range ports {
		if !spec.Valid {
			continue
		}
		switch spec.Kind {
		case register.PortPublisher:
			pub, err := b.BuildPublisher(name, spec)
			if err != nil {
				return nil, nil, err
			}
			publishers[name] = pub
		case register.PortSubscriber:
			sub, err := b.BuildSubscriber(name, spec, 0)
			if err != nil {
				return nil, nil, err
			}
			subscribers[name] = sub
		}
	}
	return publishers, subscribers, nil
}
