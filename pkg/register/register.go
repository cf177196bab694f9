package register

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/ini.v1"

	cyphal "github.com/cyphal-go/gocyphal"
)

// Store holds a node's registers: dotted names (`uavcan.node.id`,
// `uavcan.pub.<name>.id`, ...) mapping to string values, persisted as a flat
// .ini file the way pkg/od/parser.go persists an object dictionary — one
// section (the ini default/unnamed section), one key per register, values
// always stored and read back as strings so the file stays human-editable.
type Store struct {
	mu     sync.RWMutex
	values map[string]string
}

// New returns an empty Store.
func New() *Store {
	return &Store{values: make(map[string]string)}
}

// Load reads registers from an ini-formatted file. Missing registers are
// simply absent from the resulting Store; callers apply defaults.
func Load(path string) (*Store, error) {
	cfg, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("register: loading %s: %w", path, err)
	}
	s := New()
	for _, section := range cfg.Sections() {
		for _, key := range section.Keys() {
			s.values[key.Name()] = key.Value()
		}
	}
	return s, nil
}

// Save writes every register to path in ini format.
func (s *Store) Save(path string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg := ini.Empty()
	section := cfg.Section("")
	names := make([]string, 0, len(s.values))
	for name := range s.values {
		names = append(names, name)
	}
	for _, name := range names {
		if _, err := section.NewKey(name, s.values[name]); err != nil {
			return fmt.Errorf("register: writing %s: %w", name, err)
		}
	}
	return cfg.SaveTo(path)
}

// Get returns the raw string value of a register and whether it is set.
func (s *Store) Get(name string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[name]
	return v, ok
}

// Set assigns name's value, creating it if absent.
func (s *Store) Set(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[name] = value
}

// Names returns every register name currently set, in no particular order.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.values))
	for name := range s.values {
		names = append(names, name)
	}
	return names
}

// NodeID reads `uavcan.node.id`, returning cyphal.AnonymousNodeID if unset
// or unparsable.
func (s *Store) NodeID() cyphal.NodeID {
	v, ok := s.Get("uavcan.node.id")
	if !ok {
		return cyphal.AnonymousNodeID
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return cyphal.AnonymousNodeID
	}
	return cyphal.NodeID(n)
}

// Iface reads the transport endpoint register for kind ("can", "udp" or
// "serial"); an empty, unset value means that transport is disabled, per
// spec.md §6.
func (s *Store) Iface(kind string) string {
	v, _ := s.Get(fmt.Sprintf("uavcan.%s.iface", kind))
	return v
}

// DiagnosticSeverity reads `uavcan.diagnostic.severity`, defaulting to
// "warning" if unset.
func (s *Store) DiagnosticSeverity() string {
	v, ok := s.Get("uavcan.diagnostic.severity")
	if !ok {
		return "warning"
	}
	return v
}

var portKindPrefix = map[PortKind]string{
	PortPublisher:  "pub",
	PortSubscriber: "sub",
	PortServer:     "srv",
	PortClient:     "cln",
}

var prefixPortKind = map[string]PortKind{
	"pub": PortPublisher,
	"sub": PortSubscriber,
	"srv": PortServer,
	"cln": PortClient,
}

// Ports scans every `uavcan.{pub,sub,srv,cln}.<name>.id` register and
// returns the named port table a presentation.Builder consumes, per
// spec.md's "dynamic port construction driven by configuration."
func (s *Store) Ports() map[string]PortSpec {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ports := make(map[string]PortSpec)
	for name, value := range s.values {
		segments := strings.Split(name, ".")
		if len(segments) != 4 || segments[0] != "uavcan" || segments[3] != "id" {
			continue
		}
		kind, ok := prefixPortKind[segments[1]]
		if !ok {
			continue
		}
		portName := segments[2]
		id, err := strconv.ParseUint(value, 10, 16)
		if err != nil {
			ports[portName] = PortSpec{Kind: kind, Valid: false}
			continue
		}
		ports[portName] = PortSpec{Kind: kind, PortID: uint16(id), Valid: true}
	}
	return ports
}

// PortRegisterName returns the dotted register name for a named port of the
// given kind, e.g. PortRegisterName(PortPublisher, "measurement") ==
// "uavcan.pub.measurement.id".
func PortRegisterName(kind PortKind, name string) string {
	return fmt.Sprintf("uavcan.%s.%s.id", portKindPrefix[kind], name)
}
