// Package register implements the Cyphal register/configuration file
// (spec.md §6): the persistent name/value store a node reads its
// node-id, transport interfaces, and named port bindings from, backed by
// gopkg.in/ini.v1 — the same library the teacher already depends on to
// parse its EDS object dictionary (pkg/od/parser.go), repurposed here from
// "parse a device's object dictionary" to "persist a node's registers."
package register

import "fmt"

// PortKind distinguishes the four presentation-layer port roles a named
// register can configure.
type PortKind uint8

const (
	PortPublisher PortKind = iota
	PortSubscriber
	PortClient
	PortServer
)

func (k PortKind) String() string {
	switch k {
	case PortPublisher:
		return "publisher"
	case PortSubscriber:
		return "subscriber"
	case PortClient:
		return "client"
	case PortServer:
		return "server"
	default:
		return fmt.Sprintf("PortKind(%d)", uint8(k))
	}
}

// PortSpec is one entry of a node's `uavcan.{pub,sub,cln,srv}.<name>.id`
// register family (spec.md §6): a port's role and its resolved subject-ID
// or service-ID. A port whose ID register is absent or out of range is
// unconfigured and must not be constructed (spec.md's "any port without a
// valid ID is disabled").
type PortSpec struct {
	Kind   PortKind
	PortID uint16
	Valid  bool
}
