package register

import (
	"path/filepath"
	"testing"

	cyphal "github.com/cyphal-go/gocyphal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeIDDefaultsToAnonymous(t *testing.T) {
	s := New()
	assert.Equal(t, cyphal.AnonymousNodeID, s.NodeID())

	s.Set("uavcan.node.id", "42")
	assert.Equal(t, cyphal.NodeID(42), s.NodeID())
}

func TestIfaceEmptyMeansDisabled(t *testing.T) {
	s := New()
	assert.Equal(t, "", s.Iface("udp"))

	s.Set("uavcan.can.iface", "vcan0")
	assert.Equal(t, "vcan0", s.Iface("can"))
	assert.Equal(t, "", s.Iface("udp"))
}

func TestDiagnosticSeverityDefault(t *testing.T) {
	s := New()
	assert.Equal(t, "warning", s.DiagnosticSeverity())
	s.Set("uavcan.diagnostic.severity", "error")
	assert.Equal(t, "error", s.DiagnosticSeverity())
}

func TestPortsScansFamilies(t *testing.T) {
	s := New()
	s.Set("uavcan.pub.measurement.id", "100")
	s.Set("uavcan.sub.command.id", "101")
	s.Set("uavcan.srv.setpoint.id", "50")
	s.Set("uavcan.cln.setpoint_client.id", "50")
	s.Set("uavcan.node.id", "7") // not a port register, must be ignored
	s.Set("uavcan.pub.broken.id", "not-a-number")

	ports := s.Ports()
	assert.Equal(t, PortSpec{Kind: PortPublisher, PortID: 100, Valid: true}, ports["measurement"])
	assert.Equal(t, PortSpec{Kind: PortSubscriber, PortID: 101, Valid: true}, ports["command"])
	assert.Equal(t, PortSpec{Kind: PortServer, PortID: 50, Valid: true}, ports["setpoint"])
	assert.Equal(t, PortSpec{Kind: PortClient, PortID: 50, Valid: true}, ports["setpoint_client"])
	assert.False(t, ports["broken"].Valid)
	_, hasNode := ports["id"]
	assert.False(t, hasNode)
}

func TestPortRegisterNameRoundTrip(t *testing.T) {
	assert.Equal(t, "uavcan.pub.measurement.id", PortRegisterName(PortPublisher, "measurement"))
	assert.Equal(t, "uavcan.cln.setpoint.id", PortRegisterName(PortClient, "setpoint"))
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	s := New()
	s.Set("uavcan.node.id", "42")
	s.Set("uavcan.pub.measurement.id", "100")

	path := filepath.Join(t.TempDir(), "registers.ini")
	require.NoError(t, s.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cyphal.NodeID(42), loaded.NodeID())
	v, ok := loaded.Get("uavcan.pub.measurement.id")
	require.True(t, ok)
	assert.Equal(t, "100", v)
}

func TestApplyEnvironmentOverridesAndIgnoresUnrelated(t *testing.T) {
	s := New()
	s.Set("uavcan.node.id", "1")

	s.ApplyEnvironment([]string{
		"UAVCAN__NODE__ID=99",
		"UAVCAN__PUB__MOTOR_CURRENT__ID=200",
		"PATH=/usr/bin",
		"malformed",
	})

	assert.Equal(t, cyphal.NodeID(99), s.NodeID())
	ports := s.Ports()
	assert.Equal(t, PortSpec{Kind: PortPublisher, PortID: 200, Valid: true}, ports["motor_current"])
}

func TestRegisterNameToEnvDoubleUnderscoreSeparator(t *testing.T) {
	assert.Equal(t, "UAVCAN__NODE__ID", registerNameToEnv("uavcan.node.id"))
	assert.Equal(t, "UAVCAN__PUB__MOTOR_CURRENT__ID", registerNameToEnv("uavcan.pub.motor_current.id"))
}
