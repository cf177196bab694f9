package cyphal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubjectSpecifier(t *testing.T) {
	d := Subject(1234)
	require.True(t, d.Valid())
	assert.True(t, d.IsMessage())
	assert.False(t, d.IsService())
	assert.Equal(t, "subject(1234)", d.String())
}

func TestServiceSpecifier(t *testing.T) {
	req := ServiceRequest(123)
	resp := ServiceResponse(123)
	require.True(t, req.Valid())
	require.True(t, resp.Valid())
	assert.True(t, req.IsService())
	assert.Equal(t, req.ServiceID, resp.ServiceID)
	assert.NotEqual(t, req.Role, resp.Role)
}

func TestSubjectIDOutOfRange(t *testing.T) {
	d := Subject(MaxSubjectID + 1)
	assert.False(t, d.Valid())
}

func TestServiceIDOutOfRange(t *testing.T) {
	d := ServiceRequest(MaxServiceID + 1)
	assert.False(t, d.Valid())
}

func TestNodeIDAnonymous(t *testing.T) {
	assert.True(t, AnonymousNodeID.IsAnonymous())
	assert.False(t, NodeID(42).IsAnonymous())
}

func TestNodeIDBound(t *testing.T) {
	assert.Equal(t, NodeID(127), NodeIDBound(TransportCAN))
	assert.Equal(t, NodeID(65534), NodeIDBound(TransportUDP))
	assert.Equal(t, NodeID(65534), NodeIDBound(TransportSerial))
}

func TestPriorityString(t *testing.T) {
	assert.Equal(t, "nominal", PriorityNominal.String())
	assert.True(t, PriorityOptional.Valid())
	assert.False(t, Priority(8).Valid())
}
