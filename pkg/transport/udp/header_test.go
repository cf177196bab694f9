package udp

import (
	"testing"

	cyphal "github.com/cyphal-go/gocyphal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTripMessage(t *testing.T) {
	h := header{
		priority:    cyphal.PriorityNominal,
		specifier:   cyphal.Subject(1234),
		source:      42,
		destination: cyphal.AnonymousNodeID,
		transferID:  7,
		frameIndex:  0,
		end:         true,
	}
	buf := encodeHeader(h)
	require.Len(t, buf, HeaderLength)

	decoded, err := decodeHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, h.priority, decoded.priority)
	assert.True(t, decoded.specifier.IsMessage())
	assert.Equal(t, uint16(1234), decoded.specifier.SubjectID)
	assert.Equal(t, cyphal.NodeID(42), decoded.source)
	assert.True(t, decoded.destination.IsAnonymous())
	assert.Equal(t, uint64(7), decoded.transferID)
	assert.True(t, decoded.end)
}

func TestHeaderRoundTripService(t *testing.T) {
	h := header{
		priority:    cyphal.PriorityHigh,
		specifier:   cyphal.ServiceResponse(9),
		source:      5,
		destination: 6,
		transferID:  1 << 40,
		frameIndex:  3,
		end:         false,
	}
	buf := encodeHeader(h)
	decoded, err := decodeHeader(buf)
	require.NoError(t, err)
	assert.True(t, decoded.specifier.IsService())
	assert.Equal(t, cyphal.RoleResponse, decoded.specifier.Role)
	assert.Equal(t, cyphal.NodeID(5), decoded.source)
	assert.Equal(t, cyphal.NodeID(6), decoded.destination)
	assert.Equal(t, uint64(1<<40), decoded.transferID)
	assert.False(t, decoded.end)
}

func TestHeaderAnonymousSource(t *testing.T) {
	h := header{priority: cyphal.PriorityLow, specifier: cyphal.Subject(1), source: cyphal.AnonymousNodeID, destination: cyphal.AnonymousNodeID, end: true}
	buf := encodeHeader(h)
	decoded, err := decodeHeader(buf)
	require.NoError(t, err)
	assert.True(t, decoded.source.IsAnonymous())
}

func TestDecodeHeaderRejectsShortBuffer(t *testing.T) {
	_, err := decodeHeader(make([]byte, HeaderLength-1))
	assert.ErrorIs(t, err, cyphal.ErrTransferReassemblyError)
}

func TestMulticastGroupsDistinctPerSubject(t *testing.T) {
	a := multicastGroupForSubject(1)
	b := multicastGroupForSubject(2)
	assert.False(t, a.Equal(b))
}
