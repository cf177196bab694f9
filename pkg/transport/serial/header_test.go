package serial

import (
	"testing"

	cyphal "github.com/cyphal-go/gocyphal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := header{
		priority:    cyphal.PriorityNominal,
		specifier:   cyphal.ServiceRequest(3),
		source:      1,
		destination: 2,
		transferID:  1 << 50,
		frameIndex:  2,
		end:         true,
	}
	buf := encodeHeader(h)
	require.Len(t, buf, HeaderLength)

	decoded, err := decodeHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, h.transferID, decoded.transferID)
	assert.True(t, decoded.specifier.IsService())
	assert.Equal(t, cyphal.RoleRequest, decoded.specifier.Role)
	assert.True(t, decoded.end)
}

func TestDecodeHeaderTooShort(t *testing.T) {
	_, err := decodeHeader(make([]byte, 10))
	assert.ErrorIs(t, err, cyphal.ErrTransferReassemblyError)
}
