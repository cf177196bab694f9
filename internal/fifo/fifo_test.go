package fifo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAndBytes(t *testing.T) {
	b := NewBuffer(8)
	require.NoError(t, b.Write([]byte{1, 2, 3}))
	require.NoError(t, b.Write([]byte{4, 5}))
	assert.Equal(t, []byte{1, 2, 3, 4, 5}, b.Bytes())
	assert.Equal(t, 5, b.Len())
}

func TestOverflowRejected(t *testing.T) {
	b := NewBuffer(4)
	require.NoError(t, b.Write([]byte{1, 2, 3}))
	err := b.Write([]byte{4, 5})
	assert.ErrorIs(t, err, ErrOverflow)
	// Failed write must not have partially modified the buffer.
	assert.Equal(t, []byte{1, 2, 3}, b.Bytes())
}

func TestResetReusesCapacity(t *testing.T) {
	b := NewBuffer(4)
	require.NoError(t, b.Write([]byte{1, 2, 3, 4}))
	b.Reset()
	assert.Equal(t, 0, b.Len())
	require.NoError(t, b.Write([]byte{9, 9, 9, 9}))
	assert.Equal(t, []byte{9, 9, 9, 9}, b.Bytes())
}
