package cobs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	cases := [][]byte{
		{},
		{0x00},
		{0x01, 0x02, 0x03},
		{0x00, 0x00, 0x00},
		{0x11, 0x22, 0x00, 0x33},
		make([]byte, 300), // 300 zeros: one 0x01 code byte per zero
	}
	for _, c := range cases {
		encoded := Encode(c)
		for _, b := range encoded {
			require.NotZero(t, b, "encoded block must not contain a zero byte")
		}
		decoded, err := Decode(encoded)
		require.NoError(t, err)
		assert.Equal(t, c, decoded)
	}
}

func TestDecodeTruncatedIsError(t *testing.T) {
	_, err := Decode([]byte{0x05, 0x01, 0x02})
	assert.Error(t, err)
}

func TestDecodeEmbeddedZeroIsError(t *testing.T) {
	_, err := Decode([]byte{0x02, 0x01, 0x00})
	assert.Error(t, err)
}
