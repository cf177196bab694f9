package crc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckValue(t *testing.T) {
	// Standard CRC-16/CCITT-FALSE check value for the ASCII string
	// "123456789", as published in the CRC RevEng catalogue.
	assert.EqualValues(t, 0x29B1, Of([]byte("123456789")))
}

func TestIncrementalMatchesOneShot(t *testing.T) {
	buf := []byte{0x01, 0x02, 0x03, 0x04, 0x05}
	c := New()
	c.Single(buf[0])
	c.Write(buf[1:])
	assert.EqualValues(t, Of(buf), uint16(c))
}

func TestEmptyIsInitialValue(t *testing.T) {
	assert.EqualValues(t, 0xFFFF, Of(nil))
}
