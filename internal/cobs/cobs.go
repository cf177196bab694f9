// Package cobs implements Consistent Overhead Byte Stuffing, used by the
// serial transport (spec.md §4.4) to frame a raw byte stream with 0x00
// delimiters. No COBS implementation appears anywhere in the retrieved
// example pack, so this is hand-written against the published algorithm
// (Cheshire & Baker, 1997) rather than adapted from a teacher file; see
// DESIGN.md for the justification.
package cobs

// MaxDecodedLen is an upper bound on payload size for callers; Encode and
// Decode do not check it. COBS overhead is one byte per 254 payload bytes,
// which is immaterial at this size and kept simple rather than computed.
const MaxDecodedLen = 1 << 20

// Encode returns the COBS encoding of src. The result never contains a zero
// byte; the caller appends the 0x00 frame delimiter itself.
func Encode(src []byte) []byte {
	if len(src) == 0 {
		return []byte{0x01}
	}
	dst := make([]byte, 0, len(src)+len(src)/254+2)
	// codePos indexes, within dst, the placeholder for the next "distance
	// to the following zero (or end of block)" code byte.
	codePos := 0
	dst = append(dst, 0) // placeholder
	code := byte(1)

	flush := func() {
		dst[codePos] = code
		codePos = len(dst)
		dst = append(dst, 0) // next placeholder
		code = 1
	}

	for _, b := range src {
		if b == 0 {
			flush()
			continue
		}
		dst = append(dst, b)
		code++
		if code == 0xFF {
			flush()
		}
	}
	dst[codePos] = code
	return dst
}

// Decode reverses Encode. It returns an error if src is not a well-formed
// COBS block (e.g. a code byte points past the end of the buffer, or src
// contains an embedded zero, which should never happen for data delivered
// between two 0x00 delimiters by a correct framer).
func Decode(src []byte) ([]byte, error) {
	dst := make([]byte, 0, len(src))
	i := 0
	for i < len(src) {
		code := src[i]
		if code == 0 {
			return nil, errInvalidCode
		}
		blockLen := int(code) - 1
		i++
		if i+blockLen > len(src) {
			return nil, errTruncated
		}
		dst = append(dst, src[i:i+blockLen]...)
		i += blockLen
		if code != 0xFF && i < len(src) {
			dst = append(dst, 0)
		}
	}
	return dst, nil
}
