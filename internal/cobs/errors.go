package cobs

import "errors"

var (
	errInvalidCode = errors.New("cobs: invalid zero code byte")
	errTruncated   = errors.New("cobs: code byte points past end of buffer")
)
