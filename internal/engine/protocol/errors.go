package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrTooShort is returned when a buffer cannot hold the header being read.
	ErrTooShort = errors.New("packet too short")
	// ErrNotIPv4 is returned for frames that do not carry an IPv4 packet.
	ErrNotIPv4 = errors.New("not an IPv4 packet")
	// ErrMalformedHeader is returned when header fields are inconsistent.
	ErrMalformedHeader = errors.New("malformed header")
)

// ParseError records which layer failed to decode.
type ParseError struct {
	Layer string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: %v", e.Layer, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

func layerErr(layer string, err error) error {
	return &ParseError{Layer: layer, Err: err}
}
