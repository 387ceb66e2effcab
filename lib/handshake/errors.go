package handshake

import "errors"

var (
	ErrUnexpectedState = errors.New("message not expected in current handshake state")
	ErrBadProof        = errors.New("session id proof mismatch")
	ErrKeyUnwrap       = errors.New("failed to unwrap session key")
	ErrMissingArg      = errors.New("handshake argument missing")
)
