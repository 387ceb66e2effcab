package protocol

import "errors"

var (
	// ErrBug marks a broken internal invariant. It is logged at error level.
	ErrBug = errors.New("internal invariant violated")
	// ErrUnimplemented is returned for well-formed messages this node cannot serve.
	ErrUnimplemented = errors.New("unimplemented message")
	ErrNoSession     = errors.New("no session with peer")
	ErrUnknownPeer   = errors.New("peer has no key on record")
	ErrIdentity      = errors.New("invalid identity")
)
