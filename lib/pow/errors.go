package pow

import "errors"

var (
	ErrInvalidParams  = errors.New("invalid difficulty parameters")
	ErrUnknownProfile = errors.New("unknown difficulty profile")
	ErrSolveTimeout   = errors.New("proof of work search timed out")
)
