package syntax

import "errors"

var (
	ErrMalformedBody   = errors.New("malformed message body")
	ErrUnknownCommand  = errors.New("unknown command")
	ErrMissingArgument = errors.New("required argument missing")
	ErrBadArgument     = errors.New("argument has wrong type")
)
