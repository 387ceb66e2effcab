package packet

import "errors"

var (
	ErrMalformedHeader  = errors.New("malformed packet header")
	ErrMalformedIndices = errors.New("malformed validation artefact table")
	ErrUnsupportedVer   = errors.New("unsupported protocol version")
	ErrBodyTooLarge     = errors.New("message body exceeds chunk limit")
)
