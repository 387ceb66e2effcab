package server

import "errors"

var (
	ErrClosed        = errors.New("server closed")
	ErrInvalidConfig = errors.New("invalid server configuration")
)
