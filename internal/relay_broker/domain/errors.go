package domain

import "errors"

var (
	ErrInvalidExtensionID = errors.New("invalid extension id")
	ErrNotRunning         = errors.New("broker is not running")
	ErrUnknownCode        = errors.New("code not found")
	ErrStaleEvent         = errors.New("event older than max age")
	ErrUnchangedEvent     = errors.New("event equals last published event")
)
