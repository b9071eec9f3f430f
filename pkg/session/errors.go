package session

import "errors"

// Error taxonomy from spec.md §7, the subset the client session produces.
var (
	ErrDialFailed        = errors.New("dial failed")
	ErrProtocolViolation = errors.New("protocol violation")
	ErrNotConnected      = errors.New("not connected")
	ErrInvalidArgument   = errors.New("invalid argument")
)
