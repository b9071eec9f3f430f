package hub

import "errors"

// Error taxonomy from spec.md §7, the subset the hub can produce.
var (
	ErrBindFailed        = errors.New("bind failed")
	ErrProtocolViolation = errors.New("protocol violation")
	ErrSlowConsumer      = errors.New("slow consumer")
	ErrTimeout           = errors.New("timeout")
	ErrNotFound          = errors.New("not found")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotRunning        = errors.New("hub not running")
)
