package state

import "errors"

var (
	ErrInvalidID        = errors.New("invalid session id")
	ErrNotInitialized   = errors.New("session state not initialized")
	ErrUnknownSlot      = errors.New("unknown slot")
	ErrInvalidValue     = errors.New("invalid slot value")
	ErrInvalidSelection = errors.New("invalid selection")
)
