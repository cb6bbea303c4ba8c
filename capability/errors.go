package capability

import "errors"

// Registration errors. Dispatch never returns errors; see Result.
var (
	ErrEmptyName         = errors.New("tool name is empty")
	ErrAlreadyRegistered = errors.New("tool already registered")
	ErrNilHandler        = errors.New("tool handler is nil")
	ErrInvalidSchema     = errors.New("invalid tool schema")
)
