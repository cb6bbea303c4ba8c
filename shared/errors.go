package shared

import "errors"

var (
	ErrUnauthorized          = errors.New("unauthorized")
	ErrForbidden             = errors.New("forbidden")
	ErrNoLogger              = errors.New("no logger provided")
	ErrNoConfig              = errors.New("no config provided")
	ErrNoAPIKey              = errors.New("no API key provided")
	ErrNoDispatcher          = errors.New("no dispatcher provided")
	ErrNoStore               = errors.New("no state store provided")
	ErrClientNotInitialized  = errors.New("client not initialized")
	ErrSessionAlreadyRunning = errors.New("session already running")
	ErrSessionInUse          = errors.New("session id already has a live connection")
	ErrConnectionClosed      = errors.New("connection closed")
	ErrMissingEnv            = errors.New("missing environment variable")
)
