package domain

import "errors"

var (
	ErrPeerNotConnected   = errors.New("peer not connected")
	ErrNoLocalStream      = errors.New("no local stream")
	ErrUnknownPreset      = errors.New("unknown video quality preset")
	ErrInvalidState       = errors.New("operation not valid in current session state")
	ErrSessionDestroyed   = errors.New("session destroyed")
	ErrAlreadyInitialized = errors.New("session already initialized")
	ErrNotInRoom          = errors.New("not joined to a room")
	ErrCallBeforeData     = errors.New("media call received before data connection")
)
