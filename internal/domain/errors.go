package domain

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrLockHeld         = errors.New("lock already held")
	ErrWSDisconnect     = errors.New("websocket disconnected")
	ErrUnknownTechnique = errors.New("unknown technique")
	ErrTechniquePanic   = errors.New("technique panicked")
	ErrTechniqueTimeout = errors.New("technique timed out")
	ErrFallbackTimeout  = errors.New("fallback timed out")
	ErrPoolClosed       = errors.New("worker pool closed")
)
