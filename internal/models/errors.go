package models

import "errors"

// Error kinds returned by the job lifecycle. Callers match with errors.Is; the
// wrapped message carries the detail.
var (
	ErrValidation   = errors.New("validation failed")
	ErrNotFound     = errors.New("not found")
	ErrInvalidState = errors.New("invalid state transition")
	ErrConflict     = errors.New("conflict")
)
