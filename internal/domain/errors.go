package domain

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidRequest  = errors.New("invalid generation request")
	ErrTimedOut        = errors.New("task polling timed out")
	ErrMissingSecret   = errors.New("provider credentials are missing")
	ErrEmptyArtifacts  = errors.New("provider returned no artifacts")
	ErrUnknownEnv      = errors.New("unknown environment")
	ErrInvalidSequence = errors.New("sequence id must be positive")
)
