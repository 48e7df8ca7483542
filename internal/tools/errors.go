package tools

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrToolNotFound = errors.New("tool not found")
	ErrNotReady     = errors.New("provider connection not ready")
	ErrInvalidState = errors.New("invalid connection state")
	ErrNoProviders  = errors.New("no tool provider connected")
)

// ExecutionError is returned once a connection has exhausted its attempts.
type ExecutionError struct {
	Tool     string
	Provider string
	Attempts int
	Err      error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("tool %s on %s failed after %d attempt(s): %v", e.Tool, e.Provider, e.Attempts, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

var rotationSignatures = []string{"429", "quota", "rate limit", "unauthorized", "403", "forbidden"}

// ShouldRotate reports whether an error message looks like a quota or
// authorization failure that a different credential may fix.
func ShouldRotate(msg string) bool {
	msg = strings.ToLower(msg)
	for _, sig := range rotationSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

// IsRotationEligible classifies err with ShouldRotate. Missing tools are
// never eligible.
func IsRotationEligible(err error) bool {
	if err == nil || errors.Is(err, ErrToolNotFound) {
		return false
	}
	return ShouldRotate(err.Error())
}
