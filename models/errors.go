package models

import (
	"errors"
	"fmt"
)

var (
	ErrMissingCredential = errors.New("missing credential")
	ErrNotConnected      = errors.New("session is not connected")
)

// PermissionOrEnvironmentError means a capture device could not be opened:
// access denied or no capture support in this environment.
type PermissionOrEnvironmentError struct {
	Device string
	Err    error
}

func (e *PermissionOrEnvironmentError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Device, e.Err)
}

func (e *PermissionOrEnvironmentError) Unwrap() error { return e.Err }

// UserMessage is the text shown to the person at the keyboard.
func (e *PermissionOrEnvironmentError) UserMessage() string {
	return fmt.Sprintf("Could not access the %s. Check that permission was granted and that this environment supports capture.", e.Device)
}

// TransportError wraps a failure of the live connection itself.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
