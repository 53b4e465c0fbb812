package protocol

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotConnected   = errors.New("protocol: not connected")
	ErrDisconnected   = errors.New("protocol: engine disconnected")
	ErrConnectionLost = errors.New("protocol: connection lost before response")
	ErrInvalidAction  = errors.New("protocol: invalid action")
	ErrMalformedLine  = errors.New("protocol: malformed line")
	ErrLoginRejected  = errors.New("protocol: login rejected")
	ErrActionFailed   = errors.New("protocol: action failed")
)

// TransportError wraps a socket-level failure. It is never fatal to the engine.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("protocol: transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// AuthError is returned to the caller of a connect when the remote side rejects the login.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	if strings.TrimSpace(e.Message) == "" {
		return ErrLoginRejected.Error()
	}
	return fmt.Sprintf("%s: %s", ErrLoginRejected.Error(), e.Message)
}

func (e *AuthError) Unwrap() error { return ErrLoginRejected }

// ActionError resolves exactly one pending action whose response signaled an error.
type ActionError struct {
	ActionID string
	Message  string
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("%s: action_id=%s message=%q", ErrActionFailed.Error(), e.ActionID, e.Message)
}

func (e *ActionError) Unwrap() error { return ErrActionFailed }

// ParseError reports a dropped inbound block.
type ParseError struct {
	Line string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("protocol: parse %q: %v", e.Line, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }
