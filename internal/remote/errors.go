package remote

import (
	"errors"
	"fmt"
)

// ErrorKind classifies why a connect attempt failed.
type ErrorKind int

const (
	KindNetwork ErrorKind = iota + 1
	KindAuth
	KindProtocol
)

func (k ErrorKind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindAuth:
		return "auth"
	case KindProtocol:
		return "protocol"
	default:
		return "unknown"
	}
}

// ConnectError is returned by Transport.Dial and Session.Connect.
type ConnectError struct {
	Kind ErrorKind
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

var (
	// ErrNotConnected is returned when a command is issued without a live session.
	ErrNotConnected = errors.New("remote session not connected")
	// ErrConnectInProgress is returned when Connect or Reconnect is called
	// while another connect attempt is still resolving.
	ErrConnectInProgress = errors.New("remote connect already in progress")
)

// CommandFailedError reports a command that exited non-zero and wrote to stderr.
type CommandFailedError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *CommandFailedError) Error() string {
	return fmt.Sprintf("command %q exited with code %d: %s", e.Command, e.ExitCode, e.Stderr)
}

// IsKind reports whether err is a ConnectError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var ce *ConnectError
	return errors.As(err, &ce) && ce.Kind == kind
}
