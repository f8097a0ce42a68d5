package ftps

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionClosed is returned for commands that were still waiting for
	// a reply when the control connection went away, and for any command
	// issued after Quit.
	ErrSessionClosed = errors.New("ftps: session closed")

	// ErrNotConnected is returned when a command is issued before Connect
	// has completed.
	ErrNotConnected = errors.New("ftps: not connected")
)

// TransportError represents a failure of the underlying connection
// (refused, reset, TLS handshake failure, ...).
type TransportError struct {
	// Op describes what was being done ("dial", "read", "write", "tls handshake")
	Op string

	// Err is the underlying network error
	Err error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	return fmt.Sprintf("ftps: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying network error.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// ProtocolError represents an unexpected reply during the connection
// handshake (greeting, AUTH TLS, PBSZ, USER, PASS, PROT). It is always
// fatal to Connect.
type ProtocolError struct {
	// Command is the handshake step that failed (e.g., "AUTH TLS")
	Command string

	// Response is the raw reply line received from the server
	Response string

	// Code is the numeric reply code
	Code int
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("ftps: %s failed: %s (code %d)", e.Command, e.Response, e.Code)
}

// CommandError represents a negative reply to an application command
// such as RETR, STOR, RNFR, RNTO, DELE or NLST. Response carries the exact
// reply text sent by the server, so callers can show it or decide to retry
// with a different path.
type CommandError struct {
	// Command is the FTP command that was sent (e.g., "STOR file.txt")
	Command string

	// Response is the raw reply line (e.g., "550 Permission denied")
	Response string

	// Code is the numeric reply code (e.g., 550)
	Code int
}

// Error implements the error interface.
func (e *CommandError) Error() string {
	return fmt.Sprintf("ftps: %s failed: %s", e.Command, e.Response)
}

// IsTemporary returns true if the error is a transient failure (4xx).
func (e *CommandError) IsTemporary() bool {
	return e.Code >= 400 && e.Code < 500
}

// IsPermanent returns true if the error is a permanent failure (5xx).
func (e *CommandError) IsPermanent() bool {
	return e.Code >= 500 && e.Code < 600
}

// ParseError is returned when a PASV or EPSV reply does not carry a
// decodable data endpoint.
type ParseError struct {
	// Command is the negotiation command ("PASV" or "EPSV")
	Command string

	// Response is the reply text that could not be decoded
	Response string

	// Reason is set when the reply matched but a field was out of range
	Reason string
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("ftps: unable to parse %s reply %q: %s", e.Command, e.Response, e.Reason)
	}
	return fmt.Sprintf("ftps: unable to parse %s reply %q", e.Command, e.Response)
}

func newCommandError(cmd string, r *Reply) *CommandError {
	return &CommandError{Command: cmd, Response: r.Text, Code: r.Code}
}

func newProtocolError(step string, r *Reply) *ProtocolError {
	return &ProtocolError{Command: step, Response: r.Text, Code: r.Code}
}
