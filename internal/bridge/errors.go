package bridge

import (
	"errors"
	"fmt"
)

// Sentinel errors for caller mistakes.
var (
	// ErrNotConnected is returned when a light or room operation is
	// attempted outside the Connected state.
	ErrNotConnected = errors.New("bridge: not connected")

	// ErrNotConfigured is returned when TestConnection is attempted
	// without a configured host.
	ErrNotConfigured = errors.New("bridge: no host configured")
)

// ConnectivityError means the host did not answer at all. The remedy
// is checking the network or the address, not the credential.
type ConnectivityError struct {
	Host string
	Err  error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("bridge %s unreachable: %v", e.Host, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// TrustError means the TLS handshake was rejected because the bridge's
// self-signed certificate is not trusted yet. ActionURL is the address
// the user must visit once to accept the certificate.
type TrustError struct {
	Host      string
	ActionURL string
	Err       error
}

func (e *TrustError) Error() string {
	return fmt.Sprintf("bridge %s certificate not trusted, visit %s to accept it", e.Host, e.ActionURL)
}

func (e *TrustError) Unwrap() error { return e.Err }

// CredentialError means the bridge answered and explicitly rejected
// the token.
type CredentialError struct {
	Host   string
	Reason string
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("bridge %s rejected credential: %s", e.Host, e.Reason)
}

// ProtocolError means a response arrived but its shape was not the one
// the negotiated protocol version promises.
type ProtocolError struct {
	Version Version
	Op      string
	Err     error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("bridge %s %s: unexpected response: %v", e.Version, e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// OperationError means a single light or group command failed after a
// successful connection. It never invalidates the connection itself.
type OperationError struct {
	Op     string
	Target string
	Err    error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("bridge %s %s: %v", e.Op, e.Target, e.Err)
}

func (e *OperationError) Unwrap() error { return e.Err }
