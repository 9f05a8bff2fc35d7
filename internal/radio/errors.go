package radio

import (
	"errors"
	"fmt"
	"strings"
)

// ConnectionState is the specific kind of link failure.
type ConnectionState string

const (
	NotConnected     ConnectionState = "not_connected"
	AlreadyConnected ConnectionState = "already_connected"
	AdapterClosed    ConnectionState = "adapter_closed"
)

// ConnectionError represents any link or adapter state problem.
type ConnectionError struct {
	State ConnectionState
	Msg   string
}

func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

// Is allows errors.Is to compare ConnectionError values by State.
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.State == t.State
}

var (
	ErrNotConnected     = &ConnectionError{State: NotConnected}
	ErrAlreadyConnected = &ConnectionError{State: AlreadyConnected}
	ErrAdapterClosed    = &ConnectionError{State: AdapterClosed}
)

var (
	ErrBluetoothOff = errors.New("bluetooth is turned off")
	ErrTimeout      = errors.New("timeout")
)

// NotFoundError is returned when an expected attribute is missing.
type NotFoundError struct {
	Resource string // "service", "characteristic", "handle"
	ID       string
}

func (e *NotFoundError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

// IsConnectionState reports whether err is a ConnectionError with the given state.
func IsConnectionState(err error, state ConnectionState) bool {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return cerr.State == state
	}
	return false
}

// NormalizeAddress returns the canonical form of a device address: trimmed and
// upper case, so "aa:bb:..." and "AA:BB:..." name the same device.
func NormalizeAddress(address string) string {
	return strings.ToUpper(strings.TrimSpace(address))
}
