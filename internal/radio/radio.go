// Package radio defines the radio transport capability the gateway consumes:
// scanning for advertising nodes, connecting by address, enumerating attribute
// handles, writing to a handle and receiving unsolicited notifications.
//
// The package holds no implementation of its own. See radio/goble for the
// go-ble backed transport and radio/radiotest for the in-memory one.
package radio

import (
	"context"
	"fmt"
	"time"
)

// AddressKind selects how a peer address is interpreted when connecting.
type AddressKind int

const (
	AddressPublic AddressKind = iota
	AddressRandom
)

func (k AddressKind) String() string {
	switch k {
	case AddressPublic:
		return "public"
	case AddressRandom:
		return "random"
	default:
		return fmt.Sprintf("address_kind(%d)", int(k))
	}
}

// SecurityLevel requested for a connection. Pairing policy is left to the
// radio stack; the gateway always asks for SecurityLow.
type SecurityLevel int

const (
	SecurityLow SecurityLevel = iota
	SecurityMedium
	SecurityHigh
)

func (s SecurityLevel) String() string {
	switch s {
	case SecurityLow:
		return "low"
	case SecurityMedium:
		return "medium"
	case SecurityHigh:
		return "high"
	default:
		return fmt.Sprintf("security(%d)", int(s))
	}
}

// Advertisement is one scan hit.
type Advertisement struct {
	Address     string
	LocalName   string
	RSSI        int
	Connectable bool
}

// Service is a discovered primary service.
type Service struct {
	UUID      string
	Handle    uint16
	EndHandle uint16
}

// Characteristic is a discovered characteristic declaration.
type Characteristic struct {
	UUID        string
	ServiceUUID string
	Handle      uint16
	ValueHandle uint16
	Properties  Property
}

// Property is the characteristic properties bit field.
type Property uint8

const (
	PropBroadcast       Property = 0x01
	PropRead            Property = 0x02
	PropWriteNoResponse Property = 0x04
	PropWrite           Property = 0x08
	PropNotify          Property = 0x10
	PropIndicate        Property = 0x20
)

// Has reports whether all bits of q are set.
func (p Property) Has(q Property) bool {
	return p&q == q
}

// Transport is the process-wide entry point of a radio stack.
type Transport interface {
	// OpenAdapter prepares adapterID for scanning.
	OpenAdapter(ctx context.Context, adapterID string) (Adapter, error)

	// Connect opens a link to address. ctx bounds the attempt.
	Connect(ctx context.Context, address string, kind AddressKind, sec SecurityLevel) (Conn, error)

	// Close releases the radio. Live connections are dropped.
	Close() error
}

// Adapter scans for advertisements. It is owned by the discovery loop.
type Adapter interface {
	// Scan reports every advertisement seen during duration, or until ctx is
	// done. Reaching the end of the window is not an error.
	Scan(ctx context.Context, duration time.Duration, onDiscovered func(Advertisement)) error

	// Close ends scanning on the adapter. Connections made through the
	// Transport are unaffected.
	Close() error
}

// Conn is one live link to a peer.
type Conn interface {
	Address() string
	DiscoverServices() ([]Service, error)
	DiscoverCharacteristics() ([]Characteristic, error)
	WriteByHandle(handle uint16, value []byte) error

	// RegisterNotificationCallback delivers notifications for the value at
	// handle. onBytes runs on the radio stack's goroutine and must not block.
	RegisterNotificationCallback(handle uint16, onBytes func([]byte)) error

	Disconnect() error
}
