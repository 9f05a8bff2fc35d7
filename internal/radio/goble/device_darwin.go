//go:build darwin

package goble

import (
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/darwin"

	"github.com/srg/beegate/internal/radio"
)

// DeviceFactory creates the CoreBluetooth device (can be overridden in tests).
// CoreBluetooth has a single adapter, so adapterID is ignored.
//
//nolint:revive // DeviceFactory name is intentional for test mocking as goble.DeviceFactory
var DeviceFactory = func(adapterID string) (ble.Device, error) {
	return darwin.NewDevice()
}

// CoreBluetooth addresses peers by identifier; the address kind does not apply.
func dialAddr(address string, _ radio.AddressKind) ble.Addr {
	return ble.NewAddr(address)
}
