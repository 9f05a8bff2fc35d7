//go:build linux

package goble

import (
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
	"github.com/go-ble/ble/linux/hci"

	"github.com/srg/beegate/internal/radio"
)

// DeviceFactory creates the HCI device for an adapter (can be overridden in tests).
//
//nolint:revive // DeviceFactory name is intentional for test mocking as goble.DeviceFactory
var DeviceFactory = func(adapterID string) (ble.Device, error) {
	id, err := ParseAdapterID(adapterID)
	if err != nil {
		return nil, err
	}
	return linux.NewDevice(ble.OptDeviceID(id))
}

func dialAddr(address string, kind radio.AddressKind) ble.Addr {
	addr := ble.NewAddr(address)
	if kind == radio.AddressRandom {
		return hci.RandomAddress{Addr: addr}
	}
	return addr
}
