//go:build !linux && !darwin

package goble

import (
	"fmt"
	"runtime"

	"github.com/go-ble/ble"

	"github.com/srg/beegate/internal/radio"
)

//nolint:revive // DeviceFactory name is intentional for test mocking as goble.DeviceFactory
var DeviceFactory = func(adapterID string) (ble.Device, error) {
	return nil, fmt.Errorf("no BLE backend for %s", runtime.GOOS)
}

func dialAddr(address string, _ radio.AddressKind) ble.Addr {
	return ble.NewAddr(address)
}
