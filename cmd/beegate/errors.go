package main

import (
	"errors"
	"os"
	"strings"

	"github.com/srg/beegate/internal/radio"
	"github.com/srg/beegate/internal/registry"
	"github.com/srg/beegate/pkg/config"
)

// FormatUserError turns an internal error chain into a one-line message with
// a hint for the failures an operator can fix.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()

	var hint string
	switch {
	case errors.Is(err, registry.ErrLocked):
		hint = "another beegate instance is using this registry"
	case errors.Is(err, radio.ErrBluetoothOff):
		hint = "turn Bluetooth on and retry"
	case errors.Is(err, os.ErrPermission):
		hint = "raw HCI access usually needs root or CAP_NET_ADMIN"
	case errors.Is(err, config.ErrInvalidConfig):
		hint = "check the configuration file"
	}

	if hint == "" || strings.Contains(msg, hint) {
		return msg
	}
	return msg + " (" + hint + ")"
}
