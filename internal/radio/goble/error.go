package goble

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/srg/beegate/internal/radio"
)

// NormalizeError maps known go-ble error strings to the radio error taxonomy.
// Returns wrapped errors to preserve original context.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	switch {
	case msg == "central manager has invalid state: have=4 want=5: is Bluetooth turned on?":
		return fmt.Errorf("%w: %v", radio.ErrBluetoothOff, err)
	case containsIgnoreCase(msg, "bluetooth is turned off"):
		return fmt.Errorf("%w: %v", radio.ErrBluetoothOff, err)
	case containsIgnoreCase(msg, "device not connected"):
		return fmt.Errorf("%w: %v", radio.ErrNotConnected, err)
	case containsIgnoreCase(msg, "disconnected"):
		return fmt.Errorf("%w: %v", radio.ErrNotConnected, err)
	case containsIgnoreCase(msg, "device already connected"):
		return fmt.Errorf("%w: %v", radio.ErrAlreadyConnected, err)
	case containsIgnoreCase(msg, "can't dial: timeout"), containsIgnoreCase(msg, "context deadline exceeded"):
		return fmt.Errorf("%w: %v", radio.ErrTimeout, err)
	default:
		return err
	}
}

func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// ParseAdapterID turns "hci0", "0" or "" into an HCI device index.
func ParseAdapterID(adapterID string) (int, error) {
	s := strings.TrimPrefix(strings.TrimSpace(strings.ToLower(adapterID)), "hci")
	if s == "" {
		return 0, nil
	}
	id, err := strconv.Atoi(s)
	if err != nil || id < 0 {
		return 0, fmt.Errorf("invalid adapter %q: want hciN", adapterID)
	}
	return id, nil
}
