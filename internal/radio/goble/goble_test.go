package goble

import (
	"context"
	"errors"
	"testing"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/beegate/internal/radio"
)

func TestNormalizeError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		expect error
	}{
		{"darwin powered off", errors.New("central manager has invalid state: have=4 want=5: is Bluetooth turned on?"), radio.ErrBluetoothOff},
		{"turned off", errors.New("Bluetooth is turned off"), radio.ErrBluetoothOff},
		{"not connected", errors.New("device not connected"), radio.ErrNotConnected},
		{"disconnected", errors.New("peer disconnected"), radio.ErrNotConnected},
		{"already connected", errors.New("device already connected"), radio.ErrAlreadyConnected},
		{"dial timeout", errors.New("can't dial: timeout"), radio.ErrTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeError(tt.err)
			assert.ErrorIs(t, got, tt.expect)
			assert.Contains(t, got.Error(), tt.err.Error(), "original message MUST be preserved")
		})
	}

	unknown := errors.New("att: invalid handle")
	assert.Same(t, unknown, NormalizeError(unknown), "unknown errors MUST pass through untouched")
	assert.NoError(t, NormalizeError(nil))
}

func TestParseAdapterID(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"hci0", 0, false},
		{"HCI1", 1, false},
		{"2", 2, false},
		{"", 0, false},
		{"usb0", 0, true},
		{"hci-1", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAdapterID(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTransport_DeviceFactoryFailure(t *testing.T) {
	orig := DeviceFactory
	t.Cleanup(func() { DeviceFactory = orig })

	DeviceFactory = func(string) (ble.Device, error) {
		return nil, errors.New("Bluetooth is turned off")
	}

	tr := NewTransport("hci0", logrus.New())
	_, err := tr.OpenAdapter(context.Background(), "hci0")
	assert.ErrorIs(t, err, radio.ErrBluetoothOff)

	_, err = tr.Connect(context.Background(), "AA:BB:CC:DD:EE:FF", radio.AddressPublic, radio.SecurityLow)
	assert.ErrorIs(t, err, radio.ErrBluetoothOff)

	_, err = tr.OpenAdapter(context.Background(), "hci3")
	assert.Error(t, err, "adapters other than the bound one MUST be rejected")

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	_, err = tr.OpenAdapter(context.Background(), "hci0")
	assert.ErrorIs(t, err, radio.ErrAdapterClosed)
}

func TestTransport_ConnectRejectsEmptyAddress(t *testing.T) {
	tr := NewTransport("hci0", logrus.New())
	_, err := tr.Connect(context.Background(), "  ", radio.AddressPublic, radio.SecurityLow)
	assert.Error(t, err)
}
