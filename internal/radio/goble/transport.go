// Package goble implements the radio capability on top of github.com/go-ble/ble.
package goble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/beegate/internal/radio"
)

// Transport owns one ble.Device shared by scanning and connections. The device
// is created on first use and stopped only by Close, since stopping it drops
// every live link.
type Transport struct {
	logger    *logrus.Logger
	adapterID string

	mu     sync.Mutex
	dev    ble.Device
	closed bool
}

var _ radio.Transport = (*Transport)(nil)

// NewTransport creates a Transport bound to adapterID (e.g. "hci0").
func NewTransport(adapterID string, logger *logrus.Logger) *Transport {
	if logger == nil {
		logger = logrus.New()
	}
	return &Transport{adapterID: adapterID, logger: logger}
}

func (t *Transport) device() (ble.Device, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, radio.ErrAdapterClosed
	}
	if t.dev != nil {
		return t.dev, nil
	}

	dev, err := DeviceFactory(t.adapterID)
	if err != nil {
		t.logger.WithFields(logrus.Fields{
			"adapter": t.adapterID,
			"error":   err,
		}).Error("Failed to open BLE adapter")
		return nil, fmt.Errorf("failed to open adapter %q: %w", t.adapterID, NormalizeError(err))
	}
	t.dev = dev
	return dev, nil
}

// OpenAdapter returns a scanning handle on the transport's device.
func (t *Transport) OpenAdapter(ctx context.Context, adapterID string) (radio.Adapter, error) {
	if adapterID != "" && !strings.EqualFold(adapterID, t.adapterID) {
		return nil, fmt.Errorf("adapter %q not managed by this transport (bound to %q)", adapterID, t.adapterID)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dev, err := t.device()
	if err != nil {
		return nil, err
	}
	return &adapter{dev: dev, logger: t.logger}, nil
}

// Connect dials address. The security level is logged only; go-ble leaves
// pairing to the host stack.
func (t *Transport) Connect(ctx context.Context, address string, kind radio.AddressKind, sec radio.SecurityLevel) (radio.Conn, error) {
	if strings.TrimSpace(address) == "" {
		return nil, fmt.Errorf("device address is empty")
	}
	dev, err := t.device()
	if err != nil {
		return nil, err
	}

	log := t.logger.WithFields(logrus.Fields{
		"address":      address,
		"address_kind": kind,
		"security":     sec,
	})
	log.Debug("Dialing BLE device...")

	client, err := dev.Dial(ctx, dialAddr(address, kind))
	if err != nil {
		log.WithField("error", err).Debug("Dial failed")
		return nil, fmt.Errorf("failed to connect to device with address %q: %w", address, NormalizeError(err))
	}
	return newConn(ctx, client, address, t.logger), nil
}

// Close stops the underlying device.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	if t.dev == nil {
		return nil
	}
	err := t.dev.Stop()
	t.dev = nil
	if err != nil {
		return fmt.Errorf("failed to stop adapter %q: %w", t.adapterID, NormalizeError(err))
	}
	return nil
}

// adapter scans on the shared device. Close cancels a running scan but leaves
// the device up for the sessions.
type adapter struct {
	dev    ble.Device
	logger *logrus.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	closed bool
}

func (a *adapter) Scan(ctx context.Context, duration time.Duration, onDiscovered func(radio.Advertisement)) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return radio.ErrAdapterClosed
	}
	scanCtx, cancel := context.WithTimeout(ctx, duration)
	a.cancel = cancel
	a.mu.Unlock()
	defer cancel()

	err := a.dev.Scan(scanCtx, false, func(adv ble.Advertisement) {
		onDiscovered(radio.Advertisement{
			Address:     adv.Addr().String(),
			LocalName:   adv.LocalName(),
			RSSI:        adv.RSSI(),
			Connectable: adv.Connectable(),
		})
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		// scan window elapsed
		return nil
	case errors.Is(err, context.Canceled) && ctx.Err() == nil:
		// adapter closed mid-scan
		return nil
	default:
		return NormalizeError(err)
	}
}

func (a *adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	if a.cancel != nil {
		a.cancel()
	}
	return nil
}
