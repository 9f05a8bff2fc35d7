package goble

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/beegate/internal/groutine"
	"github.com/srg/beegate/internal/radio"
)

// conn adapts a ble.Client to radio.Conn. go-ble addresses GATT by attribute
// objects; handle-level access is done with minimal attribute values carrying
// just the handles.
type conn struct {
	client  ble.Client
	address string
	logger  *logrus.Logger

	mu        sync.Mutex
	connected bool
	services  []*ble.Service
}

func newConn(ctx context.Context, client ble.Client, address string, logger *logrus.Logger) *conn {
	c := &conn{
		client:    client,
		address:   address,
		logger:    logger,
		connected: true,
	}

	groutine.Go(context.WithoutCancel(ctx), "ble-disconnect-monitor-"+address, func(context.Context) {
		<-client.Disconnected()
		c.mu.Lock()
		wasConnected := c.connected
		c.connected = false
		c.mu.Unlock()
		if wasConnected {
			logger.WithField("address", address).Warn("BLE link dropped by peer")
		}
	})
	return c
}

func (c *conn) Address() string {
	return c.address
}

func (c *conn) checkConnected() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return radio.ErrNotConnected
	}
	return nil
}

func (c *conn) DiscoverServices() ([]radio.Service, error) {
	if err := c.checkConnected(); err != nil {
		return nil, err
	}
	svcs, err := c.client.DiscoverServices(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to discover services: %w", NormalizeError(err))
	}

	c.mu.Lock()
	c.services = svcs
	c.mu.Unlock()

	out := make([]radio.Service, 0, len(svcs))
	for _, s := range svcs {
		out = append(out, radio.Service{
			UUID:      s.UUID.String(),
			Handle:    s.Handle,
			EndHandle: s.EndHandle,
		})
	}
	return out, nil
}

func (c *conn) DiscoverCharacteristics() ([]radio.Characteristic, error) {
	c.mu.Lock()
	svcs := c.services
	c.mu.Unlock()
	if svcs == nil {
		if _, err := c.DiscoverServices(); err != nil {
			return nil, err
		}
		c.mu.Lock()
		svcs = c.services
		c.mu.Unlock()
	}

	var out []radio.Characteristic
	for _, s := range svcs {
		chars, err := c.client.DiscoverCharacteristics(nil, s)
		if err != nil {
			return nil, fmt.Errorf("failed to discover characteristics of service %s: %w", s.UUID, NormalizeError(err))
		}
		for _, ch := range chars {
			out = append(out, radio.Characteristic{
				UUID:        ch.UUID.String(),
				ServiceUUID: s.UUID.String(),
				Handle:      ch.Handle,
				ValueHandle: ch.ValueHandle,
				Properties:  radio.Property(ch.Property),
			})
		}
	}
	return out, nil
}

func (c *conn) WriteByHandle(handle uint16, value []byte) error {
	if err := c.checkConnected(); err != nil {
		return err
	}
	char := &ble.Characteristic{ValueHandle: handle}
	if err := c.client.WriteCharacteristic(char, value, false); err != nil {
		return fmt.Errorf("failed to write handle 0x%04x: %w", handle, NormalizeError(err))
	}
	return nil
}

// RegisterNotificationCallback subscribes to the value at handle. The client
// configuration descriptor is expected right after the value, at handle+1.
func (c *conn) RegisterNotificationCallback(handle uint16, onBytes func([]byte)) error {
	if err := c.checkConnected(); err != nil {
		return err
	}
	char := &ble.Characteristic{
		ValueHandle: handle,
		CCCD:        &ble.Descriptor{Handle: handle + 1},
	}
	if err := c.client.Subscribe(char, false, func(req []byte) {
		onBytes(req)
	}); err != nil {
		return fmt.Errorf("failed to subscribe to handle 0x%04x: %w", handle, NormalizeError(err))
	}
	return nil
}

func (c *conn) Disconnect() error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	c.connected = false
	c.services = nil
	c.mu.Unlock()

	if err := c.client.CancelConnection(); err != nil {
		c.logger.WithFields(logrus.Fields{
			"address": c.address,
			"error":   err,
		}).Warn("Failed to cancel BLE connection")
		return NormalizeError(err)
	}
	return nil
}
