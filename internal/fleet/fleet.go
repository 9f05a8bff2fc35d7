// Package fleet runs the discovery loop: it scans for advertising nodes, looks
// each one up in the registry and keeps exactly one session per address.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/srg/beegate/internal/groutine"
	"github.com/srg/beegate/internal/mailbox"
	"github.com/srg/beegate/internal/metrics"
	"github.com/srg/beegate/internal/radio"
	"github.com/srg/beegate/internal/session"
)

const (
	DefaultDeviceName   = "beeinformed_edge"
	DefaultAdapter      = "hci0"
	DefaultScanDuration = 10 * time.Second
	DefaultScanInterval = 10 * time.Second

	eventBuffer = 128
)

// Registry decides whether a discovered address was seen before.
type Registry interface {
	LookupOrRegister(address string) (known bool, err error)
}

// DeviceDirs prepares per-device storage. It reports whether the directory
// was created (new device) or already there (restored device).
type DeviceDirs interface {
	EnsureDeviceDir(address string) (created bool, err error)
}

// EventType marks what happened to a session.
type EventType int

const (
	EventSessionStarted EventType = iota
	EventSessionEnded
)

func (t EventType) String() string {
	switch t {
	case EventSessionStarted:
		return "session_started"
	case EventSessionEnded:
		return "session_ended"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

// Event reports session lifecycle changes to observers.
type Event struct {
	Type      EventType
	Address   string
	SessionID string
	IsNew     bool
	Err       error
}

// Config configures a Manager.
type Config struct {
	AdapterID    string
	DeviceName   string
	ScanDuration time.Duration
	ScanInterval time.Duration

	// Session is the template for spawned sessions. Address, IsNew,
	// Transport, Logger and Metrics are filled in by the Manager.
	Session session.Options
}

// Manager owns the discovery loop and the live sessions.
type Manager struct {
	cfg       Config
	transport radio.Transport
	registry  Registry
	dirs      DeviceDirs
	logger    *logrus.Logger
	metrics   *metrics.Metrics

	// sessions holds the latest session per address. Entries are replaced,
	// never deleted; a session is live until its Done channel closes.
	sessions *hashmap.Map[string, *session.Session]
	wg       sync.WaitGroup
	events   *mailbox.Ring[Event]
	running  atomic.Bool

	// spawnMu orders session spawns against the shutdown sweep.
	spawnMu  sync.Mutex
	stopping bool
}

func live(s *session.Session) bool {
	select {
	case <-s.Done():
		return false
	default:
		return true
	}
}

// Option customizes a Manager.
type Option func(*Manager)

// WithDeviceDirs prepares a data directory for every spawned session.
func WithDeviceDirs(d DeviceDirs) Option {
	return func(m *Manager) { m.dirs = d }
}

// WithMetrics records fleet and session metrics.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// NewManager creates a Manager. Zero config values take the defaults.
func NewManager(cfg Config, transport radio.Transport, registry Registry, logger *logrus.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.AdapterID == "" {
		cfg.AdapterID = DefaultAdapter
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = DefaultDeviceName
	}
	if cfg.ScanDuration <= 0 {
		cfg.ScanDuration = DefaultScanDuration
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = DefaultScanInterval
	}

	m := &Manager{
		cfg:       cfg,
		transport: transport,
		registry:  registry,
		logger:    logger,
		sessions:  hashmap.New[string, *session.Session](),
		events:    mailbox.NewRing[Event](eventBuffer),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Events delivers session lifecycle events. Old events are dropped when
// nobody reads them.
func (m *Manager) Events() <-chan Event {
	return m.events.C()
}

// Sessions returns the addresses of the live sessions.
func (m *Manager) Sessions() []string {
	out := make([]string, 0, m.sessions.Len())
	m.sessions.Range(func(addr string, s *session.Session) bool {
		if live(s) {
			out = append(out, addr)
		}
		return true
	})
	return out
}

// Session returns the most recent session for address, live or finished.
func (m *Manager) Session(address string) (*session.Session, bool) {
	return m.sessions.Get(radio.NormalizeAddress(address))
}

// Run scans until ctx is done, then stops every session, waits for them to
// terminate and closes the transport.
func (m *Manager) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return errors.New("fleet manager is already running")
	}
	defer m.running.Store(false)

	m.spawnMu.Lock()
	m.stopping = false
	m.spawnMu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"adapter":       m.cfg.AdapterID,
		"device_name":   m.cfg.DeviceName,
		"scan_duration": m.cfg.ScanDuration,
		"scan_interval": m.cfg.ScanInterval,
	}).Info("Discovery loop started")

	for ctx.Err() == nil {
		if err := m.scanOnce(ctx); err != nil && ctx.Err() == nil {
			m.logger.WithField("error", err).Warn("Scan cycle failed")
		}

		t := time.NewTimer(m.cfg.ScanInterval)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
		}
	}

	return m.shutdown()
}

// scanOnce runs one open, scan, close cycle.
func (m *Manager) scanOnce(ctx context.Context) error {
	adapter, err := m.transport.OpenAdapter(ctx, m.cfg.AdapterID)
	if err != nil {
		return fmt.Errorf("open adapter %s: %w", m.cfg.AdapterID, err)
	}
	defer func() {
		if err := adapter.Close(); err != nil {
			m.logger.WithField("error", err).Debug("Failed to close adapter")
		}
	}()

	m.metrics.Scanned()
	m.logger.WithField("duration", m.cfg.ScanDuration).Debug("Scanning...")

	sessionCtx := context.WithoutCancel(ctx)
	return adapter.Scan(ctx, m.cfg.ScanDuration, func(adv radio.Advertisement) {
		m.handleAdvertisement(sessionCtx, adv)
	})
}

// handleAdvertisement spawns a session for a matching node that has none.
func (m *Manager) handleAdvertisement(ctx context.Context, adv radio.Advertisement) {
	if strings.TrimRight(adv.LocalName, "\x00") != m.cfg.DeviceName {
		return
	}
	addr := radio.NormalizeAddress(adv.Address)
	if addr == "" {
		return
	}

	m.spawnMu.Lock()
	defer m.spawnMu.Unlock()
	if m.stopping {
		return
	}
	if prev, ok := m.sessions.Get(addr); ok && live(prev) {
		return
	}

	log := m.logger.WithFields(logrus.Fields{
		"address": addr,
		"rssi":    adv.RSSI,
	})

	known, err := m.registry.LookupOrRegister(addr)
	if err != nil {
		// a later scan retries the registration
		m.metrics.RegistryError()
		log.WithField("error", err).Error("Registry lookup failed, treating device as new")
		known = false
	}
	m.metrics.DeviceDiscovered(known)

	if m.dirs != nil {
		created, err := m.dirs.EnsureDeviceDir(addr)
		switch {
		case err != nil:
			log.WithField("error", err).Warn("Failed to prepare device data directory")
		case created:
			log.Info("Device data directory created")
		default:
			log.Info("Device data directory restored")
		}
	}

	opts := m.cfg.Session
	opts.Address = addr
	opts.IsNew = !known
	opts.Transport = m.transport
	opts.Logger = m.logger
	opts.Metrics = m.metrics
	sess := session.New(opts)

	m.sessions.Set(addr, sess)

	log.WithField("known", known).Info("Discovered device, starting session")
	m.events.ForceSend(Event{Type: EventSessionStarted, Address: addr, SessionID: sess.ID(), IsNew: !known})

	m.wg.Add(1)
	groutine.Go(ctx, "session-"+addr, func(ctx context.Context) {
		defer m.wg.Done()
		err := sess.Run(ctx)
		m.events.ForceSend(Event{Type: EventSessionEnded, Address: addr, SessionID: sess.ID(), IsNew: !known, Err: err})
	})
}

// shutdown stops every tracked session, joins them and closes the transport.
func (m *Manager) shutdown() error {
	m.spawnMu.Lock()
	m.stopping = true
	m.spawnMu.Unlock()

	m.logger.WithField("sessions", len(m.Sessions())).Info("Stopping fleet")

	m.sessions.Range(func(_ string, s *session.Session) bool {
		if live(s) {
			s.Stop()
		}
		return true
	})
	m.wg.Wait()

	if err := m.transport.Close(); err != nil {
		return fmt.Errorf("close transport: %w", err)
	}
	m.logger.Info("Fleet stopped")
	return nil
}
