// Package session drives the lifecycle of one connected sensor node: connect,
// discover its attributes, enable notifications, then run request/response
// acquisition cycles until it is stopped or faults.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/beegate/internal/groutine"
	"github.com/srg/beegate/internal/mailbox"
	"github.com/srg/beegate/internal/metrics"
	"github.com/srg/beegate/internal/protocol"
	"github.com/srg/beegate/internal/radio"
	"github.com/srg/beegate/internal/watchdog"
)

// ----------------------------
// Errors
// ----------------------------

var (
	ErrConnectFailed = errors.New("connection failed")
	ErrNoServices    = errors.New("no services discovered")
	ErrWatchdog      = errors.New("watchdog expired")
	ErrCorruptStream = errors.New("corrupt receive stream")
	ErrShortPayload  = errors.New("short measurement payload")

	// errStopped marks a cooperative stop observed at a suspension point.
	errStopped = errors.New("session stopped")
)

// ----------------------------
// Defaults
// ----------------------------

const (
	DefaultConnectTimeout      = 10 * time.Second
	DefaultWatchdogTimeout     = 5 * time.Second
	DefaultMailboxTimeout      = 10 * time.Second
	DefaultAcquisitionInterval = 60 * time.Second
	DefaultWriteChunkSize      = 20

	DefaultTxHandle     uint16 = 0x0010
	DefaultRxHandle     uint16 = 0x0012
	DefaultNotifyHandle uint16 = 0x0013

	// corruptLimit consecutive corrupt packets fault the session.
	corruptLimit = 2
)

// notifyEnable is the client configuration value that turns notifications on.
var notifyEnable = []byte{0x01, 0x00}

// Handles are the fixed attribute handles of the node's protocol characteristics.
type Handles struct {
	TX     uint16 // command writes
	RX     uint16 // reply notifications
	Notify uint16 // notification enable
}

// Sink receives one Record per completed acquisition cycle.
type Sink interface {
	Append(ctx context.Context, rec Record) error
}

// Options configure a Session. Zero durations and sizes take the defaults.
type Options struct {
	Address   string
	IsNew     bool
	Transport radio.Transport
	Sink      Sink
	Logger    *logrus.Logger
	Metrics   *metrics.Metrics

	Handles             Handles
	ConnectTimeout      time.Duration
	WatchdogTimeout     time.Duration
	MailboxTimeout      time.Duration
	MailboxCapacity     int
	AcquisitionInterval time.Duration
	WriteChunkSize      int
}

func (o *Options) applyDefaults() {
	if o.Logger == nil {
		o.Logger = logrus.New()
	}
	if o.Handles == (Handles{}) {
		o.Handles = Handles{TX: DefaultTxHandle, RX: DefaultRxHandle, Notify: DefaultNotifyHandle}
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.WatchdogTimeout <= 0 {
		o.WatchdogTimeout = DefaultWatchdogTimeout
	}
	if o.MailboxTimeout <= 0 {
		o.MailboxTimeout = DefaultMailboxTimeout
	}
	if o.MailboxCapacity <= 0 {
		o.MailboxCapacity = mailbox.DefaultCapacity
	}
	if o.AcquisitionInterval <= 0 {
		o.AcquisitionInterval = DefaultAcquisitionInterval
	}
	if o.WriteChunkSize <= 0 {
		o.WriteChunkSize = DefaultWriteChunkSize
	}
}

// ----------------------------
// Session
// ----------------------------

// Session is the gateway-side state of one node. All fields except the stop
// signal are owned by the goroutine running Run; the notification callback
// only touches the framer and the mailbox.
type Session struct {
	id      string
	address string
	opts    Options
	log     *logrus.Entry

	state     atomic.Int32
	shouldRun atomic.Bool
	stopOnce  sync.Once
	stopCh    chan struct{}

	terminateOnce sync.Once
	done          chan struct{}

	conn    radio.Conn
	mbox    mailbox.Mailbox[protocol.Packet]
	wd      *watchdog.Watchdog
	framer  *protocol.Framer
	writer  *protocol.Writer
	corrupt atomic.Int32

	mu      sync.RWMutex
	catalog *orderedmap.OrderedMap[uint16, radio.Characteristic]
	reading EnvironmentalReading
	err     error
}

// New creates a session in the Connecting state. Call Run to start it.
func New(opts Options) *Session {
	opts.applyDefaults()
	opts.Address = radio.NormalizeAddress(opts.Address)

	s := &Session{
		id:      uuid.NewString(),
		address: opts.Address,
		opts:    opts,
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
		framer:  protocol.NewFramer(),
	}
	s.log = opts.Logger.WithFields(logrus.Fields{
		"address":    s.address,
		"session_id": s.id,
	})

	if opts.MailboxCapacity == 1 {
		s.mbox = mailbox.NewSlot[protocol.Packet]()
	} else {
		s.mbox = mailbox.NewQueue[protocol.Packet](opts.MailboxCapacity)
	}
	s.wd = watchdog.New(opts.WatchdogTimeout, func(gen uint64) {
		s.mbox.TryPost(protocol.TimeoutFault(uint32(gen)))
	})

	s.shouldRun.Store(true)
	s.state.Store(int32(StateConnecting))
	return s
}

func (s *Session) ID() string      { return s.id }
func (s *Session) Address() string { return s.address }
func (s *Session) IsNew() bool     { return s.opts.IsNew }

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Reading returns a copy of the latest reading.
func (s *Session) Reading() EnvironmentalReading {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reading
}

// Err returns the cause of termination, nil for a clean stop.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Characteristics returns the discovered attribute catalog in discovery order.
func (s *Session) Characteristics() []radio.Characteristic {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.catalog == nil {
		return nil
	}
	out := make([]radio.Characteristic, 0, s.catalog.Len())
	for pair := s.catalog.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// Stop asks the worker to finish. It wakes a worker blocked in a connect, a
// mailbox wait or the inter-acquisition sleep. Safe to call more than once.
func (s *Session) Stop() {
	s.shouldRun.Store(false)
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Done is closed once the session reached Terminated.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the session terminated or ctx is done.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes the whole lifecycle on the calling goroutine and returns the
// termination cause, nil for a cooperative stop.
func (s *Session) Run(ctx context.Context) error {
	s.opts.Metrics.SessionStarted()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	groutine.Go(runCtx, "session-stop-"+s.address, func(ctx context.Context) {
		select {
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
	})

	err := s.run(runCtx)
	if errors.Is(err, errStopped) {
		err = nil
	}
	s.terminate(err)
	return err
}

func (s *Session) run(ctx context.Context) error {
	s.log.WithField("new_device", s.opts.IsNew).Info("Session starting")

	if err := s.connect(ctx); err != nil {
		return err
	}

	s.setState(StateDiscovering)
	if err := s.discover(); err != nil {
		s.fault(err)
		return err
	}

	if err := s.stream(); err != nil {
		s.fault(err)
		return err
	}

	for {
		if !s.shouldRun.Load() || ctx.Err() != nil {
			return errStopped
		}

		s.setState(StateAcquiring)
		start := time.Now()
		if err := s.acquire(ctx); err != nil {
			if errors.Is(err, errStopped) || !s.shouldRun.Load() {
				return errStopped
			}
			s.fault(err)
			return err
		}
		s.opts.Metrics.Acquired(time.Since(start))
		s.record(ctx)

		s.setState(StateSleeping)
		if !s.sleep(ctx) {
			return errStopped
		}
	}
}

// connect tries the public address kind, then the random one.
func (s *Session) connect(ctx context.Context) error {
	var errs []error
	for _, kind := range []radio.AddressKind{radio.AddressPublic, radio.AddressRandom} {
		attemptCtx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
		conn, err := s.opts.Transport.Connect(attemptCtx, s.address, kind, radio.SecurityLow)
		cancel()
		if err == nil {
			s.conn = conn
			s.log.WithField("address_kind", kind).Info("Connected")
			return nil
		}

		s.log.WithFields(logrus.Fields{
			"address_kind": kind,
			"error":        err,
		}).Debug("Connect attempt failed")
		errs = append(errs, fmt.Errorf("%s: %w", kind, err))

		if ctx.Err() != nil {
			return errStopped
		}
	}

	err := fmt.Errorf("%w: %s: %w", ErrConnectFailed, s.address, errors.Join(errs...))
	s.log.WithField("error", err).Warn("Unable to connect")
	return err
}

func (s *Session) discover() error {
	svcs, err := s.conn.DiscoverServices()
	if err != nil {
		return fmt.Errorf("discover services: %w", err)
	}
	if len(svcs) == 0 {
		return ErrNoServices
	}

	chars, err := s.conn.DiscoverCharacteristics()
	if err != nil {
		return fmt.Errorf("discover characteristics: %w", err)
	}

	catalog := orderedmap.New[uint16, radio.Characteristic]()
	for _, c := range chars {
		catalog.Set(c.ValueHandle, c)
	}

	for _, h := range []uint16{s.opts.Handles.TX, s.opts.Handles.RX} {
		if _, ok := catalog.Get(h); !ok {
			s.log.WithField("handle", fmt.Sprintf("0x%04x", h)).Warn("Protocol handle missing from discovered characteristics")
		}
	}

	s.mu.Lock()
	s.catalog = catalog
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"services":        len(svcs),
		"characteristics": catalog.Len(),
	}).Debug("Attributes discovered")
	return nil
}

func (s *Session) stream() error {
	if err := s.conn.WriteByHandle(s.opts.Handles.Notify, notifyEnable); err != nil {
		return fmt.Errorf("enable notifications: %w", err)
	}
	if err := s.conn.RegisterNotificationCallback(s.opts.Handles.RX, s.onNotify); err != nil {
		return fmt.Errorf("register notification callback: %w", err)
	}
	s.writer = protocol.NewWriter(s.conn, s.opts.Handles.TX, s.opts.WriteChunkSize)
	s.setState(StateStreaming)
	return nil
}

// onNotify runs on the radio stack's goroutine. It frames raw bytes and posts
// completed packets; corrupt packets are dropped, and a run of them posts a
// fault so the worker tears the session down.
func (s *Session) onNotify(chunk []byte) {
	packets, errs := s.framer.Feed(chunk)

	for _, err := range errs {
		s.opts.Metrics.PacketDropped("corrupt")
		s.log.WithField("error", err).Warn("Dropping corrupt packet")
		if s.corrupt.Add(1) >= corruptLimit {
			s.corrupt.Store(0)
			s.post(protocol.FaultPacket(protocol.FaultCorrupt))
		}
	}

	for _, p := range packets {
		s.corrupt.Store(0)
		s.post(p)
	}
}

func (s *Session) post(p protocol.Packet) {
	if !s.mbox.TryPost(p) {
		s.opts.Metrics.PacketDropped("mailbox_rejected")
		s.log.WithField("packet", p.String()).Warn("Mailbox full or closed, dropping packet")
	}
}

// acquire runs one request/response cycle per measurement.
func (s *Session) acquire(ctx context.Context) error {
	for _, cmd := range acquisitionOrder {
		payload, err := s.request(ctx, cmd)
		if err != nil {
			return err
		}

		s.mu.Lock()
		err = s.reading.apply(cmd, payload)
		s.mu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// request sends cmd and waits for its complete reply. The watchdog covers
// each wait and is disarmed as soon as the wait returns; a timeout fault from
// an earlier countdown is ignored.
func (s *Session) request(ctx context.Context, cmd protocol.CommandID) ([]byte, error) {
	var asm protocol.Assembler
	// reassembly errors within this reply; the second one faults the session
	mismatches := 0

	if err := s.writer.Send(protocol.KindCommand, cmd, nil); err != nil {
		return nil, fmt.Errorf("send %s: %w", cmd, err)
	}

	for {
		gen := s.wd.Arm()
		p, err := s.mbox.Wait(ctx, s.opts.MailboxTimeout)
		s.wd.Disarm()

		if !s.shouldRun.Load() {
			return nil, errStopped
		}
		switch {
		case err == nil:
		case errors.Is(err, mailbox.ErrTimeout):
			return nil, fmt.Errorf("awaiting %s: %w", cmd, err)
		case errors.Is(err, mailbox.ErrClosed), ctx.Err() != nil:
			return nil, errStopped
		default:
			return nil, err
		}

		if p.IsFault() {
			switch p.FaultReason() {
			case protocol.FaultTimeout:
				if tag, ok := p.FaultTag(); ok && tag != uint32(gen) {
					s.log.WithField("awaiting", cmd.String()).Debug("Ignoring stale watchdog fault")
					continue
				}
				return nil, fmt.Errorf("%w: no reply to %s within %s", ErrWatchdog, cmd, s.opts.WatchdogTimeout)
			case protocol.FaultCorrupt:
				return nil, fmt.Errorf("%w: awaiting %s", ErrCorruptStream, cmd)
			default:
				return nil, fmt.Errorf("%w: awaiting %s", protocol.ErrPeerFault, cmd)
			}
		}
		if p.Kind == protocol.KindCommand {
			return nil, fmt.Errorf("%w: command packet %s while awaiting %s data", protocol.ErrDesync, p, cmd)
		}
		if p.CommandID != cmd {
			return nil, fmt.Errorf("%w: %s data while awaiting %s", protocol.ErrDesync, p.CommandID, cmd)
		}

		payload, complete, err := asm.Add(p)
		if err != nil {
			mismatches++
			s.opts.Metrics.PacketDropped("fragment_mismatch")
			if mismatches >= corruptLimit {
				return nil, fmt.Errorf("%w: %w", ErrCorruptStream, err)
			}
			s.log.WithField("error", err).Warn("Dropping mismatched fragment")
			continue
		}
		if complete {
			return payload, nil
		}
	}
}

func (s *Session) record(ctx context.Context) {
	rec := Record{
		Address:   s.address,
		SessionID: s.id,
		Reading:   s.Reading(),
		Timestamp: time.Now(),
	}
	s.log.WithFields(logrus.Fields{
		"temperature": rec.Reading.Temperature,
		"humidity":    rec.Reading.Humidity,
		"pressure":    rec.Reading.Pressure,
		"luminosity":  rec.Reading.Luminosity,
	}).Info("Acquisition complete")

	if s.opts.Sink == nil {
		return
	}
	if err := s.opts.Sink.Append(ctx, rec); err != nil {
		s.opts.Metrics.SinkError()
		s.log.WithField("error", err).Warn("Failed to record acquisition")
	}
}

// sleep waits one acquisition interval. It reports false when the session
// was stopped meanwhile.
func (s *Session) sleep(ctx context.Context) bool {
	t := time.NewTimer(s.opts.AcquisitionInterval)
	defer t.Stop()

	select {
	case <-t.C:
		return s.shouldRun.Load()
	case <-ctx.Done():
		return false
	}
}

func (s *Session) fault(err error) {
	s.shouldRun.Store(false)
	s.setState(StateFaulted)
	s.opts.Metrics.Fault(faultReason(err))
	s.log.WithField("error", err).Warn("Session faulted")
}

func faultReason(err error) string {
	switch {
	case errors.Is(err, ErrWatchdog):
		return "watchdog"
	case errors.Is(err, mailbox.ErrTimeout):
		return "mailbox_timeout"
	case errors.Is(err, protocol.ErrDesync):
		return "desync"
	case errors.Is(err, protocol.ErrPeerFault):
		return "peer_fault"
	case errors.Is(err, ErrCorruptStream), errors.Is(err, protocol.ErrFragmentMismatch):
		return "corrupt"
	case errors.Is(err, ErrShortPayload):
		return "short_payload"
	case errors.Is(err, ErrNoServices):
		return "no_services"
	default:
		return "transport"
	}
}

// terminate releases everything the session owns. It runs exactly once.
func (s *Session) terminate(cause error) {
	s.terminateOnce.Do(func() {
		s.shouldRun.Store(false)
		s.setState(StateTerminating)

		s.wd.Release()
		s.mbox.Close()

		s.mu.Lock()
		s.catalog = nil
		s.err = cause
		s.mu.Unlock()

		if s.conn != nil {
			if err := s.conn.Disconnect(); err != nil {
				s.log.WithField("error", err).Debug("Disconnect failed")
			}
		}

		s.setState(StateTerminated)
		s.opts.Metrics.SessionFinished()
		if cause != nil {
			s.log.WithField("error", cause).Info("Session terminated")
		} else {
			s.log.Info("Session stopped")
		}
		close(s.done)
	})
}

func (s *Session) setState(to State) {
	from := State(s.state.Swap(int32(to)))
	if from == to {
		return
	}
	s.opts.Metrics.Transition(to.String())
	s.log.WithFields(logrus.Fields{
		"from": from,
		"to":   to,
	}).Debug("Session state changed")
}
