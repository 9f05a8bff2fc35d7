// Package radiotest provides an in-memory radio.Transport whose peers answer
// gateway commands through the real protocol codec.
package radiotest

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/srg/beegate/internal/protocol"
	"github.com/srg/beegate/internal/radio"
)

// Default attribute layout of a sensor node.
const (
	TxHandle     uint16 = 0x0010
	RxHandle     uint16 = 0x0012
	NotifyHandle uint16 = 0x0013

	DefaultName = "beeinformed_edge"
)

// Reading is what a peer reports for each measurement command.
type Reading struct {
	Temperature int32
	Humidity    uint32
	Pressure    uint32
	Luminosity  uint32
}

// Peer is one simulated sensor node.
type Peer struct {
	Address string
	Name    string
	RSSI    int
	Reading Reading

	Services        []radio.Service
	Characteristics []radio.Characteristic

	// ConnectErr fails connection attempts of the given kind.
	ConnectErr map[radio.AddressKind]error
	// DiscoverErr fails service discovery.
	DiscoverErr error
	// WriteErr fails every write to the command handle.
	WriteErr error
	// ChunkSize splits replies into notifications of this size; 0 sends whole packets.
	ChunkSize int
	// Reply overrides the reply to a command packet with raw wire bytes.
	// Returning nil leaves the command unanswered.
	Reply func(cmd protocol.Packet) [][]byte
}

// NewPeer returns a well-behaved node with the default attribute layout.
func NewPeer(address string) *Peer {
	return &Peer{
		Address: address,
		Name:    DefaultName,
		RSSI:    -60,
		Services: []radio.Service{
			{UUID: "0000ffe0-0000-1000-8000-00805f9b34fb", Handle: 0x000e, EndHandle: 0x0013},
		},
		Characteristics: []radio.Characteristic{
			{UUID: "0000ffe1-0000-1000-8000-00805f9b34fb", ServiceUUID: "0000ffe0-0000-1000-8000-00805f9b34fb", Handle: 0x000f, ValueHandle: TxHandle, Properties: radio.PropWrite | radio.PropWriteNoResponse},
			{UUID: "0000ffe2-0000-1000-8000-00805f9b34fb", ServiceUUID: "0000ffe0-0000-1000-8000-00805f9b34fb", Handle: 0x0011, ValueHandle: RxHandle, Properties: radio.PropNotify},
		},
	}
}

// Encode marshals packets back to back.
func Encode(packets ...protocol.Packet) []byte {
	var out []byte
	for _, p := range packets {
		b, err := p.MarshalBinary()
		if err != nil {
			panic(fmt.Sprintf("radiotest: encode %s: %v", p, err))
		}
		out = append(out, b...)
	}
	return out
}

// DataReply builds the wire bytes of a data reply.
func DataReply(cmd protocol.CommandID, payload []byte) []byte {
	packets, err := protocol.Fragment(protocol.KindData, cmd, payload)
	if err != nil {
		panic(fmt.Sprintf("radiotest: fragment reply: %v", err))
	}
	return Encode(packets...)
}

// Uint32LE encodes a 32-bit measurement payload.
func Uint32LE(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func (p *Peer) reply(cmd protocol.Packet) [][]byte {
	if p.Reply != nil {
		return p.Reply(cmd)
	}
	var v uint32
	switch cmd.CommandID {
	case protocol.CmdGetTemperature:
		v = uint32(p.Reading.Temperature)
	case protocol.CmdGetHumidity:
		v = p.Reading.Humidity
	case protocol.CmdGetPressure:
		v = p.Reading.Pressure
	case protocol.CmdGetLuminosity:
		v = p.Reading.Luminosity
	default:
		return [][]byte{Encode(protocol.FaultPacket(protocol.FaultPeer))}
	}
	return [][]byte{DataReply(cmd.CommandID, Uint32LE(v))}
}

// ----------------------------
// Transport
// ----------------------------

// Attempt records one Connect call.
type Attempt struct {
	Address string
	Kind    radio.AddressKind
}

// Transport is an in-memory radio.Transport.
type Transport struct {
	mu       sync.Mutex
	peers    map[string]*Peer
	order    []string
	conns    []*Conn
	attempts []Attempt
	scans    int
	closed   bool

	// OpenErr fails OpenAdapter.
	OpenErr error
}

var _ radio.Transport = (*Transport)(nil)

// NewTransport creates a transport advertising peers.
func NewTransport(peers ...*Peer) *Transport {
	t := &Transport{peers: make(map[string]*Peer)}
	for _, p := range peers {
		t.AddPeer(p)
	}
	return t
}

// AddPeer makes p visible to subsequent scans and connects.
func (t *Transport) AddPeer(p *Peer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := radio.NormalizeAddress(p.Address)
	if _, ok := t.peers[key]; !ok {
		t.order = append(t.order, key)
	}
	t.peers[key] = p
}

// RemovePeer hides a peer from scans.
func (t *Transport) RemovePeer(address string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := radio.NormalizeAddress(address)
	delete(t.peers, key)
	for i, a := range t.order {
		if a == key {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

// Attempts returns every Connect call so far.
func (t *Transport) Attempts() []Attempt {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Attempt(nil), t.attempts...)
}

// Conns returns every connection handed out.
func (t *Transport) Conns() []*Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Conn(nil), t.conns...)
}

// Scans returns the number of scan windows run.
func (t *Transport) Scans() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.scans
}

// Closed reports whether Close was called.
func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) OpenAdapter(ctx context.Context, adapterID string) (radio.Adapter, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, radio.ErrAdapterClosed
	}
	if t.OpenErr != nil {
		return nil, t.OpenErr
	}
	return &adapter{t: t}, nil
}

func (t *Transport) Connect(ctx context.Context, address string, kind radio.AddressKind, sec radio.SecurityLevel) (radio.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.attempts = append(t.attempts, Attempt{Address: address, Kind: kind})
	if t.closed {
		return nil, radio.ErrAdapterClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, ok := t.peers[radio.NormalizeAddress(address)]
	if !ok {
		return nil, fmt.Errorf("dial %s: %w", address, radio.ErrTimeout)
	}
	if err := p.ConnectErr[kind]; err != nil {
		return nil, err
	}
	c := newConn(p)
	t.conns = append(t.conns, c)
	return c, nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	conns := append([]*Conn(nil), t.conns...)
	t.closed = true
	t.mu.Unlock()

	for _, c := range conns {
		_ = c.Disconnect()
	}
	return nil
}

type adapter struct {
	t *Transport

	mu     sync.Mutex
	closed bool
}

// Scan reports every known peer once, then holds the window open until
// duration elapses or ctx is done.
func (a *adapter) Scan(ctx context.Context, duration time.Duration, onDiscovered func(radio.Advertisement)) error {
	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return radio.ErrAdapterClosed
	}

	a.t.mu.Lock()
	a.t.scans++
	ads := make([]radio.Advertisement, 0, len(a.t.order))
	for _, key := range a.t.order {
		p := a.t.peers[key]
		ads = append(ads, radio.Advertisement{Address: p.Address, LocalName: p.Name, RSSI: p.RSSI, Connectable: true})
	}
	a.t.mu.Unlock()

	for _, ad := range ads {
		onDiscovered(ad)
	}

	select {
	case <-time.After(duration):
	case <-ctx.Done():
	}
	return nil
}

func (a *adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}

// ----------------------------
// Conn
// ----------------------------

// Conn is an in-memory link to a Peer.
type Conn struct {
	peer   *Peer
	framer *protocol.Framer

	mu           sync.Mutex
	connected    bool
	writes       [][]byte
	commands     []protocol.Packet
	notifyEnable []byte
	onBytes      func([]byte)
	outbox       chan []byte
	done         chan struct{}
}

var _ radio.Conn = (*Conn)(nil)

func newConn(p *Peer) *Conn {
	return &Conn{
		peer:      p,
		framer:    protocol.NewFramer(),
		connected: true,
		outbox:    make(chan []byte, 256),
		done:      make(chan struct{}),
	}
}

func (c *Conn) Address() string {
	return c.peer.Address
}

func (c *Conn) DiscoverServices() ([]radio.Service, error) {
	if !c.Connected() {
		return nil, radio.ErrNotConnected
	}
	if c.peer.DiscoverErr != nil {
		return nil, c.peer.DiscoverErr
	}
	return append([]radio.Service(nil), c.peer.Services...), nil
}

func (c *Conn) DiscoverCharacteristics() ([]radio.Characteristic, error) {
	if !c.Connected() {
		return nil, radio.ErrNotConnected
	}
	return append([]radio.Characteristic(nil), c.peer.Characteristics...), nil
}

// WriteByHandle records the write. Bytes written to the command handle are
// framed; every completed command is answered on the notification path.
func (c *Conn) WriteByHandle(handle uint16, value []byte) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return radio.ErrNotConnected
	}
	c.writes = append(c.writes, append([]byte(nil), value...))
	if handle == NotifyHandle {
		c.notifyEnable = append([]byte(nil), value...)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if handle != TxHandle {
		return &radio.NotFoundError{Resource: "handle", ID: fmt.Sprintf("0x%04x", handle)}
	}
	if c.peer.WriteErr != nil {
		return c.peer.WriteErr
	}

	packets, _ := c.framer.Feed(value)
	for _, p := range packets {
		c.mu.Lock()
		c.commands = append(c.commands, p)
		c.mu.Unlock()
		for _, raw := range c.peer.reply(p) {
			c.Notify(raw)
		}
	}
	return nil
}

// Notify queues raw bytes on the notification path, split by the peer's chunk size.
func (c *Conn) Notify(raw []byte) {
	size := c.peer.ChunkSize
	if size <= 0 {
		size = len(raw)
	}
	for off := 0; off < len(raw); off += size {
		end := off + size
		if end > len(raw) {
			end = len(raw)
		}
		select {
		case c.outbox <- raw[off:end]:
		case <-c.done:
			return
		}
	}
}

func (c *Conn) RegisterNotificationCallback(handle uint16, onBytes func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return radio.ErrNotConnected
	}
	if handle != RxHandle {
		return &radio.NotFoundError{Resource: "handle", ID: fmt.Sprintf("0x%04x", handle)}
	}
	if c.onBytes != nil {
		return errors.New("notification callback already registered")
	}
	c.onBytes = onBytes
	go c.deliver(onBytes)
	return nil
}

func (c *Conn) deliver(onBytes func([]byte)) {
	for {
		select {
		case b := <-c.outbox:
			onBytes(b)
		case <-c.done:
			return
		}
	}
}

func (c *Conn) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil
	}
	c.connected = false
	close(c.done)
	return nil
}

// Connected reports whether the link is still up.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Commands returns every command packet the peer received.
func (c *Conn) Commands() []protocol.Packet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Packet(nil), c.commands...)
}

// NotifyEnable returns the value written to the notification enable handle.
func (c *Conn) NotifyEnable() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.notifyEnable
}

// Writes returns every raw write in order.
func (c *Conn) Writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.writes...)
}
