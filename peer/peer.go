// Package peer implements one peer-wire-protocol connection: handshake,
// incremental framing, the choke/interest matrix, in-flight request
// accounting, and throughput rate sampling (spec §4.6).
package peer

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/arjunsahu/gorent/bitfield"
	"github.com/arjunsahu/gorent/message"
)

// DefaultMaxInflight bounds the number of outstanding block requests a Conn
// will carry at once (spec §3), used whenever a Dialer or Conn isn't given
// an explicit override — see config.Config.MaxInflight.
const DefaultMaxInflight = 40

// HandshakeTimeout bounds both the dial and the handshake read (spec §4.6,
// "1 s (configurable)"); callers needing a different value set it on the
// Dialer.
const HandshakeTimeout = 1 * time.Second

// rateWindow is how long rate samples are retained (spec §3, "≤ 10 s").
const rateWindow = 10 * time.Second

// Peer is a remote endpoint as advertised by a tracker: an IP and port,
// nothing more — it carries no connection state.
type Peer struct {
	IP   net.IP
	Port uint16
}

func (p Peer) String() string {
	return net.JoinHostPort(p.IP.String(), strconv.Itoa(int(p.Port)))
}

// Key returns a stable, comparable identity for use as a pieces.PeerKey —
// the piece manager never holds a live reference to a Conn, only this
// string (spec §9 "weak/lookup keys" design note).
func (p Peer) Key() string { return p.String() }

// Unmarshal decodes a BEP 3 compact peer list: 6 bytes per peer, 4-byte
// IPv4 followed by a 2-byte big-endian port.
func Unmarshal(peersBin []byte) ([]Peer, error) {
	const peerSize = 6
	if len(peersBin)%peerSize != 0 {
		return nil, fmt.Errorf("peer: bad-message: compact peer list length %d not a multiple of %d", len(peersBin), peerSize)
	}
	numPeers := len(peersBin) / peerSize
	peers := make([]Peer, numPeers)
	for i := 0; i < numPeers; i++ {
		offset := i * peerSize
		ip := make(net.IP, 4)
		copy(ip, peersBin[offset:offset+4])
		peers[i].IP = ip
		peers[i].Port = binary.BigEndian.Uint16(peersBin[offset+4 : offset+6])
	}
	return peers, nil
}

const pstr = "BitTorrent protocol"

// handshake is the 68-byte BEP 3 handshake message.
type handshake struct {
	InfoHash [20]byte
	PeerID   [20]byte
}

func (h *handshake) serialize() []byte {
	buf := make([]byte, 49+len(pstr))
	cursor := 0
	buf[cursor] = byte(len(pstr))
	cursor++
	cursor += copy(buf[cursor:], pstr)
	cursor += copy(buf[cursor:], make([]byte, 8)) // reserved, zero
	cursor += copy(buf[cursor:], h.InfoHash[:])
	copy(buf[cursor:], h.PeerID[:])
	return buf
}

func readHandshake(r io.Reader) (*handshake, error) {
	buf := make([]byte, 68)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("peer: handshake-failed: short read: %w", err)
	}
	if buf[0] != byte(len(pstr)) {
		return nil, fmt.Errorf("peer: handshake-failed: pstrlen %d, want %d", buf[0], len(pstr))
	}
	if string(buf[1:1+len(pstr)]) != pstr {
		return nil, fmt.Errorf("peer: handshake-failed: unexpected protocol string %q", buf[1:1+len(pstr)])
	}
	h := &handshake{}
	copy(h.InfoHash[:], buf[28:48])
	copy(h.PeerID[:], buf[48:68])
	return h, nil
}

// rateSample is one (timestamp, bytes) observation in a throughput window.
type rateSample struct {
	at   time.Time
	down int
	up   int
}

// Conn is one live peer-wire-protocol connection and the mutable state the
// engine and piece manager drive it with: the choke/interest matrix, the
// peer's advertised bitmap, the in-flight request counter, and rate
// samples (spec §3).
type Conn struct {
	Peer     Peer
	LocalID  [20]byte
	RemoteID [20]byte
	InfoHash [20]byte

	conn net.Conn
	clk  clock.Clock
	log  *zap.SugaredLogger

	active atomic.Bool

	// The four-state choke/interest matrix; both sides start choked and
	// uninterested (spec §3).
	amChoking      atomic.Bool
	amInterested   atomic.Bool
	peerChoking    atomic.Bool
	peerInterested atomic.Bool

	bitfieldMu sync.Mutex
	bitfield   *bitfield.Bitfield

	inflight    atomic.Int32
	maxInflight int32

	parser message.Parser

	rateMu  sync.Mutex
	samples []rateSample

	totalDown atomic.Int64
	totalUp   atomic.Int64
}

// Dialer opens outbound peer connections, applying the configured
// handshake timeout and per-connection in-flight cap.
type Dialer struct {
	Timeout     time.Duration
	MaxInflight int
	Clock       clock.Clock
	Logger      *zap.SugaredLogger
}

func (d *Dialer) timeout() time.Duration {
	if d.Timeout <= 0 {
		return HandshakeTimeout
	}
	return d.Timeout
}

func (d *Dialer) maxInflight() int32 {
	if d.MaxInflight <= 0 {
		return DefaultMaxInflight
	}
	return int32(d.MaxInflight)
}

func (d *Dialer) clock() clock.Clock {
	if d.Clock == nil {
		return clock.New()
	}
	return d.Clock
}

// Dial opens a TCP connection to p, performs the BEP 3 handshake, and
// returns a Conn initialized to the choked/uninterested start state.
func (d *Dialer) Dial(p Peer, localID, infoHash [20]byte) (*Conn, error) {
	timeout := d.timeout()
	raw, err := net.DialTimeout("tcp", p.String(), timeout)
	if err != nil {
		return nil, fmt.Errorf("peer: handshake-failed: dial %s: %w", p, err)
	}

	raw.SetDeadline(time.Now().Add(timeout))
	defer raw.SetDeadline(time.Time{})

	req := &handshake{InfoHash: infoHash, PeerID: localID}
	if _, err := raw.Write(req.serialize()); err != nil {
		raw.Close()
		return nil, fmt.Errorf("peer: handshake-failed: write: %w", err)
	}

	resp, err := readHandshake(raw)
	if err != nil {
		raw.Close()
		return nil, err
	}
	if !bytes.Equal(resp.InfoHash[:], infoHash[:]) {
		raw.Close()
		return nil, fmt.Errorf("peer: handshake-failed: info-hash mismatch, got %x want %x", resp.InfoHash, infoHash)
	}

	c := newConn(raw, p, localID, resp.PeerID, infoHash, d.clock(), d.Logger, d.maxInflight())
	return c, nil
}

func newConn(raw net.Conn, p Peer, localID, remoteID, infoHash [20]byte, clk clock.Clock, log *zap.SugaredLogger, maxInflight int32) *Conn {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if maxInflight <= 0 {
		maxInflight = DefaultMaxInflight
	}
	c := &Conn{
		Peer:        p,
		LocalID:     localID,
		RemoteID:    remoteID,
		InfoHash:    infoHash,
		conn:        raw,
		clk:         clk,
		log:         log.With("peer", p.String()),
		maxInflight: maxInflight,
	}
	c.active.Store(true)
	c.amChoking.Store(true)
	c.peerChoking.Store(true)
	return c
}

// Accept wraps an already-handshaken inbound connection (the accept side
// of the handshake is out of scope per spec.md §1; this exists so tests
// and a future listener can build a Conn from a net.Pipe or similar
// without a real Dial). maxInflight <= 0 falls back to DefaultMaxInflight.
func Accept(raw net.Conn, p Peer, localID, remoteID, infoHash [20]byte, clk clock.Clock, log *zap.SugaredLogger, maxInflight int) *Conn {
	if clk == nil {
		clk = clock.New()
	}
	return newConn(raw, p, localID, remoteID, infoHash, clk, log, int32(maxInflight))
}

// Active reports whether the connection is still usable.
func (c *Conn) Active() bool { return c.active.Load() }

// AmChoking / AmInterested / PeerChoking / PeerInterested read the four
// choke/interest booleans.
func (c *Conn) AmChoking() bool      { return c.amChoking.Load() }
func (c *Conn) AmInterested() bool   { return c.amInterested.Load() }
func (c *Conn) PeerChoking() bool    { return c.peerChoking.Load() }
func (c *Conn) PeerInterested() bool { return c.peerInterested.Load() }

func (c *Conn) SetAmChoking(v bool)      { c.amChoking.Store(v) }
func (c *Conn) SetAmInterested(v bool)   { c.amInterested.Store(v) }
func (c *Conn) SetPeerInterested(v bool) { c.peerInterested.Store(v) }

// Inflight returns the current number of outstanding requests sent to this
// peer.
func (c *Conn) Inflight() int { return int(c.inflight.Load()) }

// Bitfield returns the peer's advertised bitmap, allocating an empty one
// lazily if none has been set yet.
func (c *Conn) Bitfield() *bitfield.Bitfield {
	c.bitfieldMu.Lock()
	defer c.bitfieldMu.Unlock()
	if c.bitfield == nil {
		c.bitfield = bitfield.New(0)
	}
	return c.bitfield
}

// EnsureBitmap lazily allocates (or grows) the peer's bitmap to at least
// numPieces bits, zero-padding any existing shorter bitmap (spec §4.6).
func (c *Conn) EnsureBitmap(numPieces int) {
	c.bitfieldMu.Lock()
	defer c.bitfieldMu.Unlock()
	if c.bitfield == nil {
		c.bitfield = bitfield.New(numPieces)
		return
	}
	c.bitfield.EnsureSize(numPieces)
}

// SetBitfieldFromPayload replaces the peer's bitmap from a wire BITFIELD
// payload, sized to at least numPieces (spec §4.6). A payload longer than
// numPieces is kept whole; see bitfield.FromBytes.
func (c *Conn) SetBitfieldFromPayload(payload []byte, numPieces int) {
	c.bitfieldMu.Lock()
	defer c.bitfieldMu.Unlock()
	c.bitfield = bitfield.FromBytes(payload, numPieces)
}

// SetHave records a HAVE for index, growing the bitmap first if needed
// (spec §4.6: "a have for an out-of-range index must be handled safely by
// extending").
func (c *Conn) SetHave(index int) {
	c.bitfieldMu.Lock()
	defer c.bitfieldMu.Unlock()
	if c.bitfield == nil {
		c.bitfield = bitfield.New(index + 1)
	}
	c.bitfield.SetPiece(index)
}

// Read blocks until one framed message has been read off the wire and
// decoded — the teacher's one-shot io.ReadFull framing, reused per-peer by
// the engine's per-connection reader goroutine.
func (c *Conn) Read() (*message.Message, error) {
	length := make([]byte, 4)
	if _, err := io.ReadFull(c.conn, length); err != nil {
		return nil, fmt.Errorf("peer: peer-io: %w", err)
	}
	n := binary.BigEndian.Uint32(length)
	if n == 0 {
		return &message.Message{Kind: message.KeepAlive}, nil
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(c.conn, payload); err != nil {
		return nil, fmt.Errorf("peer: peer-io: %w", err)
	}
	frame := append(length, payload...)
	msgs, err := c.parser.Feed(frame)
	if err != nil {
		return nil, fmt.Errorf("peer: bad-message: %w", err)
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("peer: bad-message: parser produced no message for a complete frame")
	}
	c.onReceive(msgs[0], len(frame))
	return msgs[0], nil
}

// Feed hands raw bytes just read off a non-blocking socket to the
// incremental parser and returns every message they complete, applying
// in-flight/choke accounting as each is decoded (spec §4.6).
func (c *Conn) Feed(data []byte) ([]*message.Message, error) {
	msgs, err := c.parser.Feed(data)
	if err != nil {
		return nil, fmt.Errorf("peer: bad-message: %w", err)
	}
	for _, m := range msgs {
		c.onReceive(m, len(data))
	}
	return msgs, nil
}

func (c *Conn) onReceive(m *message.Message, n int) {
	switch m.Kind {
	case message.Piece:
		c.decInflight()
		c.recordDown(len(m.Piece.Data))
		c.totalDown.Add(int64(len(m.Piece.Data)))
	case message.Choke:
		c.peerChoking.Store(true)
		c.inflight.Store(0)
	case message.Unchoke:
		c.peerChoking.Store(false)
	}
}

func (c *Conn) decInflight() {
	for {
		cur := c.inflight.Load()
		if cur <= 0 {
			return
		}
		if c.inflight.CAS(cur, cur-1) {
			return
		}
	}
}

// send writes a serialized message, marking the connection inactive on
// any socket error (spec's peer-io policy).
func (c *Conn) send(m *message.Message) error {
	if _, err := c.conn.Write(m.Serialize()); err != nil {
		c.active.Store(false)
		return fmt.Errorf("peer: peer-io: write: %w", err)
	}
	return nil
}

func (c *Conn) SendChoke() error {
	c.amChoking.Store(true)
	return c.send(message.NewChoke())
}

func (c *Conn) SendUnchoke() error {
	c.amChoking.Store(false)
	return c.send(message.NewUnchoke())
}

func (c *Conn) SendInterested() error {
	c.amInterested.Store(true)
	return c.send(message.NewInterested())
}

func (c *Conn) SendNotInterested() error {
	c.amInterested.Store(false)
	return c.send(message.NewNotInterested())
}

func (c *Conn) SendHave(index int) error {
	return c.send(message.NewHave(index))
}

func (c *Conn) SendBitfield(bits []byte) error {
	return c.send(message.NewBitfield(bits))
}

// SendRequest is rate-limited against the connection's in-flight cap (spec
// §4.6): it refuses and leaves Inflight unchanged if the cap would be
// exceeded or the connection is inactive, reporting false in both cases.
func (c *Conn) SendRequest(index, begin, length int) bool {
	if !c.Active() {
		return false
	}
	for {
		cur := c.inflight.Load()
		if cur >= c.maxInflight {
			return false
		}
		if c.inflight.CAS(cur, cur+1) {
			break
		}
	}
	if err := c.send(message.NewRequest(index, begin, length)); err != nil {
		c.decInflight()
		return false
	}
	return true
}

func (c *Conn) SendCancel(index, begin, length int) error {
	return c.send(message.NewCancel(index, begin, length))
}

// SendPiece writes a PIECE message and records the uploaded bytes into the
// rate window (spec §4.6).
func (c *Conn) SendPiece(index, begin int, data []byte) error {
	if err := c.send(message.NewPiece(index, begin, data)); err != nil {
		return err
	}
	c.recordUp(len(data))
	c.totalUp.Add(int64(len(data)))
	return nil
}

func (c *Conn) recordDown(n int) { c.record(n, 0) }
func (c *Conn) recordUp(n int)   { c.record(0, n) }

func (c *Conn) record(down, up int) {
	now := c.clk.Now()
	c.rateMu.Lock()
	defer c.rateMu.Unlock()
	c.samples = append(c.samples, rateSample{at: now, down: down, up: up})
	cutoff := now.Add(-rateWindow)
	i := 0
	for i < len(c.samples) && c.samples[i].at.Before(cutoff) {
		i++
	}
	c.samples = c.samples[i:]
}

// DownSpeedBPS returns the observed download rate in bytes/sec over the
// retained sample window. Per spec §3/§9 this deliberately returns 0 with
// fewer than two samples or a span under 2 s, to avoid jitter on startup.
func (c *Conn) DownSpeedBPS() float64 {
	return c.speedBPS(func(s rateSample) int { return s.down }, true)
}

// UpSpeedBPS returns the observed upload rate in bytes/sec. Per spec §9
// this asymmetrically allows a single sample to produce a non-zero rate,
// preserving the source's behavior rather than reconciling it.
func (c *Conn) UpSpeedBPS() float64 {
	return c.speedBPS(func(s rateSample) int { return s.up }, false)
}

func (c *Conn) speedBPS(extract func(rateSample) int, requireTwoSamples bool) float64 {
	c.rateMu.Lock()
	defer c.rateMu.Unlock()

	if len(c.samples) == 0 {
		return 0
	}
	if requireTwoSamples && len(c.samples) < 2 {
		return 0
	}

	var total int
	for _, s := range c.samples {
		total += extract(s)
	}

	span := c.clk.Now().Sub(c.samples[0].at).Seconds()
	if requireTwoSamples && span < 2 {
		return 0
	}
	if span <= 0 {
		// Only reachable for upload: a lone sample taken this instant has
		// no elapsed span, so it is counted over one second.
		span = 1
	}
	return float64(total) / span
}

// TotalDownloaded / TotalUploaded report lifetime byte counters for the
// control surface (spec §6).
func (c *Conn) TotalDownloaded() int64 { return c.totalDown.Load() }
func (c *Conn) TotalUploaded() int64   { return c.totalUp.Load() }

// RawConn exposes the underlying net.Conn for selector registration.
func (c *Conn) RawConn() net.Conn { return c.conn }

// Close closes the socket best-effort and marks the connection inactive.
// Idempotent.
func (c *Conn) Close() error {
	wasActive := c.active.CAS(true, false)
	err := c.conn.Close()
	if !wasActive {
		return nil
	}
	return err
}
