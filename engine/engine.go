// Package engine implements the torrent engine: the per-torrent session
// event loop that binds peer connections, the piece/block scheduler, the
// memory-mapped piece store, and the tracker manager together (spec
// §4.10).
package engine

import (
	"context"
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/arjunsahu/gorent/bitfield"
	"github.com/arjunsahu/gorent/block"
	"github.com/arjunsahu/gorent/message"
	"github.com/arjunsahu/gorent/metainfo"
	"github.com/arjunsahu/gorent/peer"
	"github.com/arjunsahu/gorent/peermgr"
	"github.com/arjunsahu/gorent/pieces"
	"github.com/arjunsahu/gorent/store"
	"github.com/arjunsahu/gorent/tracker"
)

// TickInterval is how often the main loop recovers timed-out requests and
// checks for a first-registered-peer wakeup (spec §4.10/§5: "1 s timeout").
const TickInterval = 1 * time.Second

// Config bundles the tunables the engine needs beyond the torrent's own
// metainfo (spec's ambient config, see config package).
type Config struct {
	DownloadDir        string
	ListenPort         uint16
	HandshakeTimeout   time.Duration
	HTTPTrackerTimeout time.Duration
	UDPTrackerTimeout  time.Duration

	// MaxFailures, MaxInflight, and CheckInterval mirror config.Config's
	// fields of the same purpose, threaded down to the peermgr/peer
	// packages. Zero falls back to each package's own default.
	MaxFailures   int
	MaxInflight   int
	CheckInterval time.Duration

	Clock  clock.Clock
	Logger *zap.SugaredLogger
}

// Engine owns one torrent's full session: metainfo, storage, scheduler,
// trackers, peers, and the event loop driving them all (spec §4.10).
type Engine struct {
	Meta *metainfo.Metainfo

	store    *store.Store
	pieces   *pieces.Manager
	trackers *tracker.Manager
	peers    *peermgr.Manager

	localID [20]byte
	cfg     Config
	clk     clock.Clock
	log     *zap.SugaredLogger

	addedOn     time.Time
	completedOn time.Time
	startTime   time.Time

	pauseMu sync.Mutex
	pauseCh chan struct{}
	paused  atomic.Bool

	eventCh   chan event
	stopOnce  sync.Once
	stopCh    chan struct{}
	loopDone  chan struct{}
	readersWG sync.WaitGroup

	connsMu sync.Mutex
	conns   map[string]*peer.Conn

	uploadedBytes atomic.Int64
	fatalErr      atomic.Error
}

// event is what the per-peer reader goroutines feed into the engine's
// single dispatch loop: one decoded message or the read error that ended
// that peer's reader.
type event struct {
	conn *peer.Conn
	msg  *message.Message
	err  error
}

// GeneratePeerID produces an azureus-style peer id, "-PC0001-" followed by
// 12 random hex characters (spec §4.10).
func GeneratePeerID() [20]byte {
	var id [20]byte
	copy(id[:], "-PC0001-")
	raw := make([]byte, 6)
	rand.Read(raw)
	copy(id[8:], []byte(hex.EncodeToString(raw))[:12])
	return id
}

// New constructs an Engine for m. It does not touch the filesystem or the
// network; call Start to do that.
func New(m *metainfo.Metainfo, cfg Config) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	log := cfg.Logger.With("infohash", hex.EncodeToString(m.InfoHash[:]), "name", m.Name)

	e := &Engine{
		Meta:    m,
		localID: GeneratePeerID(),
		cfg:     cfg,
		clk:     cfg.Clock,
		log:     log,
		pauseCh: make(chan struct{}),
		eventCh: make(chan event, 256),
		stopCh:  make(chan struct{}),
		conns:   make(map[string]*peer.Conn),
	}
	return e
}

// Start builds the piece store and scheduler, then either marks every
// piece complete (resuming a known-finished torrent) or runs the verify
// pass (spec §4.10).
func (e *Engine) Start(alreadyFinished bool) error {
	e.startTime = e.clk.Now()
	if e.addedOn.IsZero() {
		e.addedOn = e.startTime
	}

	s, err := store.New(e.cfg.DownloadDir, e.Meta)
	if err != nil {
		return fmt.Errorf("engine: io-error: %w", err)
	}
	e.store = s

	ps := make([]*block.Piece, e.Meta.NumPieces())
	for i := range ps {
		base := int64(i) * e.Meta.PieceLength
		ps[i] = block.NewPiece(i, e.Meta.Pieces[i], int(e.Meta.PieceLengthAt(i)), base, block.MaxBlockLength)
	}
	e.pieces = pieces.New(ps)

	e.trackers = tracker.NewManager(e.Meta, e.cfg.HTTPTrackerTimeout, e.cfg.UDPTrackerTimeout, e.log)

	dialer := &peer.Dialer{Timeout: e.cfg.HandshakeTimeout, MaxInflight: e.cfg.MaxInflight, Clock: e.clk, Logger: e.log}
	e.peers = peermgr.New(e.localID, e.Meta.InfoHash, dialer, e.pieces, e.clk, e.log, peermgr.Options{
		MaxFailures:   e.cfg.MaxFailures,
		CheckInterval: e.cfg.CheckInterval,
	})

	if alreadyFinished {
		for _, p := range ps {
			p.MarkComplete()
		}
		e.completedOn = e.startTime
		return e.store.SwitchToSeeding()
	}

	return e.verify()
}

// verify reads every piece off disk, SHA-1-checks it, and marks matches
// complete, crediting their length to downloaded_bytes (spec §4.10).
func (e *Engine) verify() error {
	for i, p := range e.pieces.Pieces() {
		length := e.Meta.PieceLengthAt(i)
		data, err := e.store.Read(int64(i)*e.Meta.PieceLength, int(length))
		if err != nil {
			return fmt.Errorf("engine: io-error: verifying piece %d: %w", i, err)
		}
		sum := sha1.Sum(data)
		if sum == e.Meta.Pieces[i] {
			p.MarkComplete()
			e.pieces.AddDownloadedBytes(length)
		}
	}
	if e.pieces.AllComplete() {
		e.completedOn = e.clk.Now()
		return e.store.SwitchToSeeding()
	}
	return nil
}

// ownBitfieldBytes derives our outgoing BITFIELD payload from current
// piece completion (spec §4.10 bootstrap step).
func (e *Engine) ownBitfieldBytes() []byte {
	bf := bitfield.New(e.Meta.NumPieces())
	for i, p := range e.pieces.Pieces() {
		if p.IsComplete() {
			bf.SetPiece(i)
		}
	}
	return bf.Bytes(e.Meta.NumPieces())
}

// Bootstrap announces "started" to the tracker manager, connects to every
// returned peer, registers each for reading, and sends our INTERESTED +
// BITFIELD, then starts the peer manager's retry worker (spec §4.10).
func (e *Engine) Bootstrap(ctx context.Context) {
	params := e.announceParams(tracker.EventStarted)
	discovered, _ := e.trackers.GetAllPeers(ctx, params)

	conns := e.peers.ConnectAll(ctx, discovered)
	for _, c := range conns {
		e.registerConn(c)
	}
	e.peers.StartRetryLoop(ctx)
}

func (e *Engine) announceParams(ev tracker.Event) tracker.AnnounceParams {
	left := e.Meta.TotalLength - e.pieces.DownloadedBytes()
	if left < 0 {
		left = 0
	}
	return tracker.AnnounceParams{
		InfoHash:   e.Meta.InfoHash,
		PeerID:     e.localID,
		Port:       e.cfg.ListenPort,
		Uploaded:   e.uploadedBytes.Load(),
		Downloaded: e.pieces.DownloadedBytes(),
		Left:       left,
		Event:      ev,
	}
}

func (e *Engine) registerConn(c *peer.Conn) {
	e.connsMu.Lock()
	e.conns[c.Peer.Key()] = c
	e.connsMu.Unlock()

	c.SendInterested()
	c.SendBitfield(e.ownBitfieldBytes())

	e.readersWG.Add(1)
	go e.readLoop(c)
}

// readLoop is the per-peer reader: it blocks on Conn.Read until one framed
// message arrives (or the socket errors), then forwards it to the single
// dispatch loop. This is the channel-based analogue of registering a
// socket with a readiness selector (spec §9 design note: "one task per
// peer with the piece manager guarded by a mutex" is an accepted
// alternative to a single-reactor/selector loop).
func (e *Engine) readLoop(c *peer.Conn) {
	defer e.readersWG.Done()
	for {
		msg, err := c.Read()
		select {
		case e.eventCh <- event{conn: c, msg: msg, err: err}:
		case <-e.stopCh:
			return
		}
		if err != nil {
			return
		}
	}
}

func (e *Engine) unregisterConn(c *peer.Conn) {
	e.connsMu.Lock()
	delete(e.conns, c.Peer.Key())
	e.connsMu.Unlock()
	e.peers.RemovePeer(c)
}

// activeConnCount reports how many peers are currently registered —
// analogous to "the selector has no registered sockets" (spec §4.10 step
// 3).
func (e *Engine) activeConnCount() int {
	e.connsMu.Lock()
	defer e.connsMu.Unlock()
	return len(e.conns)
}

// Pause suspends scheduling and message dispatch at the top of the next
// loop iteration without tearing down connections (spec §4.10).
func (e *Engine) Pause() {
	e.pauseMu.Lock()
	defer e.pauseMu.Unlock()
	e.paused.Store(true)
}

// Resume clears the pause flag and wakes the loop.
func (e *Engine) Resume() {
	e.pauseMu.Lock()
	defer e.pauseMu.Unlock()
	if e.paused.CAS(true, false) {
		close(e.pauseCh)
		e.pauseCh = make(chan struct{})
	}
}

// Paused reports whether the engine is currently paused.
func (e *Engine) Paused() bool { return e.paused.Load() }

func (e *Engine) waitWhilePaused() {
	for e.paused.Load() {
		e.pauseMu.Lock()
		ch := e.pauseCh
		e.pauseMu.Unlock()
		select {
		case <-ch:
		case <-e.stopCh:
			return
		}
	}
}

// Run drives the main event loop until Shutdown is called (spec §4.10).
// It is meant to be invoked on its own goroutine.
func (e *Engine) Run(ctx context.Context) {
	ticker := e.clk.Ticker(TickInterval)
	defer ticker.Stop()

	for {
		e.waitWhilePaused()

		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		e.pieces.Tick()

		if e.activeConnCount() == 0 {
			select {
			case <-e.clk.After(TickInterval):
				continue
			case ev := <-e.eventCh:
				e.handleEvent(ev)
				continue
			case <-e.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}

		select {
		case ev := <-e.eventCh:
			e.handleEvent(ev)
		case <-ticker.C:
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) handleEvent(ev event) {
	if ev.err != nil {
		e.log.Debugw("peer io error", "peer", ev.conn.Peer.String(), "error", ev.err)
		e.unregisterConn(ev.conn)
		return
	}
	e.dispatch(ev.conn, ev.msg)
	e.maybeRequest(ev.conn)
}

func (e *Engine) dispatch(c *peer.Conn, m *message.Message) {
	switch m.Kind {
	case message.KeepAlive:
		return
	case message.Choke:
		e.pieces.OnChoke(pieces.PeerKey(c.Peer.Key()))
	case message.Unchoke:
		// Conn.onReceive already flipped PeerChoking off.
	case message.Interested:
		c.SetPeerInterested(true)
		if c.AmChoking() {
			c.SendUnchoke()
		}
	case message.NotInterested:
		c.SetPeerInterested(false)
		if !c.AmChoking() {
			c.SendChoke()
		}
	case message.Have:
		e.handleHave(c, m.HaveIndex)
	case message.Bitfield:
		e.handleBitfield(c, m.Bits)
	case message.Request:
		e.handleRequest(c, m.Request)
	case message.Piece:
		e.handlePiece(c, m.Piece)
	case message.Cancel:
		// No queued-but-unsent outbound pieces to cancel in this design;
		// acknowledged and ignored, matching the source's behavior.
	}
}

func (e *Engine) handleHave(c *peer.Conn, index int) {
	c.SetHave(index)
	e.pieces.AddHave(index)
}

func (e *Engine) handleBitfield(c *peer.Conn, bits []byte) {
	c.SetBitfieldFromPayload(bits, e.Meta.NumPieces())
	e.pieces.AddBitmap(c.Bitfield())
}

func (e *Engine) handleRequest(c *peer.Conn, req message.RequestPayload) {
	if c.AmChoking() {
		return
	}
	if req.Index < 0 || req.Index >= e.Meta.NumPieces() {
		return
	}
	p := e.pieces.Pieces()[req.Index]
	if !p.IsComplete() {
		return
	}
	globalOffset := p.BaseOffset + int64(req.Begin)
	data, err := e.store.Read(globalOffset, req.Length)
	if err != nil {
		e.log.Debugw("failed to read requested block", "peer", c.Peer.String(), "error", err)
		return
	}
	if err := c.SendPiece(req.Index, req.Begin, data); err != nil {
		e.log.Debugw("failed to send piece", "peer", c.Peer.String(), "error", err)
		return
	}
	e.uploadedBytes.Add(int64(len(data)))
}

func (e *Engine) handlePiece(c *peer.Conn, p message.PiecePayload) {
	_, complete, err := e.pieces.BlockReceived(pieces.PeerKey(c.Peer.Key()), p.Index, p.Begin, p.Data, e.store)
	if err != nil {
		// spec §7: io-error is fatal for the write path; surface it and
		// stop the torrent rather than let it masquerade as a rejected
		// block.
		e.log.Errorw("piece store write failed", "peer", c.Peer.String(), "error", err)
		e.fatalErr.Store(err)
		e.Pause()
		return
	}
	if !complete {
		return
	}
	e.broadcastHave(p.Index)
	if e.pieces.AllComplete() {
		if err := e.store.SwitchToSeeding(); err != nil {
			e.log.Errorw("failed to switch to seeding", "error", err)
			return
		}
		e.completedOn = e.clk.Now()
	}
}

func (e *Engine) broadcastHave(index int) {
	for _, c := range e.activeConns() {
		c.SendHave(index)
	}
}

func (e *Engine) activeConns() []*peer.Conn {
	e.connsMu.Lock()
	defer e.connsMu.Unlock()
	out := make([]*peer.Conn, 0, len(e.conns))
	for _, c := range e.conns {
		out = append(out, c)
	}
	return out
}

// maybeRequest asks the piece manager for the next rarest-first block and
// sends it, if the peer isn't choking us and we know its bitmap (spec
// §4.10 step 7). If we have not yet declared interest, it sends
// INTERESTED before the request.
func (e *Engine) maybeRequest(c *peer.Conn) {
	if c.PeerChoking() {
		return
	}
	bf := c.Bitfield()
	if bf.NumPieces() == 0 {
		return
	}
	b := e.pieces.NextRequestRarestFirst(pieces.PeerKey(c.Peer.Key()), bf)
	if b == nil {
		return
	}
	if !c.AmInterested() {
		c.SendInterested()
	}
	c.SendRequest(b.PieceIndex, b.Offset, b.Length)
}

// AnnounceNow fetches the tracker list with the given event, filters
// against currently known peer IPs, and connects only the new ones (spec
// §4.10 "Announce-now").
func (e *Engine) AnnounceNow(ctx context.Context, ev tracker.Event) {
	params := e.announceParams(ev)
	discovered, _ := e.trackers.GetAllPeers(ctx, params)

	e.connsMu.Lock()
	knownIPs := make(map[string]bool, len(e.conns))
	for _, c := range e.conns {
		knownIPs[c.Peer.IP.String()] = true
	}
	var fresh []peer.Peer
	for _, p := range discovered {
		if !knownIPs[p.IP.String()] {
			fresh = append(fresh, p)
		}
	}
	e.connsMu.Unlock()

	for _, c := range e.peers.ConnectAll(ctx, fresh) {
		e.registerConn(c)
	}
}

// Shutdown stops the retry worker, closes every peer socket (each
// decrements availability), and cleans up the store (spec §4.10).
func (e *Engine) Shutdown() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	if e.peers != nil {
		e.peers.Shutdown()
	}
	e.readersWG.Wait()
	if e.store != nil {
		e.store.Cleanup()
	}
}

// Status fields for the control surface (spec §6).

func (e *Engine) MetaInfo() *metainfo.Metainfo { return e.Meta }
func (e *Engine) DownloadDir() string    { return e.cfg.DownloadDir }

// FatalError returns the first unrecoverable disk-write error observed on
// this torrent's write path, or nil if none has occurred (spec §7).
func (e *Engine) FatalError() error { return e.fatalErr.Load() }
func (e *Engine) AddedOn() time.Time     { return e.addedOn }
func (e *Engine) CompletedOn() time.Time { return e.completedOn }
func (e *Engine) DownloadedBytes() int64 { return e.pieces.DownloadedBytes() }
func (e *Engine) UploadedBytes() int64   { return e.uploadedBytes.Load() }

// PieceComplete reports per-piece completion for progress display.
func (e *Engine) PieceComplete() []bool {
	ps := e.pieces.Pieces()
	out := make([]bool, len(ps))
	for i, p := range ps {
		out[i] = p.IsComplete()
	}
	return out
}

// TrackerEntries exposes the tracker manager's entries.
func (e *Engine) TrackerEntries() []tracker.Entry { return e.trackers.Entries() }

// PeerSnapshot is a point-in-time view of one connected peer, matching the
// control-surface fields of spec §6.
type PeerSnapshot struct {
	IP               string
	Port             uint16
	RemoteID         string
	Bitfield         []byte
	AmChoking        bool
	AmInterested     bool
	PeerChoking      bool
	PeerInterested   bool
	DownBPS          float64
	UpBPS            float64
	TotalDownloaded  int64
	TotalUploaded    int64
}

// PeerSnapshots returns a snapshot of every currently connected peer.
func (e *Engine) PeerSnapshots() []PeerSnapshot {
	conns := e.activeConns()
	out := make([]PeerSnapshot, len(conns))
	for i, c := range conns {
		out[i] = PeerSnapshot{
			IP:              c.Peer.IP.String(),
			Port:            c.Peer.Port,
			RemoteID:        hex.EncodeToString(c.RemoteID[:]),
			Bitfield:        c.Bitfield().Bytes(e.Meta.NumPieces()),
			AmChoking:       c.AmChoking(),
			AmInterested:    c.AmInterested(),
			PeerChoking:     c.PeerChoking(),
			PeerInterested:  c.PeerInterested(),
			DownBPS:         c.DownSpeedBPS(),
			UpBPS:           c.UpSpeedBPS(),
			TotalDownloaded: c.TotalDownloaded(),
			TotalUploaded:   c.TotalUploaded(),
		}
	}
	return out
}
