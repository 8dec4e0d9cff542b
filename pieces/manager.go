// Package pieces implements the piece manager: availability bookkeeping,
// rarest-first (and first-fit) request selection, and per-peer in-flight
// tracking with timeout recovery (spec §4.5).
package pieces

import (
	"math/rand"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/arjunsahu/gorent/bitfield"
	"github.com/arjunsahu/gorent/block"
)

// RequestTimeout is how long a requested-but-unreceived block waits before
// Tick() returns it to the unrequested pool.
const RequestTimeout = 10 * time.Second

// PeerKey identifies a peer for the purposes of in-flight bookkeeping. The
// piece manager never holds a live reference to a peer connection — only
// this stable, comparable key — per the "treat peers as weak/lookup keys"
// design note (spec §9).
type PeerKey string

// Manager owns the ordered set of pieces for one torrent, a per-piece
// availability counter, and a per-peer list of currently in-flight blocks.
type Manager struct {
	mu sync.Mutex

	pieces       []*block.Piece
	availability []int

	inflightByPeer map[PeerKey][]*block.Block

	downloadedBytes atomic.Int64

	now func() time.Time
}

// New constructs a Manager for the given ordered pieces.
func New(ps []*block.Piece) *Manager {
	return &Manager{
		pieces:         ps,
		availability:   make([]int, len(ps)),
		inflightByPeer: make(map[PeerKey][]*block.Block),
		now:            time.Now,
	}
}

// WithClock overrides the time source (tests only).
func (m *Manager) WithClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Pieces returns the managed pieces in order.
func (m *Manager) Pieces() []*block.Piece { return m.pieces }

// DownloadedBytes returns the running total of bytes accepted by
// BlockReceived, including bytes on pieces that later fail verification
// (spec's permissive accounting choice).
func (m *Manager) DownloadedBytes() int64 { return m.downloadedBytes.Load() }

// AddDownloadedBytes credits n bytes directly — used by the engine's verify
// pass when a piece is found already complete on disk.
func (m *Manager) AddDownloadedBytes(n int64) { m.downloadedBytes.Add(n) }

// AllComplete reports whether every piece has been verified.
func (m *Manager) AllComplete() bool {
	for _, p := range m.pieces {
		if !p.IsComplete() {
			return false
		}
	}
	return true
}

// AddHave increments the availability of a single piece index.
func (m *Manager) AddHave(index int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index < 0 || index >= len(m.availability) {
		return
	}
	m.availability[index]++
}

// AddBitmap increments availability for every piece index the given
// bitmap has set.
func (m *Manager) AddBitmap(bf *bitfield.Bitfield) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.availability {
		if bf.CheckPiece(i) {
			m.availability[i]++
		}
	}
}

// PeerDisconnect decrements availability for every piece index set in the
// peer's last known bitmap, saturating at zero.
func (m *Manager) PeerDisconnect(lastBitmap *bitfield.Bitfield, peer PeerKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lastBitmap != nil {
		for i := range m.availability {
			if lastBitmap.CheckPiece(i) && m.availability[i] > 0 {
				m.availability[i]--
			}
		}
	}
	delete(m.inflightByPeer, peer)
}

// OnChoke returns every in-flight block of the given peer to the
// unrequested state and clears its in-flight list.
func (m *Manager) OnChoke(peer PeerKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.inflightByPeer[peer] {
		b.ResetForRequeue()
	}
	delete(m.inflightByPeer, peer)
}

// NextRequest is a simpler first-fit selection strategy: the first free
// block of the first incomplete piece the peer has. Exists for tests per
// spec §4.5 ("a non-rarest strategy ... used only in tests").
func (m *Manager) NextRequest(peer PeerKey, peerBitmap *bitfield.Bitfield) *block.Block {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.pieces {
		if p.IsComplete() || !peerBitmap.CheckPiece(p.Index) {
			continue
		}
		if b := p.NextBlock(m.now()); b != nil {
			m.trackInflight(peer, b)
			return b
		}
	}
	return nil
}

// NextRequestRarestFirst implements the rarest-first selection described in
// spec §4.5: among pieces the peer has that aren't complete, find the
// pieces at minimum availability, shuffle them, and return the first free
// block any of them produces. Falls back to any free block from the wider
// candidate set if every rarest piece is fully requested already.
func (m *Manager) NextRequestRarestFirst(peer PeerKey, peerBitmap *bitfield.Bitfield) *block.Block {
	m.mu.Lock()
	defer m.mu.Unlock()

	var candidates []*block.Piece
	minAvail := -1
	for _, p := range m.pieces {
		if p.IsComplete() || !peerBitmap.CheckPiece(p.Index) {
			continue
		}
		avail := m.availability[p.Index]
		if minAvail == -1 || avail < minAvail {
			minAvail = avail
			candidates = nil
		}
		if avail == minAvail {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	rarest := make([]*block.Piece, len(candidates))
	copy(rarest, candidates)
	rand.Shuffle(len(rarest), func(i, j int) { rarest[i], rarest[j] = rarest[j], rarest[i] })

	for _, p := range rarest {
		if b := p.NextBlock(m.now()); b != nil {
			m.trackInflight(peer, b)
			return b
		}
	}

	// Fall back to any free block from the wider candidate set (every
	// piece the peer has that isn't complete, regardless of availability).
	var wider []*block.Piece
	for _, p := range m.pieces {
		if !p.IsComplete() && peerBitmap.CheckPiece(p.Index) {
			wider = append(wider, p)
		}
	}
	rand.Shuffle(len(wider), func(i, j int) { wider[i], wider[j] = wider[j], wider[i] })
	for _, p := range wider {
		if b := p.NextBlock(m.now()); b != nil {
			m.trackInflight(peer, b)
			return b
		}
	}
	return nil
}

func (m *Manager) trackInflight(peer PeerKey, b *block.Block) {
	m.inflightByPeer[peer] = append(m.inflightByPeer[peer], b)
}

// BlockReceived forwards to the owning piece and, if the block was
// accepted (regardless of whether the piece verified), credits its length
// to downloaded_bytes and prunes it from the peer's in-flight list. A
// non-nil error means store.Write failed; per spec §7 this is fatal for
// the write path and must reach the caller, not be masked as a rejected
// block.
func (m *Manager) BlockReceived(peer PeerKey, pieceIndex, offset int, data []byte, writer block.BlockWriter) (accepted, complete bool, err error) {
	if pieceIndex < 0 || pieceIndex >= len(m.pieces) {
		return false, false, nil
	}
	p := m.pieces[pieceIndex]
	accepted, complete, err = p.BlockReceived(writer, offset, data)
	if err != nil {
		return false, false, err
	}
	if accepted {
		m.downloadedBytes.Add(int64(len(data)))
	}

	m.mu.Lock()
	list := m.inflightByPeer[peer]
	for i, b := range list {
		if b.PieceIndex == pieceIndex && b.Offset == offset {
			m.inflightByPeer[peer] = append(list[:i], list[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	return accepted, complete, nil
}

// Tick scans for requested-but-unreceived blocks whose age has reached
// RequestTimeout and resets them to unrequested, making them
// re-schedulable. Called periodically from the engine's event loop.
func (m *Manager) Tick() {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.pieces {
		if p.IsComplete() {
			continue
		}
		for _, b := range p.Blocks {
			if b.IsRequested() && !b.IsReceived() && !b.RequestTime().IsZero() &&
				now.Sub(b.RequestTime()) >= RequestTimeout {
				b.ResetForRequeue()
			}
		}
	}
}
