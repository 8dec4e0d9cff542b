// Package block implements per-piece block tracking and in-memory piece
// reassembly with SHA-1 verification (spec §4.4).
package block

import (
	"crypto/sha1"
	"fmt"
	"time"

	"go.uber.org/atomic"
)

// MaxBlockLength is the largest block size ever requested on the wire.
const MaxBlockLength = 16 * 1024

// Block is one sub-range of a Piece, the unit of request on the wire.
type Block struct {
	PieceIndex int
	Offset     int
	Length     int

	isRequested atomic.Bool
	isReceived  atomic.Bool
	requestTime atomic.Int64 // unix nanos; 0 means "never requested"
}

// IsRequested reports whether the block currently has an outstanding
// request.
func (b *Block) IsRequested() bool { return b.isRequested.Load() }

// IsReceived reports whether the block's data has been accepted.
func (b *Block) IsReceived() bool { return b.isReceived.Load() }

// RequestTime returns the time of the most recent request, or the zero
// Time if the block has never been requested.
func (b *Block) RequestTime() time.Time {
	ns := b.requestTime.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (b *Block) markRequested(now time.Time) {
	b.isRequested.Store(true)
	b.requestTime.Store(now.UnixNano())
}

func (b *Block) reset() {
	b.isRequested.Store(false)
	b.isReceived.Store(false)
	b.requestTime.Store(0)
}

// ResetForRequeue returns the block to the unrequested state — used by the
// piece manager when a choke or a request timeout invalidates an
// in-flight request.
func (b *Block) ResetForRequeue() {
	b.reset()
}

// Piece is a fixed-size content unit whose integrity is protected by a
// SHA-1 hash in the metainfo. It owns a reassembly buffer while incomplete
// and releases it once verified.
type Piece struct {
	Index        int
	ExpectedSHA1 [20]byte
	Length       int
	BaseOffset   int64 // byte offset of this piece's start within the whole torrent

	Blocks []*Block

	isComplete      atomic.Bool
	blocksReceived  atomic.Int32
	buffer          []byte
}

// NewPiece constructs a Piece of the given length (blockSize must divide
// evenly except for the final, possibly-short, block).
func NewPiece(index int, expectedSHA1 [20]byte, length int, baseOffset int64, blockSize int) *Piece {
	p := &Piece{
		Index:        index,
		ExpectedSHA1: expectedSHA1,
		Length:       length,
		BaseOffset:   baseOffset,
		buffer:       make([]byte, length),
	}
	for off := 0; off < length; off += blockSize {
		blen := blockSize
		if off+blen > length {
			blen = length - off
		}
		p.Blocks = append(p.Blocks, &Block{PieceIndex: index, Offset: off, Length: blen})
	}
	return p
}

// IsComplete reports whether the piece has been verified against its
// expected SHA-1.
func (p *Piece) IsComplete() bool { return p.isComplete.Load() }

// MarkComplete forces the piece to the complete state without running
// verification — used when resuming a torrent already known to be
// finished (engine's "is_finished" fast path).
func (p *Piece) MarkComplete() {
	p.isComplete.Store(true)
	p.buffer = nil
}

// NextBlock scans Blocks in order and returns the first one that is neither
// requested nor received, marking it requested. Returns nil when nothing is
// available to hand out.
func (p *Piece) NextBlock(now time.Time) *Block {
	for _, b := range p.Blocks {
		if !b.IsRequested() && !b.IsReceived() {
			b.markRequested(now)
			return b
		}
	}
	return nil
}

// BlockReceived locates the block whose Offset matches, writes data into
// the reassembly buffer through store, and reports whether the whole piece
// transitioned: (accepted, complete, err).
//
//   - accepted == false, complete == false, err == nil: the block was
//     rejected (no such block, wrong length, or already received) and
//     ignored.
//   - accepted == false, complete == false, err != nil: store.Write failed.
//     Per spec §7 this is fatal for the write path and must be surfaced to
//     the caller, not swallowed.
//   - accepted == true, complete == false: the block was accepted but the
//     piece isn't done yet.
//   - accepted == true, complete == true: this was the last block; SHA-1
//     matched and the piece is now complete.
//
// A completed piece that fails verification resets every block to
// unrequested and returns (true, false, nil) — the bytes were still
// accepted into downloaded_bytes accounting by the caller (spec's
// permissive choice), but the piece must be re-downloaded.
func (p *Piece) BlockReceived(store BlockWriter, offset int, data []byte) (accepted bool, complete bool, err error) {
	var target *Block
	for _, b := range p.Blocks {
		if b.Offset == offset {
			target = b
			break
		}
	}
	if target == nil {
		return false, false, nil
	}
	if len(data) != target.Length {
		return false, false, nil
	}
	if target.IsReceived() {
		return false, false, nil
	}

	if store != nil {
		if err := store.Write(p.Index, offset, data); err != nil {
			return false, false, fmt.Errorf("block: write piece %d offset %d: %w", p.Index, offset, err)
		}
	}
	copy(p.buffer[offset:offset+len(data)], data)
	target.isReceived.Store(true)
	n := p.blocksReceived.Add(1)

	if int(n) < len(p.Blocks) {
		return true, false, nil
	}

	sum := sha1.Sum(p.buffer)
	if sum != p.ExpectedSHA1 {
		p.resetBlocks()
		return true, false, nil
	}
	p.isComplete.Store(true)
	p.buffer = nil
	return true, true, nil
}

func (p *Piece) resetBlocks() {
	for _, b := range p.Blocks {
		b.reset()
	}
	p.blocksReceived.Store(0)
}

// BlockWriter is the subset of the piece store's interface the block
// package needs; satisfied by store.Store.
type BlockWriter interface {
	Write(pieceIndex, pieceOffset int, data []byte) error
}

// Validate checks a block request is in range for this piece, returning an
// error classified as bad-message otherwise.
func (p *Piece) Validate(offset, length int) error {
	if offset < 0 || offset%MaxBlockLength != 0 {
		return fmt.Errorf("block: bad-message: offset %d is not a multiple of %d", offset, MaxBlockLength)
	}
	if length <= 0 || length > MaxBlockLength {
		return fmt.Errorf("block: bad-message: length %d exceeds max block size", length)
	}
	if offset+length > p.Length {
		return fmt.Errorf("block: bad-message: request [%d,%d) exceeds piece length %d", offset, offset+length, p.Length)
	}
	return nil
}
