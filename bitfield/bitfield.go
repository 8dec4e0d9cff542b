// Package bitfield implements the BitTorrent piece bitmap: a packed bit
// vector, MSB-first within each byte, used both for a peer's advertised
// "have" set and for our own outgoing BITFIELD message.
package bitfield

import (
	"github.com/willf/bitset"
)

// Bitfield is a growable, MSB-first-within-byte bit vector. The zero value
// is an empty bitfield; use New or EnsureSize to size it.
type Bitfield struct {
	bits *bitset.BitSet
	// numPieces is the logical size: the largest size requested through
	// New, EnsureSize or SetPiece, or the bit length of a FromBytes payload
	// when that is larger.
	numPieces uint
}

// New allocates a bitfield sized to hold numPieces bits, all clear.
func New(numPieces int) *Bitfield {
	return &Bitfield{
		bits:      bitset.New(uint(numPieces)),
		numPieces: uint(numPieces),
	}
}

// FromBytes decodes a wire-format BITFIELD payload (MSB-first within each
// byte) into a Bitfield sized to at least numPieces bits. A payload shorter
// than numPieces is zero-padded; a payload longer than numPieces is kept
// whole: NumPieces reports its full bit length and CheckPiece reports its
// spare trailing bits as set. Callers that only look at indices below the
// torrent's piece count never see those spare bits.
func FromBytes(payload []byte, numPieces int) *Bitfield {
	bf := New(numPieces)
	for i, b := range payload {
		for bitOffset := 0; bitOffset < 8; bitOffset++ {
			if b>>(7-bitOffset)&1 != 0 {
				bf.bits.Set(uint(i*8 + bitOffset))
			}
		}
	}
	if bits := uint(len(payload) * 8); bits > bf.numPieces {
		bf.numPieces = bits
	}
	return bf
}

// EnsureSize lazily grows the bitfield to at least numPieces bits, leaving
// existing bits untouched. Safe to call on a zero-value Bitfield.
func (bf *Bitfield) EnsureSize(numPieces int) {
	if bf.bits == nil {
		bf.bits = bitset.New(uint(numPieces))
		bf.numPieces = uint(numPieces)
		return
	}
	if uint(numPieces) > bf.numPieces {
		bf.numPieces = uint(numPieces)
	}
}

// CheckPiece reports whether bit index is set. An out-of-range index (past
// the current size) is treated as unset rather than panicking, so a HAVE for
// an index beyond what we've allocated is handled safely.
func (bf *Bitfield) CheckPiece(index int) bool {
	if bf.bits == nil || index < 0 {
		return false
	}
	return bf.bits.Test(uint(index))
}

// SetPiece sets bit index, growing the bitfield first if index is out of
// range.
func (bf *Bitfield) SetPiece(index int) {
	if index < 0 {
		return
	}
	bf.EnsureSize(index + 1)
	bf.bits.Set(uint(index))
}

// NumPieces returns the logical size of the bitfield.
func (bf *Bitfield) NumPieces() int {
	return int(bf.numPieces)
}

// Bytes packs the bitfield back into MSB-first wire format, sized to
// ceil(numPieces/8) bytes. Bits beyond numPieces are not emitted.
func (bf *Bitfield) Bytes(numPieces int) []byte {
	numBytes := (numPieces + 7) / 8
	out := make([]byte, numBytes)
	if bf.bits == nil {
		return out
	}
	for i := 0; i < numPieces; i++ {
		if bf.bits.Test(uint(i)) {
			out[i/8] |= 1 << (7 - uint(i%8))
		}
	}
	return out
}
