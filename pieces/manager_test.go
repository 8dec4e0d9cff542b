package pieces

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arjunsahu/gorent/bitfield"
	"github.com/arjunsahu/gorent/block"
)

func threePieceManager() (*Manager, *bitfield.Bitfield) {
	ps := []*block.Piece{
		block.NewPiece(0, [20]byte{}, 16384, 0, 16384),
		block.NewPiece(1, [20]byte{}, 16384, 16384, 16384),
		block.NewPiece(2, [20]byte{}, 16384, 32768, 16384),
	}
	m := New(ps)
	bf := bitfield.New(3)
	bf.SetPiece(0)
	bf.SetPiece(1)
	bf.SetPiece(2)
	return m, bf
}

func TestAvailabilityNeverNegative(t *testing.T) {
	m, bf := threePieceManager()
	m.PeerDisconnect(bf, "peer-1") // disconnect before ever adding
	for _, a := range m.availability {
		assert.GreaterOrEqual(t, a, 0)
	}
	m.AddBitmap(bf)
	m.PeerDisconnect(bf, "peer-1")
	m.PeerDisconnect(bf, "peer-1") // double disconnect
	for _, a := range m.availability {
		assert.GreaterOrEqual(t, a, 0)
	}
}

func TestRarestFirstPicksLowestAvailability(t *testing.T) {
	m, bf := threePieceManager()
	// availability: {0:3, 1:2, 2:1}
	for i := 0; i < 3; i++ {
		m.AddHave(0)
	}
	for i := 0; i < 2; i++ {
		m.AddHave(1)
	}
	m.AddHave(2)

	b := m.NextRequestRarestFirst("peer-1", bf)
	require.NotNil(t, b)
	assert.Equal(t, 2, b.PieceIndex)
}

func TestRarestFirstFallsBackWhenRarestExhausted(t *testing.T) {
	m, bf := threePieceManager()
	// Equal availability across all three pieces; piece 0 is the (tied)
	// rarest candidate set along with 1 and 2.
	m.AddHave(0)
	m.AddHave(1)
	m.AddHave(2)

	// Exhaust every block of piece 0 so its own NextBlock() never
	// produces anything further.
	piece0 := m.pieces[0]
	now := time.Now()
	for b := piece0.NextBlock(now); b != nil; b = piece0.NextBlock(now) {
	}

	// Rarest-first may still land on piece 0 in the candidate set, but
	// since it has no free blocks, the selection must fall through to
	// piece 1 or 2 rather than returning nil.
	got := m.NextRequestRarestFirst("peer-1", bf)
	require.NotNil(t, got)
}

func TestOnChokeReturnsInflightBlocks(t *testing.T) {
	m, bf := threePieceManager()
	b := m.NextRequestRarestFirst("peer-1", bf)
	require.NotNil(t, b)
	assert.True(t, b.IsRequested())

	m.OnChoke("peer-1")
	assert.False(t, b.IsRequested())
	assert.Empty(t, m.inflightByPeer["peer-1"])
}

func TestTickRecoversTimedOutBlocks(t *testing.T) {
	m, bf := threePieceManager()
	fakeNow := time.Now()
	m.WithClock(func() time.Time { return fakeNow })

	b := m.NextRequestRarestFirst("peer-1", bf)
	require.NotNil(t, b)

	fakeNow = fakeNow.Add(RequestTimeout + time.Second)
	m.Tick()

	assert.False(t, b.IsRequested())
}

func TestBlockReceivedCreditsDownloadedBytesEvenOnMismatch(t *testing.T) {
	ps := []*block.Piece{block.NewPiece(0, [20]byte{}, 16384, 0, 16384)}
	m := New(ps)
	data := make([]byte, 16384)

	accepted, complete, err := m.BlockReceived("peer-1", 0, 0, data, nil)
	assert.NoError(t, err)
	assert.True(t, accepted)
	// The all-zero expected hash won't match SHA-1 of 16KiB of zero bytes,
	// so the piece resets rather than completing — but the bytes are still
	// credited (spec's permissive downloaded_bytes accounting).
	assert.False(t, complete)
	assert.Equal(t, int64(16384), m.DownloadedBytes())
}

func TestBlockReceivedSurfacesStoreWriteError(t *testing.T) {
	ps := []*block.Piece{block.NewPiece(0, [20]byte{}, 16384, 0, 16384)}
	m := New(ps)
	data := make([]byte, 16384)

	accepted, complete, err := m.BlockReceived("peer-1", 0, 0, data, failingWriter{})
	require.Error(t, err)
	assert.False(t, accepted)
	assert.False(t, complete)
	assert.Equal(t, int64(0), m.DownloadedBytes())
}

type failingWriter struct{}

func (failingWriter) Write(pieceIndex, pieceOffset int, data []byte) error {
	return errors.New("disk full")
}
