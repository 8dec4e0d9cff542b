package peer

import (
	"crypto/sha1"
	"net"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipeConns() (net.Conn, net.Conn) {
	return net.Pipe()
}

func TestHandshakeSerializeRoundTrip(t *testing.T) {
	infoHash := sha1Of("dummy_info")
	peerID := [20]byte{}
	copy(peerID[:], "-PC0001-abcdefghijkl")

	h := &handshake{InfoHash: infoHash, PeerID: peerID}
	buf := h.serialize()

	require.Len(t, buf, 68)
	assert.Equal(t, byte(19), buf[0])
	assert.Equal(t, "BitTorrent protocol", string(buf[1:20]))
	assert.Equal(t, infoHash[:], buf[28:48])
	assert.Equal(t, peerID[:], buf[48:68])
}

func sha1Of(s string) [20]byte {
	return sha1.Sum([]byte(s))
}

func TestUnmarshalCompactPeers(t *testing.T) {
	peers, err := Unmarshal([]byte{0x7f, 0x00, 0x00, 0x01, 0x1a, 0xe1})
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, "127.0.0.1", peers[0].IP.String())
	assert.EqualValues(t, 6881, peers[0].Port)
}

func TestUnmarshalRejectsBadLength(t *testing.T) {
	_, err := Unmarshal([]byte{0x01, 0x02, 0x03})
	assert.Error(t, err)
}

func TestSendRequestRespectsInflightCap(t *testing.T) {
	a, b := pipeConns()
	defer a.Close()
	defer b.Close()

	c := newConn(a, Peer{IP: net.ParseIP("127.0.0.1"), Port: 1}, [20]byte{}, [20]byte{}, [20]byte{}, clock.NewMock(), nil, DefaultMaxInflight)

	go func() {
		buf := make([]byte, 4096)
		for {
			if _, err := b.Read(buf); err != nil {
				return
			}
		}
	}()

	for i := 0; i < DefaultMaxInflight; i++ {
		require.True(t, c.SendRequest(0, i*16384, 16384))
	}
	assert.Equal(t, DefaultMaxInflight, c.Inflight())
	assert.False(t, c.SendRequest(0, 999*16384, 16384))
	assert.Equal(t, DefaultMaxInflight, c.Inflight())
}

func TestSendRequestRespectsConfiguredInflightCap(t *testing.T) {
	a, b := pipeConns()
	defer a.Close()
	defer b.Close()

	c := newConn(a, Peer{IP: net.ParseIP("127.0.0.1"), Port: 1}, [20]byte{}, [20]byte{}, [20]byte{}, clock.NewMock(), nil, 2)

	go func() {
		buf := make([]byte, 4096)
		for {
			if _, err := b.Read(buf); err != nil {
				return
			}
		}
	}()

	require.True(t, c.SendRequest(0, 0, 16384))
	require.True(t, c.SendRequest(0, 16384, 16384))
	assert.False(t, c.SendRequest(0, 32768, 16384))
	assert.Equal(t, 2, c.Inflight())
}

func TestChokeClearsInflight(t *testing.T) {
	a, b := pipeConns()
	defer a.Close()
	defer b.Close()

	c := newConn(a, Peer{}, [20]byte{}, [20]byte{}, [20]byte{}, clock.NewMock(), nil, DefaultMaxInflight)
	go func() {
		buf := make([]byte, 4096)
		for {
			if _, err := b.Read(buf); err != nil {
				return
			}
		}
	}()
	require.True(t, c.SendRequest(0, 0, 16384))
	assert.Equal(t, 1, c.Inflight())

	_, err := c.Feed([]byte{0, 0, 0, 1, 0}) // choke frame
	require.NoError(t, err)
	assert.Equal(t, 0, c.Inflight())
	assert.True(t, c.PeerChoking())
}

func TestDownSpeedRequiresTwoSamplesAndSpan(t *testing.T) {
	mock := clock.NewMock()
	c := &Conn{clk: mock}

	assert.Equal(t, float64(0), c.DownSpeedBPS())

	c.recordDown(1000)
	assert.Equal(t, float64(0), c.DownSpeedBPS(), "single sample must not produce a rate")

	mock.Add(1 * time.Second)
	c.recordDown(1000)
	assert.Equal(t, float64(0), c.DownSpeedBPS(), "span under 2s must still read 0")

	mock.Add(2 * time.Second)
	c.recordDown(1000)
	assert.Greater(t, c.DownSpeedBPS(), float64(0))
}

func TestUpSpeedAllowsSingleSample(t *testing.T) {
	mock := clock.NewMock()
	c := &Conn{clk: mock}

	c.recordUp(500)
	assert.Greater(t, c.UpSpeedBPS(), float64(0), "a single sample is enough for up speed per spec asymmetry")
}

func TestEnsureBitmapZeroPads(t *testing.T) {
	c := &Conn{clk: clock.NewMock()}
	c.SetBitfieldFromPayload([]byte{0xFF}, 4)
	assert.Equal(t, 8, c.Bitfield().NumPieces())
	c.EnsureBitmap(20)
	assert.GreaterOrEqual(t, c.Bitfield().NumPieces(), 20)
	assert.True(t, c.Bitfield().CheckPiece(0))
}

func TestCloseIsIdempotent(t *testing.T) {
	a, b := pipeConns()
	defer b.Close()
	c := newConn(a, Peer{}, [20]byte{}, [20]byte{}, [20]byte{}, clock.NewMock(), nil, DefaultMaxInflight)
	require.NoError(t, c.Close())
	assert.NoError(t, c.Close())
	assert.False(t, c.Active())
}
