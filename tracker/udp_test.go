package tracker

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeUDPTracker answers every BEP 15 connect and announce request it
// receives, returning the same compact peer bytes as spec §8 scenario 6.
func fakeUDPTracker(t *testing.T) (addr string, stop func()) {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		buf := make([]byte, 2048)
		for {
			n, raddr, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}
			req := buf[:n]
			action := binary.BigEndian.Uint32(req[8:12])
			txID := req[12:16]

			switch action {
			case actionConnect:
				resp := make([]byte, 16)
				binary.BigEndian.PutUint32(resp[0:4], actionConnect)
				copy(resp[4:8], txID)
				binary.BigEndian.PutUint64(resp[8:16], 0xAABBCCDD)
				conn.WriteTo(resp, raddr)
			case actionAnnounce:
				peers := []byte{0x7f, 0x00, 0x00, 0x01, 0x1a, 0xe1}
				resp := make([]byte, 20+len(peers))
				binary.BigEndian.PutUint32(resp[0:4], actionAnnounce)
				copy(resp[4:8], txID)
				binary.BigEndian.PutUint32(resp[8:12], 1800) // interval
				binary.BigEndian.PutUint32(resp[12:16], 0)   // leechers
				binary.BigEndian.PutUint32(resp[16:20], 1)   // seeders
				copy(resp[20:], peers)
				conn.WriteTo(resp, raddr)
			}
		}
	}()

	return conn.LocalAddr().String(), func() { conn.Close() }
}

func TestUDPClientAnnounce(t *testing.T) {
	addr, stop := fakeUDPTracker(t)
	defer stop()

	c := NewUDPClient(addr, 2*time.Second)
	result, err := c.Announce(AnnounceParams{Port: 6881, Left: 100})
	require.NoError(t, err)
	require.Len(t, result.Peers, 1)
	assert.Equal(t, "127.0.0.1", result.Peers[0].IP.String())
	assert.EqualValues(t, 6881, result.Peers[0].Port)
	assert.Equal(t, 1800, result.Interval)
	assert.Equal(t, 1, result.Seeders)
	assert.Equal(t, 0, result.Leechers)
}
