package tracker

import (
	"encoding/binary"
	"errors"
	"math/rand"
	"net"
	"time"

	"github.com/arjunsahu/gorent/peer"
)

// udpMagic is the protocol constant that opens a BEP 15 connect request.
const udpMagic = 0x41727101980

const (
	actionConnect  uint32 = 0
	actionAnnounce uint32 = 1
)

// DefaultUDPTimeout is the per-attempt socket timeout (spec §4.8: "3-second
// socket timeout").
const DefaultUDPTimeout = 3 * time.Second

// MaxUDPRetries bounds the BEP 15 exponential retry the spec's §9 open
// question recommends adding (15 * 2^n up to n=8) on top of the source's
// un-retried behavior.
const MaxUDPRetries = 8

// UDPClient announces to a single UDP tracker per BEP 15 (spec §4.8).
type UDPClient struct {
	Addr    string // host:port, without the udp:// scheme
	Timeout time.Duration
}

// NewUDPClient builds a UDPClient for addr (host:port).
func NewUDPClient(addr string, timeout time.Duration) *UDPClient {
	if timeout <= 0 {
		timeout = DefaultUDPTimeout
	}
	return &UDPClient{Addr: addr, Timeout: timeout}
}

// Announce performs the two-step BEP 15 connect+announce exchange,
// retrying the whole exchange with 15*2^n backoff (n up to MaxUDPRetries)
// on timeout before giving up.
func (c *UDPClient) Announce(p AnnounceParams) (AnnounceResult, error) {
	var lastErr error
	for n := 0; n <= MaxUDPRetries; n++ {
		result, err := c.attempt(p)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !isTimeout(err) {
			return AnnounceResult{}, err
		}
		time.Sleep(udpRetryBackoff(n))
	}
	return AnnounceResult{}, errTracker("%s: exhausted %d retries: %v", c.Addr, MaxUDPRetries, lastErr)
}

// udpRetryBackoff is BEP 15's recommended retry curve: 15 * 2^n seconds.
func udpRetryBackoff(n int) time.Duration {
	return time.Duration(15*(1<<uint(n))) * time.Second
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

func (c *UDPClient) attempt(p AnnounceParams) (AnnounceResult, error) {
	conn, err := net.DialTimeout("udp", c.Addr, c.Timeout)
	if err != nil {
		return AnnounceResult{}, errTracker("dial %s: %w", c.Addr, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(c.Timeout))

	connID, err := c.connect(conn)
	if err != nil {
		return AnnounceResult{}, err
	}
	return c.announce(conn, connID, p)
}

func (c *UDPClient) connect(conn net.Conn) (uint64, error) {
	txID := rand.Uint32()

	req := make([]byte, 16)
	binary.BigEndian.PutUint64(req[0:8], udpMagic)
	binary.BigEndian.PutUint32(req[8:12], actionConnect)
	binary.BigEndian.PutUint32(req[12:16], txID)

	if _, err := conn.Write(req); err != nil {
		return 0, errTracker("%s: connect write: %w", c.Addr, err)
	}

	resp := make([]byte, 16)
	n, err := conn.Read(resp)
	if err != nil {
		return 0, errTracker("%s: connect read: %w", c.Addr, err)
	}
	if n < 16 {
		return 0, errTracker("%s: connect response too short (%d bytes)", c.Addr, n)
	}

	action := binary.BigEndian.Uint32(resp[0:4])
	respTxID := binary.BigEndian.Uint32(resp[4:8])
	if respTxID != txID {
		return 0, errTracker("%s: connect transaction id mismatch", c.Addr)
	}
	if action != actionConnect {
		return 0, errTracker("%s: connect returned action %d, want %d", c.Addr, action, actionConnect)
	}

	return binary.BigEndian.Uint64(resp[8:16]), nil
}

func (c *UDPClient) announce(conn net.Conn, connID uint64, p AnnounceParams) (AnnounceResult, error) {
	txID := rand.Uint32()
	key := rand.Uint32()

	req := make([]byte, 98)
	binary.BigEndian.PutUint64(req[0:8], connID)
	binary.BigEndian.PutUint32(req[8:12], actionAnnounce)
	binary.BigEndian.PutUint32(req[12:16], txID)
	copy(req[16:36], p.InfoHash[:])
	copy(req[36:56], p.PeerID[:])
	binary.BigEndian.PutUint64(req[56:64], uint64(p.Downloaded))
	binary.BigEndian.PutUint64(req[64:72], uint64(p.Left))
	binary.BigEndian.PutUint64(req[72:80], uint64(p.Uploaded))
	binary.BigEndian.PutUint32(req[80:84], eventCode(p.Event))
	binary.BigEndian.PutUint32(req[84:88], 0) // ip, 0 = tracker picks
	binary.BigEndian.PutUint32(req[88:92], key)
	binary.BigEndian.PutUint32(req[92:96], uint32(0xFFFFFFFF)) // num_want = -1
	binary.BigEndian.PutUint16(req[96:98], p.Port)

	if _, err := conn.Write(req); err != nil {
		return AnnounceResult{}, errTracker("%s: announce write: %w", c.Addr, err)
	}

	buf := make([]byte, 20+6*200) // room for a couple hundred compact peers
	n, err := conn.Read(buf)
	if err != nil {
		return AnnounceResult{}, errTracker("%s: announce read: %w", c.Addr, err)
	}
	if n < 20 {
		return AnnounceResult{}, errTracker("%s: announce response too short (%d bytes)", c.Addr, n)
	}
	resp := buf[:n]

	action := binary.BigEndian.Uint32(resp[0:4])
	respTxID := binary.BigEndian.Uint32(resp[4:8])
	if respTxID != txID {
		return AnnounceResult{}, errTracker("%s: announce transaction id mismatch", c.Addr)
	}
	if action != actionAnnounce {
		return AnnounceResult{}, errTracker("%s: announce returned action %d, want %d", c.Addr, action, actionAnnounce)
	}

	interval := int(binary.BigEndian.Uint32(resp[8:12]))
	leechers := int(binary.BigEndian.Uint32(resp[12:16]))
	seeders := int(binary.BigEndian.Uint32(resp[16:20]))
	peers, err := peer.Unmarshal(resp[20:])
	if err != nil {
		return AnnounceResult{}, errTracker("%s: %w", c.Addr, err)
	}
	return AnnounceResult{Peers: peers, Interval: interval, Seeders: seeders, Leechers: leechers}, nil
}

func eventCode(e Event) uint32 {
	switch e {
	case EventCompleted:
		return 1
	case EventStarted:
		return 2
	case EventStopped:
		return 3
	default:
		return 0
	}
}
