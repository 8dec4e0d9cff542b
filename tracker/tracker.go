// Package tracker implements the HTTP and UDP tracker announce protocols
// (spec §4.8) and the multi-tier tracker manager that fans out across them
// (spec §4.9).
package tracker

import (
	"fmt"

	"github.com/arjunsahu/gorent/peer"
)

// Event is the BEP 3 announce event.
type Event string

const (
	EventNone      Event = ""
	EventStarted   Event = "started"
	EventStopped   Event = "stopped"
	EventCompleted Event = "completed"
)

// AnnounceParams carries everything an announce needs to build a request,
// regardless of transport.
type AnnounceParams struct {
	InfoHash   [20]byte
	PeerID     [20]byte
	Port       uint16
	Uploaded   int64
	Downloaded int64
	Left       int64
	Event      Event
}

// AnnounceResult is a tracker's reply to one announce, normalized across
// transports (spec §4.8: "Both return a uniform (list of peer endpoints,
// interval_seconds)"; seeder/leecher counts are surfaced for the control
// surface's tracker panel when the transport provides them).
type AnnounceResult struct {
	Peers    []peer.Peer
	Interval int
	Seeders  int
	Leechers int
}

// Client announces to a single tracker and returns a normalized result.
type Client interface {
	Announce(p AnnounceParams) (AnnounceResult, error)
}

func percentEncode(b []byte) string {
	out := make([]byte, 0, len(b)*3)
	for _, v := range b {
		out = append(out, '%')
		out = append(out, hexDigit(v>>4), hexDigit(v&0xF))
	}
	return string(out)
}

func hexDigit(n byte) byte {
	const digits = "0123456789ABCDEF"
	return digits[n]
}

// errTracker wraps any tracker-client failure as the tracker-error kind
// from spec §7.
func errTracker(format string, args ...interface{}) error {
	return fmt.Errorf("tracker: tracker-error: "+format, args...)
}
