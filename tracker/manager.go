package tracker

import (
	"context"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/arjunsahu/gorent/metainfo"
	"github.com/arjunsahu/gorent/peer"
)

// Status is the last-known health of one tracker entry (spec §4.9/§6).
type Status int

const (
	StatusUnknown Status = iota
	StatusWorking
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusWorking:
		return "working"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// DefaultInterval is used when a tracker has never successfully
// announced (spec §4.9).
const DefaultInterval = 1800 * time.Second

// FanoutConcurrency bounds how many trackers are announced to at once
// (spec §4.9: "bounded concurrency ≤ 10").
const FanoutConcurrency = 10

// Entry is one tier/URL pair plus its rolling announce status, exposed
// verbatim to the control surface (spec §6).
type Entry struct {
	URL      string
	Tier     int
	Client   Client
	LastStatus Status
	LastMsg    string
	LastPeers  int
	LastSeeds  int
	Interval   time.Duration
	NextAnnounce time.Time
}

// Manager fans an announce out across every tracker built from the
// torrent's announce + announce-list (spec §4.9).
type Manager struct {
	mu      sync.Mutex
	entries []*Entry
	log     *zap.SugaredLogger
}

// NewManager builds the flat tracker list from m's announce/announce-list,
// filtered to http(s)/udp schemes, one Entry per URL (spec §4.9). An
// announce URL not already in announce-list gets its own tier 0 ahead of
// the announce-list tiers.
func NewManager(m *metainfo.Metainfo, httpTimeout, udpTimeout time.Duration, log *zap.SugaredLogger) *Manager {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	mgr := &Manager{log: log}

	tiers := m.AnnounceList
	listed := false
	for _, tier := range tiers {
		for _, u := range tier {
			listed = listed || u == m.Announce
		}
	}
	if m.Announce != "" && !listed {
		tiers = append([][]string{{m.Announce}}, tiers...)
	}

	for tierIdx, tier := range tiers {
		for _, rawURL := range tier {
			entry := mgr.buildEntry(rawURL, tierIdx, httpTimeout, udpTimeout)
			if entry != nil {
				mgr.entries = append(mgr.entries, entry)
			}
		}
	}
	return mgr
}

func (mgr *Manager) buildEntry(rawURL string, tier int, httpTimeout, udpTimeout time.Duration) *Entry {
	u, err := url.Parse(rawURL)
	if err != nil {
		mgr.log.Warnw("skipping unparsable tracker URL", "url", rawURL, "error", err)
		return nil
	}

	var client Client
	switch u.Scheme {
	case "http", "https":
		client = NewHTTPClient(rawURL, httpTimeout)
	case "udp":
		client = NewUDPClient(u.Host, udpTimeout)
	default:
		mgr.log.Debugw("skipping unsupported tracker scheme", "url", rawURL, "scheme", u.Scheme)
		return nil
	}

	return &Entry{
		URL:      rawURL,
		Tier:     tier,
		Client:   client,
		Interval: DefaultInterval,
	}
}

// Entries returns a snapshot of every tracker entry, for the control
// surface (spec §6).
func (mgr *Manager) Entries() []Entry {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	out := make([]Entry, len(mgr.entries))
	for i, e := range mgr.entries {
		out[i] = *e
	}
	return out
}

// GetAllPeers fans out event to every tracker (bounded concurrency ≤ 10),
// updates each entry's status, dedups peers by (ip, port), and returns the
// aggregate peer list plus the minimum returned interval (fallback
// DefaultInterval) (spec §4.9).
func (mgr *Manager) GetAllPeers(ctx context.Context, params AnnounceParams) ([]peer.Peer, time.Duration) {
	sem := semaphore.NewWeighted(FanoutConcurrency)
	var wg sync.WaitGroup

	var mu sync.Mutex
	seen := make(map[string]peer.Peer)
	minInterval := DefaultInterval
	haveInterval := false

	mgr.mu.Lock()
	entries := mgr.entries
	mgr.mu.Unlock()

	for _, e := range entries {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(e *Entry) {
			defer wg.Done()
			defer sem.Release(1)

			result, err := e.Client.Announce(params)

			// Entry fields are shared with Entries() (used by the control
			// surface), which locks mgr.mu — so every write to e here must
			// go through the same lock, not the fan-out-local mu below.
			if err != nil {
				mgr.mu.Lock()
				e.LastStatus = StatusError
				e.LastMsg = err.Error()
				mgr.mu.Unlock()
				mgr.log.Debugw("tracker announce failed", "url", e.URL, "error", err)
				return
			}

			interval := time.Duration(result.Interval) * time.Second
			if interval <= 0 {
				interval = DefaultInterval
			}

			mgr.mu.Lock()
			e.LastStatus = StatusWorking
			e.LastMsg = ""
			e.LastPeers = len(result.Peers)
			e.LastSeeds = result.Seeders
			e.Interval = interval
			e.NextAnnounce = time.Now().Add(interval)
			mgr.mu.Unlock()

			mu.Lock()
			defer mu.Unlock()
			if !haveInterval || interval < minInterval {
				minInterval = interval
				haveInterval = true
			}
			for _, p := range result.Peers {
				seen[p.Key()] = p
			}
		}(e)
	}
	wg.Wait()

	out := make([]peer.Peer, 0, len(seen))
	for _, p := range seen {
		out = append(out, p)
	}
	return out, minInterval
}
