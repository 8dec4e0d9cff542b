// Package peermgr implements the peer connection pool: bounded-parallelism
// connects, per-peer exponential retry backoff capped at a failure budget,
// and a background retry sweep (spec §4.7).
package peermgr

import (
	"context"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/cenkalti/backoff"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/arjunsahu/gorent/peer"
	"github.com/arjunsahu/gorent/pieces"
)

// ConnectBurst bounds how many simultaneous dial+handshake attempts
// ConnectAll runs at once (spec §4.7, "≈ 120").
const ConnectBurst = 120

// DefaultCheckInterval is how often the background retry loop wakes to
// sweep for peers whose retry time has elapsed (spec §4.7), used when
// Options.CheckInterval is zero.
const DefaultCheckInterval = 10 * time.Second

// DefaultMaxFailures is the number of consecutive failures after which a
// peer is dropped permanently instead of retried (spec §4.7), used when
// Options.MaxFailures is zero.
const DefaultMaxFailures = 5

// Options configures the failure-retry budget and sweep cadence, mirroring
// config.Config's check_interval_seconds/max_failures fields (zero values
// fall back to the package defaults above).
type Options struct {
	MaxFailures   int
	CheckInterval time.Duration
}

func (o Options) maxFailures() int {
	if o.MaxFailures <= 0 {
		return DefaultMaxFailures
	}
	return o.MaxFailures
}

func (o Options) checkInterval() time.Duration {
	if o.CheckInterval <= 0 {
		return DefaultCheckInterval
	}
	return o.CheckInterval
}

// failureState tracks one peer's retry schedule.
type failureState struct {
	count     int
	nextRetry time.Time
}

// backoffFor returns 10 * 2^(failcount-1) seconds, per spec §4.7 / §8
// scenario 7, computed by stepping cenkalti/backoff's exponential curve
// failCount times from its initial interval.
func backoffFor(failCount int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Second
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.MaxInterval = 1<<63 - 1 // no time cap; the failure count is the cap
	b.Reset()

	var d time.Duration
	for i := 0; i < failCount; i++ {
		d = b.NextBackOff()
	}
	return d
}

// Manager owns the active peer set for one torrent plus the failure/retry
// bookkeeping for peers that are not currently connected.
type Manager struct {
	mu sync.Mutex

	localID  [20]byte
	infoHash [20]byte

	active   map[string]*peer.Conn
	failures map[string]*failureState
	known    map[string]peer.Peer // every endpoint ever seen, for retry sweeps

	dialer *peer.Dialer
	pieces *pieces.Manager // for peer_disconnect availability bookkeeping

	opts Options

	clk clock.Clock
	log *zap.SugaredLogger

	stopRetry chan struct{}
	retryDone chan struct{}
}

// New constructs a Manager for one torrent's swarm.
func New(localID, infoHash [20]byte, dialer *peer.Dialer, pm *pieces.Manager, clk clock.Clock, log *zap.SugaredLogger, opts Options) *Manager {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Manager{
		localID:  localID,
		infoHash: infoHash,
		active:   make(map[string]*peer.Conn),
		failures: make(map[string]*failureState),
		known:    make(map[string]peer.Peer),
		dialer:   dialer,
		pieces:   pm,
		opts:     opts,
		clk:      clk,
		log:      log,
	}
}

// Active returns a snapshot of the currently connected peers.
func (m *Manager) Active() []*peer.Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*peer.Conn, 0, len(m.active))
	for _, c := range m.active {
		out = append(out, c)
	}
	return out
}

// ConnectAll attempts parallel connections to every candidate endpoint
// (bounded by ConnectBurst) and returns the conns whose handshake
// succeeded; the rest are scheduled for retry (spec §4.7).
func (m *Manager) ConnectAll(ctx context.Context, candidates []peer.Peer) []*peer.Conn {
	sem := semaphore.NewWeighted(ConnectBurst)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var connected []*peer.Conn

	for _, p := range candidates {
		m.mu.Lock()
		_, alreadyActive := m.active[p.Key()]
		m.known[p.Key()] = p
		m.mu.Unlock()
		if alreadyActive {
			continue
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(p peer.Peer) {
			defer wg.Done()
			defer sem.Release(1)
			m.tryConnect(p, &mu, &connected)
		}(p)
	}
	wg.Wait()
	return connected
}

func (m *Manager) tryConnect(p peer.Peer, mu *sync.Mutex, out *[]*peer.Conn) {
	conn, err := m.dialer.Dial(p, m.localID, m.infoHash)
	if err != nil {
		m.log.Debugw("handshake failed", "peer", p.String(), "error", err)
		m.recordFailure(p)
		return
	}

	m.mu.Lock()
	m.active[p.Key()] = conn
	delete(m.failures, p.Key())
	m.mu.Unlock()

	mu.Lock()
	*out = append(*out, conn)
	mu.Unlock()
}

func (m *Manager) recordFailure(p peer.Peer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.failures[p.Key()]
	if st == nil {
		st = &failureState{}
		m.failures[p.Key()] = st
	}
	st.count++
	if st.count >= m.opts.maxFailures() {
		delete(m.failures, p.Key())
		delete(m.known, p.Key())
		return
	}
	st.nextRetry = m.clk.Now().Add(backoffFor(st.count))
}

// NextRetry returns the scheduled retry time and whether the peer is still
// within its retry budget (test/inspection helper).
func (m *Manager) NextRetry(p peer.Peer) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.failures[p.Key()]
	if !ok {
		return time.Time{}, false
	}
	return st.nextRetry, st.count < m.opts.maxFailures()
}

// RemovePeer closes the socket and, if the peer ever advertised a bitmap,
// decrements piece availability for it (spec §4.7).
func (m *Manager) RemovePeer(c *peer.Conn) {
	m.mu.Lock()
	delete(m.active, c.Peer.Key())
	m.mu.Unlock()

	c.Close()
	if m.pieces != nil {
		m.pieces.PeerDisconnect(c.Bitfield(), pieces.PeerKey(c.Peer.Key()))
	}
}

// StartRetryLoop launches the background sweep that retries peers whose
// backoff has elapsed and whose failure count is under the cap (spec
// §4.7). Call StopRetryLoop to stop it.
func (m *Manager) StartRetryLoop(ctx context.Context) {
	m.stopRetry = make(chan struct{})
	m.retryDone = make(chan struct{})
	go m.retryLoop(ctx)
}

func (m *Manager) retryLoop(ctx context.Context) {
	defer close(m.retryDone)
	ticker := m.clk.Ticker(m.opts.checkInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopRetry:
			return
		case <-ticker.C:
			m.sweepRetries(ctx)
		}
	}
}

func (m *Manager) sweepRetries(ctx context.Context) {
	now := m.clk.Now()

	maxFailures := m.opts.maxFailures()
	m.mu.Lock()
	var due []peer.Peer
	for key, st := range m.failures {
		if st.count < maxFailures && !now.Before(st.nextRetry) {
			if p, ok := m.known[key]; ok {
				due = append(due, p)
			}
		}
	}
	m.mu.Unlock()

	if len(due) == 0 {
		return
	}
	m.ConnectAll(ctx, due)
}

// StopRetryLoop stops the background sweep and waits for it to exit.
func (m *Manager) StopRetryLoop() {
	if m.stopRetry == nil {
		return
	}
	close(m.stopRetry)
	<-m.retryDone
}

// Shutdown closes every active peer connection (each decrements
// availability) and stops the retry loop.
func (m *Manager) Shutdown() {
	m.StopRetryLoop()
	for _, c := range m.Active() {
		m.RemovePeer(c)
	}
}
