package peermgr

import (
	"net"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/assert"

	"github.com/arjunsahu/gorent/peer"
)

func TestBackoffFollowsSpecSchedule(t *testing.T) {
	// spec §8 scenario 7: after k consecutive failures, next retry is
	// now + 10 * 2^(k-1) seconds.
	cases := []struct {
		failCount int
		want      time.Duration
	}{
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{3, 40 * time.Second},
		{4, 80 * time.Second},
		{5, 160 * time.Second},
	}
	for _, c := range cases {
		got := backoffFor(c.failCount)
		assert.Equal(t, c.want, got, "failCount=%d", c.failCount)
	}
}

func TestDefaultMaxFailuresConstant(t *testing.T) {
	assert.Equal(t, 5, DefaultMaxFailures)
}

func TestRecordFailureDropsAtMaxFailures(t *testing.T) {
	// spec §8: a peer with k>=5 consecutive failures is never retried again.
	m := New([20]byte{}, [20]byte{}, nil, nil, nil, nil, Options{})
	p := peer.Peer{IP: net.ParseIP("127.0.0.1"), Port: 1}

	for i := 0; i < DefaultMaxFailures-1; i++ {
		m.recordFailure(p)
		_, retryable := m.NextRetry(p)
		assert.True(t, retryable, "failure %d should still be retryable", i+1)
	}

	m.recordFailure(p)
	_, retryable := m.NextRetry(p)
	assert.False(t, retryable, "failure count reaching MaxFailures must not be retryable")

	m.mu.Lock()
	_, stillTracked := m.failures[p.Key()]
	_, stillKnown := m.known[p.Key()]
	m.mu.Unlock()
	assert.False(t, stillTracked, "dropped peer must be removed from failures")
	assert.False(t, stillKnown, "dropped peer must be removed from known")
}

func TestRecordFailureHonorsConfiguredMaxFailures(t *testing.T) {
	m := New([20]byte{}, [20]byte{}, nil, nil, nil, nil, Options{MaxFailures: 2})
	p := peer.Peer{IP: net.ParseIP("127.0.0.1"), Port: 1}

	m.recordFailure(p)
	_, retryable := m.NextRetry(p)
	assert.True(t, retryable, "failure 1 of 2 should still be retryable")

	m.recordFailure(p)
	_, retryable = m.NextRetry(p)
	assert.False(t, retryable, "failure 2 of 2 must not be retryable")
}

func TestSweepRetriesExcludesDroppedPeers(t *testing.T) {
	mock := clock.NewMock()
	m := New([20]byte{}, [20]byte{}, nil, nil, mock, nil, Options{})
	p := peer.Peer{IP: net.ParseIP("127.0.0.1"), Port: 1}

	for i := 0; i < DefaultMaxFailures; i++ {
		m.recordFailure(p)
	}

	m.mu.Lock()
	due := 0
	for _, st := range m.failures {
		if st.count < DefaultMaxFailures {
			due++
		}
	}
	m.mu.Unlock()
	assert.Equal(t, 0, due, "no failure entries should remain eligible for retry")
}
