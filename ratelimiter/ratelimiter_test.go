package ratelimiter

import (
	"testing"
	"time"

	"github.com/meshcore/meshcore/wire"
)

type ratelimiterResult struct {
	allowed bool
	text    string
	wait    time.Duration
}

func TestRatelimiter(t *testing.T) {
	var expectedResults []ratelimiterResult

	nano := func(n int64) time.Duration { return time.Nanosecond * time.Duration(n) }
	add := func(res ratelimiterResult) { expectedResults = append(expectedResults, res) }

	for i := 0; i < packetsBurstable; i++ {
		add(ratelimiterResult{allowed: true, text: "initial burst"})
	}
	add(ratelimiterResult{allowed: false, text: "after burst"})
	add(ratelimiterResult{
		allowed: true,
		wait:    nano(time.Second.Nanoseconds() / packetsPerSecond),
		text:    "filling tokens for single handshake",
	})
	add(ratelimiterResult{allowed: false, text: "not having refilled enough"})
	add(ratelimiterResult{
		allowed: true,
		wait:    2 * nano(time.Second.Nanoseconds()/packetsPerSecond),
		text:    "filling tokens for two-handshake burst",
	})
	add(ratelimiterResult{allowed: true, text: "second handshake in burst"})
	add(ratelimiterResult{allowed: false, text: "handshake following burst"})

	peers := make([]wire.ID, 10)
	for i := range peers {
		peers[i] = wire.NewID()
	}

	r := New()
	defer r.Close()

	for i, res := range expectedResults {
		time.Sleep(res.wait)
		for _, peer := range peers {
			allowed := r.Allow(peer)
			if allowed != res.allowed {
				t.Fatalf("test failed for %v, on %d (%s): expected %v, got %v", peer, i, res.text, res.allowed, allowed)
			}
		}
	}
}
