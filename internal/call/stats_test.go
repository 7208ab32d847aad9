package call_test

import (
	"sync"
	"testing"
	"time"

	"github.com/avolkov/parley/internal/call"
	"github.com/avolkov/parley/internal/core"
	"github.com/avolkov/parley/internal/domain"
)

type statsCollector struct {
	mu      sync.Mutex
	samples []core.ConnectionStats
}

func (c *statsCollector) sink(s core.ConnectionStats) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples = append(c.samples, s)
}

func (c *statsCollector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.samples)
}

func TestPollRequiresActiveCall(t *testing.T) {
	alice := newSide("alice")
	t.Cleanup(alice.orch.Shutdown)

	col := &statsCollector{}
	err := alice.orch.GetPeerStatistics("ghost", 10*time.Millisecond, col.sink, nil)
	if !core.IsCode(err, core.CodeNoActiveCall) {
		t.Fatalf("want no_active_call for unknown peer, got %v", err)
	}
}

func TestPollRejectsNonPositiveInterval(t *testing.T) {
	alice, bob := newPair(t)
	connect(t, alice, bob)

	col := &statsCollector{}
	if err := alice.orch.GetPeerStatistics(bob.id, 0, col.sink, nil); err == nil {
		t.Fatal("zero interval accepted")
	}
}

func TestPollDeliversWhileConnectedAndStopsAfterHangup(t *testing.T) {
	alice, bob := newPair(t)
	connect(t, alice, bob)

	col := &statsCollector{}
	if err := alice.orch.GetPeerStatistics(bob.id, 10*time.Millisecond, col.sink, nil); err != nil {
		t.Fatalf("poll: %v", err)
	}
	waitFor(t, "a few samples", func() bool { return col.count() >= 3 })

	if err := alice.orch.Hangup(bob.id); err != nil {
		t.Fatalf("hangup: %v", err)
	}
	// The poller notices the call is gone within one interval; after
	// that the count must stop moving.
	time.Sleep(50 * time.Millisecond)
	settled := col.count()
	time.Sleep(100 * time.Millisecond)
	if got := col.count(); got != settled {
		t.Fatalf("samples still arriving after hangup: %d -> %d", settled, got)
	}
}

func TestPollAppliesFilter(t *testing.T) {
	alice, bob := newPair(t)
	connect(t, alice, bob)

	col := &statsCollector{}
	filter := func(s core.ConnectionStats) core.ConnectionStats {
		return core.ConnectionStats{
			Timestamp: s.Timestamp,
			Metrics:   map[string]float64{"rtt_ms": s.Metrics["rtt_seconds"] * 1000},
		}
	}
	if err := alice.orch.GetPeerStatistics(bob.id, 10*time.Millisecond, col.sink, filter); err != nil {
		t.Fatalf("poll: %v", err)
	}
	waitFor(t, "filtered sample", func() bool { return col.count() >= 1 })

	col.mu.Lock()
	defer col.mu.Unlock()
	got := col.samples[0]
	if got.Metrics["rtt_ms"] != 50 {
		t.Fatalf("filter not applied: %+v", got)
	}
	if _, raw := got.Metrics["rtt_seconds"]; raw {
		t.Fatalf("raw metric leaked through the filter: %+v", got)
	}
}

// routerLink fans envelopes out by target, so one orchestrator can
// hold calls with several peers at once.
type routerLink struct {
	mu      sync.Mutex
	targets map[domain.SessionID]*call.Orchestrator
}

func (l *routerLink) Send(env core.Envelope) error {
	l.mu.Lock()
	to := l.targets[env.Target]
	l.mu.Unlock()
	if to != nil {
		to.HandleEnvelope(env)
	}
	return nil
}

func TestIndependentPollersPerPeer(t *testing.T) {
	aliceFactory := newFakeFactory()
	router := &routerLink{targets: make(map[domain.SessionID]*call.Orchestrator)}
	alice := call.New("alice", router, aliceFactory.make)
	t.Cleanup(alice.Shutdown)

	peers := make(map[domain.SessionID]*side)
	for _, id := range []domain.SessionID{"bob", "carol"} {
		p := newSide(id)
		p.link.to = alice
		router.mu.Lock()
		router.targets[id] = p.orch
		router.mu.Unlock()
		peers[id] = p
		t.Cleanup(p.orch.Shutdown)

		if err := alice.Call(id); err != nil {
			t.Fatalf("call %s: %v", id, err)
		}
		waitFor(t, "negotiating with "+string(id), func() bool {
			st, ok := alice.StateOf(id)
			return ok && st == call.StateNegotiating
		})
		aliceFactory.conn(id).connectivity(core.ConnectivityUp)
		p.factory.conn("alice").connectivity(core.ConnectivityUp)
		waitFor(t, "connected to "+string(id), func() bool {
			st, ok := alice.StateOf(id)
			return ok && st == call.StateConnected
		})
	}

	colBob := &statsCollector{}
	colCarol := &statsCollector{}
	if err := alice.GetPeerStatistics("bob", 10*time.Millisecond, colBob.sink, nil); err != nil {
		t.Fatal(err)
	}
	if err := alice.GetPeerStatistics("carol", 10*time.Millisecond, colCarol.sink, nil); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "both pollers", func() bool { return colBob.count() >= 2 && colCarol.count() >= 2 })

	// Tearing one pair down leaves the other's poller running.
	if err := alice.Hangup("bob"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	before := colCarol.count()
	waitFor(t, "surviving poller", func() bool { return colCarol.count() > before })
}
