package call_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/avolkov/parley/internal/call"
	"github.com/avolkov/parley/internal/core"
	"github.com/avolkov/parley/internal/domain"
	"github.com/avolkov/parley/internal/sdpfilter"
)

const fakeSDP = `v=0
o=- 123 2 IN IP4 127.0.0.1
s=-
t=0 0
m=audio 9 UDP/TLS/RTP/SAVPF 111
c=IN IP4 0.0.0.0
a=rtpmap:111 opus/48000/2
`

// fakeConnector satisfies core.PeerConnector without touching any
// real transport. Tests drive connectivity by hand.
type fakeConnector struct {
	mu          sync.Mutex
	localDesc   *webrtc.SessionDescription
	remoteDesc  *webrtc.SessionDescription
	candidates  []webrtc.ICECandidateInit
	onConn      func(core.Connectivity)
	onICE       func(webrtc.ICECandidateInit)
	lastRestart bool
	closed      bool
	stats       core.ConnectionStats
	statsErr    error
	offerErr    error
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{
		stats: core.ConnectionStats{
			Timestamp: time.Now(),
			Metrics:   map[string]float64{"rtt_seconds": 0.05},
		},
	}
}

func (f *fakeConnector) CreateOffer(_ context.Context, iceRestart bool) (webrtc.SessionDescription, error) {
	f.mu.Lock()
	f.lastRestart = iceRestart
	err := f.offerErr
	f.mu.Unlock()
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fakeSDP}, nil
}

func (f *fakeConnector) CreateAnswer(context.Context) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fakeSDP}, nil
}

func (f *fakeConnector) SetLocalDescription(d webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.localDesc = &d
	return nil
}

func (f *fakeConnector) SetRemoteDescription(d webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remoteDesc = &d
	return nil
}

func (f *fakeConnector) AddICECandidate(ci webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, ci)
	return nil
}

func (f *fakeConnector) GetStats() (core.ConnectionStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats, f.statsErr
}

func (f *fakeConnector) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onICE = fn
}

func (f *fakeConnector) OnConnectivityChange(fn func(core.Connectivity)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onConn = fn
}

func (f *fakeConnector) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeConnector) connectivity(c core.Connectivity) {
	f.mu.Lock()
	fn := f.onConn
	f.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

func (f *fakeConnector) remoteSDP() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remoteDesc == nil {
		return ""
	}
	return f.remoteDesc.SDP
}

// fakeFactory hands out one connector per remote and remembers it so
// the test can poke connectivity.
type fakeFactory struct {
	mu       sync.Mutex
	conns    map[domain.SessionID]*fakeConnector
	offerErr error
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{conns: make(map[domain.SessionID]*fakeConnector)}
}

func (f *fakeFactory) make(remote domain.SessionID) (core.PeerConnector, error) {
	c := newFakeConnector()
	f.mu.Lock()
	c.offerErr = f.offerErr
	f.conns[remote] = c
	f.mu.Unlock()
	return c, nil
}

func (f *fakeFactory) conn(remote domain.SessionID) *fakeConnector {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[remote]
}

// link is an in-memory signaling path to the other orchestrator. It
// plays the client's part of resolving correlated statistics replies
// instead of looping them back into a peer machine.
type link struct {
	mu           sync.Mutex
	to           *call.Orchestrator
	drop         bool
	statsReplies chan core.Envelope
}

func (l *link) Send(env core.Envelope) error {
	l.mu.Lock()
	to, drop := l.to, l.drop
	l.mu.Unlock()
	if drop || to == nil {
		return nil
	}
	if env.Type == core.TypeStatsRequest && env.CorrelationID != "" && l.statsReplies != nil {
		l.statsReplies <- env
		return nil
	}
	to.HandleEnvelope(env)
	return nil
}

type recorder struct {
	mu       sync.Mutex
	failures []error
	disc     int
}

func (r *recorder) onFailure(_ domain.SessionID, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, err)
}

func (r *recorder) onDisconnect(domain.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disc++
}

func (r *recorder) failureCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.failures)
}

func (r *recorder) disconnects() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disc
}

type side struct {
	id      domain.SessionID
	orch    *call.Orchestrator
	factory *fakeFactory
	link    *link
	rec     *recorder
}

func newSide(id domain.SessionID, opts ...call.Option) *side {
	s := &side{
		id:      id,
		factory: newFakeFactory(),
		link:    &link{statsReplies: make(chan core.Envelope, 1)},
		rec:     &recorder{},
	}
	opts = append(opts,
		call.WithFailureListener(s.rec.onFailure),
		call.WithDisconnectListener(s.rec.onDisconnect),
	)
	s.orch = call.New(id, s.link, s.factory.make, opts...)
	return s
}

// newPair wires two orchestrators back to back.
func newPair(t *testing.T, opts ...call.Option) (alice, bob *side) {
	t.Helper()
	alice = newSide("alice", opts...)
	bob = newSide("bob", opts...)
	alice.link.to = bob.orch
	bob.link.to = alice.orch
	t.Cleanup(func() {
		alice.orch.Shutdown()
		bob.orch.Shutdown()
	})
	return alice, bob
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (s *side) inState(peer domain.SessionID, want call.State) func() bool {
	return func() bool {
		st, ok := s.orch.StateOf(peer)
		return ok && st == want
	}
}

// connect drives a pair to CONNECTED on both sides.
func connect(t *testing.T, alice, bob *side) {
	t.Helper()
	if err := alice.orch.Call(bob.id); err != nil {
		t.Fatalf("call: %v", err)
	}
	waitFor(t, "callee to answer", func() bool { return bob.factory.conn(alice.id) != nil })
	waitFor(t, "caller to reach NEGOTIATING", alice.inState(bob.id, call.StateNegotiating))

	alice.factory.conn(bob.id).connectivity(core.ConnectivityUp)
	bob.factory.conn(alice.id).connectivity(core.ConnectivityUp)
	waitFor(t, "caller CONNECTED", alice.inState(bob.id, call.StateConnected))
	waitFor(t, "callee CONNECTED", bob.inState(alice.id, call.StateConnected))
}

func TestCallHandshake(t *testing.T) {
	alice, bob := newPair(t)

	if err := alice.orch.Call(bob.id); err != nil {
		t.Fatalf("call: %v", err)
	}
	if got := alice.orch.GetConnectStatus(bob.id); got != call.Connecting {
		t.Fatalf("status after Call = %s, want CONNECTING", got)
	}

	waitFor(t, "caller NEGOTIATING", alice.inState(bob.id, call.StateNegotiating))
	waitFor(t, "callee NEGOTIATING", bob.inState(alice.id, call.StateNegotiating))

	alice.factory.conn(bob.id).connectivity(core.ConnectivityUp)
	bob.factory.conn(alice.id).connectivity(core.ConnectivityUp)
	waitFor(t, "caller CONNECTED", alice.inState(bob.id, call.StateConnected))
	waitFor(t, "callee CONNECTED", bob.inState(alice.id, call.StateConnected))

	if got := alice.orch.GetConnectStatus(bob.id); got != call.IsConnected {
		t.Fatalf("status = %s, want IS_CONNECTED", got)
	}
	if got := bob.orch.GetConnectStatus(alice.id); got != call.IsConnected {
		t.Fatalf("callee status = %s, want IS_CONNECTED", got)
	}
}

func TestBandwidthFilterAppliedToOffer(t *testing.T) {
	alice, bob := newPair(t)
	alice.orch.SetSDPFilters(
		sdpfilter.New(domain.FilterRule{Direction: domain.DirectionSend, Kind: domain.KindAudio, BitrateKbps: 64}),
		sdpfilter.Filter{},
	)

	if err := alice.orch.Call(bob.id); err != nil {
		t.Fatalf("call: %v", err)
	}
	waitFor(t, "callee to receive the offer", func() bool {
		c := bob.factory.conn(alice.id)
		return c != nil && c.remoteSDP() != ""
	})
	if sdp := bob.factory.conn(alice.id).remoteSDP(); !strings.Contains(sdp, "b=AS:64") {
		t.Fatalf("offer reached callee without bandwidth line:\n%s", sdp)
	}
}

func TestHangupTearsDownBothSides(t *testing.T) {
	alice, bob := newPair(t)
	connect(t, alice, bob)

	if err := alice.orch.Hangup(bob.id); err != nil {
		t.Fatalf("hangup: %v", err)
	}
	waitFor(t, "caller teardown", func() bool {
		_, ok := alice.orch.StateOf(bob.id)
		return !ok
	})
	waitFor(t, "callee teardown", func() bool {
		_, ok := bob.orch.StateOf(alice.id)
		return !ok
	})
	waitFor(t, "disconnect listeners", func() bool {
		return alice.rec.disconnects() == 1 && bob.rec.disconnects() == 1
	})

	if got := alice.orch.GetConnectStatus(bob.id); got != call.NotConnected {
		t.Fatalf("status after hangup = %s", got)
	}
	err := alice.orch.Hangup(bob.id)
	if !core.IsCode(err, core.CodeNoActiveCall) {
		t.Fatalf("second hangup: want no_active_call, got %v", err)
	}
}

func TestRenegotiateKeepsCallConnected(t *testing.T) {
	alice, bob := newPair(t)
	connect(t, alice, bob)

	if err := alice.orch.Renegotiate(bob.id); err != nil {
		t.Fatalf("renegotiate: %v", err)
	}
	// An ICE restart never demotes the coarse status.
	if got := alice.orch.GetConnectStatus(bob.id); got != call.IsConnected {
		t.Fatalf("status during renegotiation = %s, want IS_CONNECTED", got)
	}
	alice.factory.conn(bob.id).mu.Lock()
	restart := alice.factory.conn(bob.id).lastRestart
	alice.factory.conn(bob.id).mu.Unlock()
	if !restart {
		t.Fatal("renegotiation offer was created without ice restart")
	}

	waitFor(t, "callee RENEGOTIATING", bob.inState(alice.id, call.StateRenegotiating))
	alice.factory.conn(bob.id).connectivity(core.ConnectivityUp)
	bob.factory.conn(alice.id).connectivity(core.ConnectivityUp)
	waitFor(t, "caller CONNECTED again", alice.inState(bob.id, call.StateConnected))
	waitFor(t, "callee CONNECTED again", bob.inState(alice.id, call.StateConnected))

	if alice.rec.failureCount() != 0 || bob.rec.failureCount() != 0 {
		t.Fatal("renegotiation reported a failure")
	}
}

func TestRenegotiateRequiresConnected(t *testing.T) {
	alice, bob := newPair(t)

	err := alice.orch.Renegotiate(bob.id)
	if !core.IsCode(err, core.CodeNoActiveCall) {
		t.Fatalf("renegotiate without call: want no_active_call, got %v", err)
	}

	if err := alice.orch.Call(bob.id); err != nil {
		t.Fatalf("call: %v", err)
	}
	// Negotiation is still in flight, restart must be refused.
	err = alice.orch.Renegotiate(bob.id)
	if !core.IsCode(err, core.CodeNoActiveCall) {
		t.Fatalf("renegotiate mid-negotiation: want no_active_call, got %v", err)
	}
}

func TestNegotiationTimeoutFailsCall(t *testing.T) {
	alice := newSide("alice", call.WithNegotiationTimeout(40*time.Millisecond))
	alice.link.drop = true
	t.Cleanup(alice.orch.Shutdown)

	if err := alice.orch.Call("bob"); err != nil {
		t.Fatalf("call: %v", err)
	}
	waitFor(t, "failure listener", func() bool { return alice.rec.failureCount() == 1 })

	alice.rec.mu.Lock()
	err := alice.rec.failures[0]
	alice.rec.mu.Unlock()
	if !core.IsCode(err, core.CodeNegotiation) {
		t.Fatalf("failure code: want negotiation_error, got %v", err)
	}
	if got := alice.orch.GetConnectStatus("bob"); got != call.NotConnected {
		t.Fatalf("status after timeout = %s", got)
	}

	// One report per call, no duplicates.
	time.Sleep(100 * time.Millisecond)
	if n := alice.rec.failureCount(); n != 1 {
		t.Fatalf("failure reported %d times", n)
	}
}

func TestConnectivityLossMidCallFails(t *testing.T) {
	alice, bob := newPair(t, call.WithNegotiationTimeout(200*time.Millisecond))
	connect(t, alice, bob)

	// The transport drops and never recovers; the grace window expires.
	alice.factory.conn(bob.id).connectivity(core.ConnectivityDown)
	waitFor(t, "failure listener", func() bool { return alice.rec.failureCount() == 1 })

	alice.rec.mu.Lock()
	err := alice.rec.failures[0]
	alice.rec.mu.Unlock()
	if !core.IsCode(err, core.CodeNegotiation) {
		t.Fatalf("failure code: want negotiation_error, got %v", err)
	}
	if got := alice.orch.GetConnectStatus(bob.id); got != call.NotConnected {
		t.Fatalf("status after loss = %s", got)
	}
	if _, ok := alice.orch.StateOf(bob.id); ok {
		t.Fatal("failed call still resolvable")
	}
	// A failed call is not a clean disconnect.
	if n := alice.rec.disconnects(); n != 0 {
		t.Fatalf("disconnect listener fired %d times for a failure", n)
	}

	// Exactly one report.
	time.Sleep(250 * time.Millisecond)
	if n := alice.rec.failureCount(); n != 1 {
		t.Fatalf("failure reported %d times", n)
	}
	// The peer that saw nothing stays connected.
	if st, ok := bob.orch.StateOf(alice.id); !ok || st != call.StateConnected {
		t.Fatalf("unaffected peer decayed: state=%v ok=%v", st, ok)
	}
}

func TestConnectivityBlipRecovers(t *testing.T) {
	alice, bob := newPair(t, call.WithNegotiationTimeout(300*time.Millisecond))
	connect(t, alice, bob)

	alice.factory.conn(bob.id).connectivity(core.ConnectivityDown)
	alice.factory.conn(bob.id).connectivity(core.ConnectivityUp)

	time.Sleep(500 * time.Millisecond)
	if st, ok := alice.orch.StateOf(bob.id); !ok || st != call.StateConnected {
		t.Fatalf("recovered call decayed: state=%v ok=%v", st, ok)
	}
	if alice.rec.failureCount() != 0 {
		t.Fatal("recovered blip reported a failure")
	}
}

func TestRenegotiationTimeoutFails(t *testing.T) {
	alice, bob := newPair(t, call.WithNegotiationTimeout(200*time.Millisecond))
	connect(t, alice, bob)

	// The restart offer vanishes; no answer ever comes back.
	alice.link.mu.Lock()
	alice.link.drop = true
	alice.link.mu.Unlock()

	if err := alice.orch.Renegotiate(bob.id); err != nil {
		t.Fatalf("renegotiate: %v", err)
	}
	waitFor(t, "failure listener", func() bool { return alice.rec.failureCount() == 1 })

	alice.rec.mu.Lock()
	err := alice.rec.failures[0]
	alice.rec.mu.Unlock()
	if !core.IsCode(err, core.CodeNegotiation) {
		t.Fatalf("failure code: want negotiation_error, got %v", err)
	}
	// FAILED, not a stale CONNECTED.
	if got := alice.orch.GetConnectStatus(bob.id); got != call.NotConnected {
		t.Fatalf("status after restart timeout = %s", got)
	}
	if _, ok := alice.orch.StateOf(bob.id); ok {
		t.Fatal("failed call still resolvable")
	}
}

func TestTimeoutDisarmedByConnectivity(t *testing.T) {
	alice, bob := newPair(t, call.WithNegotiationTimeout(500*time.Millisecond))
	connect(t, alice, bob)

	time.Sleep(1200 * time.Millisecond)
	if st, ok := alice.orch.StateOf(bob.id); !ok || st != call.StateConnected {
		t.Fatalf("call decayed after connect: state=%v ok=%v", st, ok)
	}
	if alice.rec.failureCount() != 0 {
		t.Fatal("spurious failure after successful connect")
	}
}

func TestSecondCallReplacesFirst(t *testing.T) {
	alice, bob := newPair(t)
	if err := alice.orch.Call(bob.id); err != nil {
		t.Fatalf("first call: %v", err)
	}
	first := alice.factory.conn(bob.id)

	if err := alice.orch.Call(bob.id); err != nil {
		t.Fatalf("second call: %v", err)
	}
	waitFor(t, "old connector closed", func() bool {
		first.mu.Lock()
		defer first.mu.Unlock()
		return first.closed
	})
	if got := alice.orch.GetConnectStatus(bob.id); got != call.Connecting {
		t.Fatalf("status after replacement = %s", got)
	}
}

func TestOfferFailureReportedOnceToCaller(t *testing.T) {
	alice := newSide("alice")
	t.Cleanup(alice.orch.Shutdown)
	alice.factory.offerErr = errors.New("encoder gone")

	err := alice.orch.Call("bob")
	if !core.IsCode(err, core.CodeNegotiation) {
		t.Fatalf("want negotiation_error from Call, got %v", err)
	}
	if got := alice.orch.GetConnectStatus("bob"); got != call.NotConnected {
		t.Fatalf("status after failed offer = %s", got)
	}

	// The caller already has the error; the listener must stay quiet.
	time.Sleep(100 * time.Millisecond)
	if n := alice.rec.failureCount(); n != 0 {
		t.Fatalf("caller-visible failure also hit the listener %d times", n)
	}
}

func TestStraySignalsIgnored(t *testing.T) {
	alice := newSide("alice")
	t.Cleanup(alice.orch.Shutdown)

	// Anything but an offer must not conjure up a peer machine.
	payload, _ := json.Marshal(core.CandidatePayload{Candidate: "candidate:0"})
	alice.orch.HandleEnvelope(core.Envelope{Type: core.TypeCandidate, Sender: "ghost", Target: "alice", Payload: payload})
	alice.orch.HandleEnvelope(core.Envelope{Type: core.TypeAnswer, Sender: "ghost", Target: "alice"})
	alice.orch.HandleEnvelope(core.Envelope{Type: core.TypeHangup, Sender: "ghost", Target: "alice"})
	alice.orch.HandleEnvelope(core.Envelope{Type: core.TypeRoomState, Sender: "ghost"})

	if _, ok := alice.orch.StateOf("ghost"); ok {
		t.Fatal("stray signal created a peer machine")
	}
}

func TestIncomingOfferSpawnsCallee(t *testing.T) {
	alice, bob := newPair(t)
	if err := alice.orch.Call(bob.id); err != nil {
		t.Fatalf("call: %v", err)
	}
	waitFor(t, "callee machine", func() bool {
		_, ok := bob.orch.StateOf(alice.id)
		return ok
	})
	waitFor(t, "callee answered", bob.inState(alice.id, call.StateNegotiating))

	// The callee's answer must exist on the callee's own connector.
	c := bob.factory.conn(alice.id)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.localDesc == nil || c.localDesc.Type != webrtc.SDPTypeAnswer {
		t.Fatalf("callee local description: %+v", c.localDesc)
	}
}

func TestStatsRequestAnswered(t *testing.T) {
	alice, bob := newPair(t)
	connect(t, alice, bob)

	alice.orch.HandleEnvelope(core.Envelope{
		Type:          core.TypeStatsRequest,
		Sender:        bob.id,
		Target:        alice.id,
		CorrelationID: "s1",
	})

	select {
	case env := <-alice.link.statsReplies:
		if env.CorrelationID != "s1" || env.Target != bob.id {
			t.Fatalf("bad stats reply envelope: %+v", env)
		}
		var stats core.ConnectionStats
		if err := json.Unmarshal(env.Payload, &stats); err != nil {
			t.Fatalf("stats payload: %v", err)
		}
		if stats.Metrics["rtt_seconds"] != 0.05 {
			t.Fatalf("stats payload lost metrics: %+v", stats)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no stats reply")
	}
}

func TestShutdownDisconnectsAllCalls(t *testing.T) {
	alice, bob := newPair(t)
	connect(t, alice, bob)

	alice.orch.Shutdown()
	waitFor(t, "local teardown", func() bool {
		_, ok := alice.orch.StateOf(bob.id)
		return !ok
	})
	waitFor(t, "disconnect listener", func() bool { return alice.rec.disconnects() == 1 })
	if got := alice.orch.GetConnectStatus(bob.id); got != call.NotConnected {
		t.Fatalf("status after shutdown = %s", got)
	}
}
