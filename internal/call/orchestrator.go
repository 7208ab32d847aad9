// Package call drives the client-side per-peer call state machine:
// offer/answer exchange, bandwidth filtering, ICE restart and
// statistics polling, all over a signaling channel to the relay.
package call

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/avolkov/parley/internal/core"
	"github.com/avolkov/parley/internal/domain"
	"github.com/avolkov/parley/internal/sdpfilter"
)

const DefaultNegotiationTimeout = 15 * time.Second

// SignalChannel ships envelopes to the relay. Implemented by the
// websocket client adapter; tests use in-memory pipes.
type SignalChannel interface {
	Send(env core.Envelope) error
}

type Option func(*Orchestrator)

func WithNegotiationTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.timeout = d }
}

// WithFailureListener reports a call's transition to FAILED, once per
// call, with the distinguishing coded error.
func WithFailureListener(fn func(peer domain.SessionID, err error)) Option {
	return func(o *Orchestrator) { o.onFailure = fn }
}

// WithDisconnectListener reports a call's terminal disconnect, once per
// call.
func WithDisconnectListener(fn func(peer domain.SessionID)) Option {
	return func(o *Orchestrator) { o.onDisconnect = fn }
}

// WithStateListener observes every state transition. Used by tests and
// UIs; called from the peer's own goroutine, so keep it fast.
func WithStateListener(fn func(peer domain.SessionID, s State)) Option {
	return func(o *Orchestrator) { o.onState = fn }
}

// Orchestrator owns one peerCall per remote session. Each peerCall runs
// its transitions on a single goroutine; separate pairs are fully
// independent.
type Orchestrator struct {
	self    domain.SessionID
	signal  SignalChannel
	connect core.PeerConnectorFactory
	timeout time.Duration
	log     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.RWMutex
	peers        map[domain.SessionID]*peerCall
	localFilter  sdpfilter.Filter
	remoteFilter sdpfilter.Filter

	onFailure    func(peer domain.SessionID, err error)
	onDisconnect func(peer domain.SessionID)
	onState      func(peer domain.SessionID, s State)

	stats *Monitor
}

func New(self domain.SessionID, signal SignalChannel, factory core.PeerConnectorFactory, opts ...Option) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		self:    self,
		signal:  signal,
		connect: factory,
		timeout: DefaultNegotiationTimeout,
		log:     log.With().Str("module", "call").Str("self", string(self)).Logger(),
		ctx:     ctx,
		cancel:  cancel,
		peers:   make(map[domain.SessionID]*peerCall),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.stats = &Monitor{orch: o}
	return o
}

// SetSDPFilters installs the bandwidth filters: local applies to
// descriptions this side generates, remote to descriptions received
// from the peer. Takes effect on the next offer/answer.
func (o *Orchestrator) SetSDPFilters(local, remote sdpfilter.Filter) {
	o.mu.Lock()
	o.localFilter, o.remoteFilter = local, remote
	o.mu.Unlock()
}

func (o *Orchestrator) filters() (local, remote sdpfilter.Filter) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.localFilter, o.remoteFilter
}

// Call places a call to target. At-most-one live call per pair is the
// caller's contract, not enforced here: calling again while one is in
// flight abandons the previous state without a hangup notice. Hang up
// first for clean teardown.
func (o *Orchestrator) Call(target domain.SessionID) error {
	pc, err := o.connect(target)
	if err != nil {
		return err
	}
	p := o.spawn(target, pc)
	return p.command(event{kind: evCall})
}

// Hangup sends a best-effort hangup notice and tears the call down
// locally; delivery failure never blocks teardown.
func (o *Orchestrator) Hangup(target domain.SessionID) error {
	p, ok := o.peer(target)
	if !ok {
		return core.Errf(core.CodeNoActiveCall, "no call with %s", target)
	}
	return p.command(event{kind: evHangup})
}

// Renegotiate triggers an ICE restart on an established call. Valid
// only from CONNECTED; a missing peer state is rejected before any
// network activity.
func (o *Orchestrator) Renegotiate(target domain.SessionID) error {
	p, ok := o.peer(target)
	if !ok {
		return core.Errf(core.CodeNoActiveCall, "no call with %s", target)
	}
	return p.command(event{kind: evRenegotiate})
}

func (o *Orchestrator) GetConnectStatus(target domain.SessionID) ConnectStatus {
	p, ok := o.peer(target)
	if !ok {
		return NotConnected
	}
	return p.state().ConnectStatus()
}

// StateOf exposes the fine-grained state for monitoring.
func (o *Orchestrator) StateOf(target domain.SessionID) (State, bool) {
	p, ok := o.peer(target)
	if !ok {
		return StateIdle, false
	}
	return p.state(), true
}

// GetPeerStatistics starts periodic quality sampling for target; see
// Monitor.Poll.
func (o *Orchestrator) GetPeerStatistics(target domain.SessionID, interval time.Duration, sink core.StatsSink, filter core.StatsFilter) error {
	return o.stats.Poll(target, interval, sink, filter)
}

// HandleEnvelope feeds one relayed signaling message into the matching
// peer machine. An offer from an unknown peer spawns the callee-side
// machine; anything else for an unknown or torn-down pair is discarded,
// never resurrecting state.
func (o *Orchestrator) HandleEnvelope(env core.Envelope) {
	switch env.Type {
	case core.TypeOffer, core.TypeAnswer, core.TypeCandidate, core.TypeRenegotiate, core.TypeHangup, core.TypeStatsRequest:
	default:
		return
	}
	p, ok := o.peer(env.Sender)
	if !ok {
		if env.Type != core.TypeOffer {
			o.log.Debug().Str("peer", string(env.Sender)).Str("type", string(env.Type)).Msg("discarding signal for unknown peer")
			return
		}
		pc, err := o.connect(env.Sender)
		if err != nil {
			o.log.Error().Err(err).Str("peer", string(env.Sender)).Msg("cannot accept incoming offer")
			return
		}
		p = o.spawn(env.Sender, pc)
	}
	if !p.post(event{kind: evEnvelope, env: env}) {
		o.log.Debug().Str("peer", string(env.Sender)).Str("type", string(env.Type)).Msg("discarding signal for torn-down peer")
	}
}

// Shutdown tears down every peer machine, as on transport loss: each
// call independently moves to DISCONNECTED and fires its listener.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	peers := make([]*peerCall, 0, len(o.peers))
	for _, p := range o.peers {
		peers = append(peers, p)
	}
	o.mu.Unlock()
	for _, p := range peers {
		p.cancel()
	}
	o.cancel()
}

func (o *Orchestrator) peer(target domain.SessionID) (*peerCall, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	p, ok := o.peers[target]
	return p, ok
}

func (o *Orchestrator) spawn(remote domain.SessionID, pc core.PeerConnector) *peerCall {
	ctx, cancel := context.WithCancel(o.ctx)
	p := &peerCall{
		remote: remote,
		orch:   o,
		pc:     pc,
		log:    o.log.With().Str("peer", string(remote)).Logger(),
		ctx:    ctx,
		cancel: cancel,
		events: make(chan event, 16),
	}
	p.st.Store(int32(StateIdle))
	pc.OnConnectivityChange(func(c core.Connectivity) {
		p.post(event{kind: evConnectivity, conn: c})
	})
	pc.OnICECandidate(p.sendCandidate)

	o.mu.Lock()
	if old, ok := o.peers[remote]; ok {
		old.cancel()
	}
	o.peers[remote] = p
	o.mu.Unlock()

	go p.run()
	return p
}

// dropPeer removes p from the map unless it was already replaced by a
// newer machine for the same remote.
func (o *Orchestrator) dropPeer(p *peerCall) {
	o.mu.Lock()
	if cur, ok := o.peers[p.remote]; ok && cur == p {
		delete(o.peers, p.remote)
	}
	o.mu.Unlock()
}
