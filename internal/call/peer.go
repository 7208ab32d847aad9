package call

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/avolkov/parley/internal/core"
	"github.com/avolkov/parley/internal/domain"
)

type eventKind int

const (
	evCall eventKind = iota
	evHangup
	evRenegotiate
	evEnvelope
	evConnectivity
	evTimeout
)

type event struct {
	kind eventKind
	env  core.Envelope
	conn core.Connectivity
	gen  uint64
	errc chan error
}

func (ev event) reply(err error) {
	if ev.errc != nil {
		ev.errc <- err
	}
}

// peerCall is the per-pair state machine. Every transition runs on the
// run() goroutine; the only cross-goroutine access is the atomic state
// word and posting events.
type peerCall struct {
	remote domain.SessionID
	orch   *Orchestrator
	pc     core.PeerConnector
	log    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	events chan event

	st atomic.Int32

	// Actor-goroutine state below.
	localSet  bool
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	timer     *time.Timer
	timerGen  uint64
	reported  bool
	notified  bool
}

func (p *peerCall) state() State { return State(p.st.Load()) }

func (p *peerCall) toState(s State) {
	old := p.state()
	if old == s {
		return
	}
	p.st.Store(int32(s))
	p.log.Debug().Str("from", old.String()).Str("to", s.String()).Msg("call state")
	if fn := p.orch.onState; fn != nil {
		fn(p.remote, s)
	}
}

// post queues an event for the actor. Returns false when the pair is
// already torn down; the caller drops the event.
func (p *peerCall) post(ev event) bool {
	select {
	case p.events <- ev:
		return true
	case <-p.ctx.Done():
		return false
	}
}

// command posts and waits for the actor's answer. A concurrent teardown
// aborts the wait without error; hangup and teardown are idempotent.
func (p *peerCall) command(ev event) error {
	ev.errc = make(chan error, 1)
	select {
	case p.events <- ev:
	case <-p.ctx.Done():
		return core.Errf(core.CodeNoActiveCall, "call with %s already torn down", p.remote)
	}
	select {
	case err := <-ev.errc:
		return err
	case <-p.ctx.Done():
		return nil
	}
}

func (p *peerCall) run() {
	defer p.finish()
	for {
		select {
		case <-p.ctx.Done():
			p.toState(StateDisconnected)
			return
		case ev := <-p.events:
			if p.handle(ev) {
				return
			}
		}
	}
}

func (p *peerCall) finish() {
	p.stopTimer()
	p.pc.Close()
	p.cancel()
	p.orch.dropPeer(p)
	if p.state() == StateDisconnected && !p.notified {
		p.notified = true
		if fn := p.orch.onDisconnect; fn != nil {
			fn(p.remote)
		}
	}
}

// handle applies one event; true means the machine reached a terminal
// state and the actor exits.
func (p *peerCall) handle(ev event) bool {
	switch ev.kind {
	case evCall:
		return p.handleCall(ev)
	case evHangup:
		_ = p.send(core.TypeHangup, nil) // best effort
		p.toState(StateDisconnected)
		ev.reply(nil)
		return true
	case evRenegotiate:
		return p.handleRenegotiate(ev)
	case evEnvelope:
		return p.handleEnvelope(ev.env)
	case evConnectivity:
		return p.handleConnectivity(ev.conn)
	case evTimeout:
		if ev.gen != p.timerGen {
			return false // stale timer
		}
		return p.fail(core.Errf(core.CodeNegotiation, "negotiation timeout with %s", p.remote))
	}
	return false
}

func (p *peerCall) handleCall(ev event) bool {
	if p.state() != StateIdle {
		ev.reply(core.Errf(core.CodeNegotiation, "call to %s already in flight", p.remote))
		return false
	}
	p.toState(StateCalling)
	if err := p.sendOffer(false, core.TypeOffer); err != nil {
		// The waiting caller gets this error; the listener is for
		// failures nobody is waiting on.
		p.reported = true
		ev.reply(err)
		return p.fail(err)
	}
	p.toState(StateOfferSent)
	p.armTimer()
	ev.reply(nil)
	return false
}

func (p *peerCall) handleRenegotiate(ev event) bool {
	if p.state() != StateConnected {
		ev.reply(core.Errf(core.CodeNoActiveCall, "renegotiate: call with %s is %s, not CONNECTED", p.remote, p.state()))
		return false
	}
	p.toState(StateRenegotiating)
	if err := p.sendOffer(true, core.TypeRenegotiate); err != nil {
		p.reported = true
		ev.reply(err)
		return p.fail(err)
	}
	p.armTimer()
	ev.reply(nil)
	return false
}

// sendOffer creates, filters, installs and ships a fresh offer.
func (p *peerCall) sendOffer(iceRestart bool, typ core.MsgType) error {
	offer, err := p.pc.CreateOffer(p.ctx, iceRestart)
	if err != nil {
		return core.Wrap(core.CodeNegotiation, "create offer", err)
	}
	local, _ := p.orch.filters()
	offer.SDP = local.Apply(offer.SDP, domain.DirectionSend)
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return core.Wrap(core.CodeNegotiation, "set local description", err)
	}
	p.localSet = true
	if err := p.send(typ, core.DescriptionPayload{SDP: offer.SDP}); err != nil {
		return core.Wrap(core.CodeDelivery, "send offer", err)
	}
	return nil
}

func (p *peerCall) handleEnvelope(env core.Envelope) bool {
	switch env.Type {
	case core.TypeOffer:
		return p.handleRemoteOffer(env, false)
	case core.TypeRenegotiate:
		return p.handleRemoteOffer(env, true)
	case core.TypeAnswer:
		return p.handleRemoteAnswer(env)
	case core.TypeCandidate:
		return p.handleRemoteCandidate(env)
	case core.TypeHangup:
		p.toState(StateDisconnected)
		return true
	case core.TypeStatsRequest:
		p.handleStatsRequest(env)
	}
	return false
}

func (p *peerCall) handleRemoteOffer(env core.Envelope, restart bool) bool {
	st := p.state()
	if restart && st != StateConnected {
		p.log.Warn().Str("state", st.String()).Msg("discarding restart offer outside CONNECTED")
		return false
	}
	if !restart && st != StateIdle {
		p.log.Warn().Str("state", st.String()).Msg("discarding offer, call already in progress")
		return false
	}

	var desc core.DescriptionPayload
	if err := json.Unmarshal(env.Payload, &desc); err != nil {
		p.log.Error().Err(err).Msg("bad offer payload")
		return false
	}
	_, remote := p.orch.filters()
	offer := webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  remote.Apply(desc.SDP, domain.DirectionReceive),
	}
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return p.fail(core.Wrap(core.CodeNegotiation, "set remote offer", err))
	}
	p.remoteSet = true
	p.flushCandidates()

	answer, err := p.pc.CreateAnswer(p.ctx)
	if err != nil {
		return p.fail(core.Wrap(core.CodeNegotiation, "create answer", err))
	}
	local, _ := p.orch.filters()
	answer.SDP = local.Apply(answer.SDP, domain.DirectionSend)
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return p.fail(core.Wrap(core.CodeNegotiation, "set local answer", err))
	}
	p.localSet = true
	if err := p.send(core.TypeAnswer, core.DescriptionPayload{SDP: answer.SDP}); err != nil {
		return p.fail(core.Wrap(core.CodeDelivery, "send answer", err))
	}
	if restart {
		p.toState(StateRenegotiating)
	} else {
		p.toState(StateNegotiating)
	}
	p.armTimer()
	return false
}

func (p *peerCall) handleRemoteAnswer(env core.Envelope) bool {
	st := p.state()
	if st != StateOfferSent && st != StateRenegotiating {
		p.log.Warn().Str("state", st.String()).Msg("discarding unexpected answer")
		return false
	}
	var desc core.DescriptionPayload
	if err := json.Unmarshal(env.Payload, &desc); err != nil {
		p.log.Error().Err(err).Msg("bad answer payload")
		return false
	}
	_, remote := p.orch.filters()
	answer := webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  remote.Apply(desc.SDP, domain.DirectionReceive),
	}
	if err := p.pc.SetRemoteDescription(answer); err != nil {
		return p.fail(core.Wrap(core.CodeNegotiation, "set remote answer", err))
	}
	p.remoteSet = true
	p.flushCandidates()
	if st == StateOfferSent {
		p.toState(StateNegotiating)
	}
	// Timer stays armed until connectivity comes up.
	return false
}

func (p *peerCall) handleRemoteCandidate(env core.Envelope) bool {
	var cp core.CandidatePayload
	if err := json.Unmarshal(env.Payload, &cp); err != nil {
		p.log.Error().Err(err).Msg("bad candidate payload")
		return false
	}
	ci := webrtc.ICECandidateInit{Candidate: cp.Candidate}
	if cp.SDPMid != "" {
		ci.SDPMid = &cp.SDPMid
	}
	idx := cp.SDPMLineIndex
	ci.SDPMLineIndex = &idx

	if !p.remoteSet {
		// Candidates may race ahead of the description; hold them.
		p.pending = append(p.pending, ci)
		return false
	}
	if err := p.pc.AddICECandidate(ci); err != nil {
		p.log.Warn().Err(err).Msg("add ice candidate")
	}
	return false
}

func (p *peerCall) handleStatsRequest(env core.Envelope) {
	stats, err := p.pc.GetStats()
	if err != nil {
		p.log.Warn().Err(err).Msg("stats request failed")
		return
	}
	payload, err := json.Marshal(stats)
	if err != nil {
		p.log.Error().Err(err).Msg("marshal stats")
		return
	}
	_ = p.orch.signal.Send(core.Envelope{
		Type:          core.TypeStatsRequest,
		Sender:        p.orch.self,
		Target:        p.remote,
		CorrelationID: env.CorrelationID,
		Payload:       payload,
	})
}

func (p *peerCall) handleConnectivity(c core.Connectivity) bool {
	st := p.state()
	switch {
	case c == core.ConnectivityUp && (st == StateNegotiating || st == StateRenegotiating):
		p.stopTimer()
		p.toState(StateConnected)
	case c == core.ConnectivityUp && st == StateConnected:
		p.stopTimer() // recovered before the grace window expired
	case c == core.ConnectivityDown && st == StateConnected:
		// Grace window: fail only if the transport does not recover
		// within the negotiation timeout.
		p.armTimer()
	}
	return false
}

func (p *peerCall) flushCandidates() {
	for _, ci := range p.pending {
		if err := p.pc.AddICECandidate(ci); err != nil {
			p.log.Warn().Err(err).Msg("add queued ice candidate")
		}
	}
	p.pending = nil
}

func (p *peerCall) fail(err error) bool {
	p.stopTimer()
	p.toState(StateFailed)
	p.log.Error().Err(err).Msg("call failed")
	if !p.reported {
		p.reported = true
		if fn := p.orch.onFailure; fn != nil {
			fn(p.remote, err)
		}
	}
	return true
}

func (p *peerCall) armTimer() {
	p.stopTimer()
	gen := p.timerGen
	p.timer = time.AfterFunc(p.orch.timeout, func() {
		p.post(event{kind: evTimeout, gen: gen})
	})
}

// stopTimer also bumps the generation so an expiry already in flight is
// ignored by the actor.
func (p *peerCall) stopTimer() {
	p.timerGen++
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

// sendCandidate runs on the capability's callback goroutine; trickle
// ordering after the offer is preserved because gathering only starts
// once the local description is installed.
func (p *peerCall) sendCandidate(ci webrtc.ICECandidateInit) {
	payload := core.CandidatePayload{Candidate: ci.Candidate}
	if ci.SDPMid != nil {
		payload.SDPMid = *ci.SDPMid
	}
	if ci.SDPMLineIndex != nil {
		payload.SDPMLineIndex = *ci.SDPMLineIndex
	}
	if err := p.send(core.TypeCandidate, payload); err != nil {
		p.log.Warn().Err(err).Msg("send candidate")
	}
}

func (p *peerCall) send(typ core.MsgType, payload any) error {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		raw = b
	}
	return p.orch.signal.Send(core.Envelope{
		Type:    typ,
		Sender:  p.orch.self,
		Target:  p.remote,
		Payload: raw,
	})
}
