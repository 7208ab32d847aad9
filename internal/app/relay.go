package app

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/avolkov/parley/internal/core"
	"github.com/avolkov/parley/internal/domain"
	"github.com/avolkov/parley/internal/i18n"
)

// Relay routes inbound envelopes: presence operations go to the
// registry, call-signaling messages go straight to the target session's
// transport. Delivery is at-most-once; per-sender-per-target ordering
// holds because each client has a single read pump and each target a
// single ordered send queue.
type Relay struct {
	Registry *Registry
	Messages *i18n.Messages
}

func NewRelay(reg *Registry, msgs *i18n.Messages) *Relay {
	return &Relay{Registry: reg, Messages: msgs}
}

// Route handles one envelope from an authenticated session. Responses
// (success or error, correlated to the request) go back to the sender's
// own connection; routing failures are never silently dropped.
func (r *Relay) Route(sid domain.SessionID, conn core.SignalConnection, env core.Envelope) {
	// The transport identity wins over whatever the client wrote.
	env.Sender = sid

	if env.Type == core.TypeAuth {
		r.respondErr(conn, env.CorrelationID, core.Errf(core.CodeAuth, "already authenticated"))
		return
	}
	if err := env.Validate(); err != nil {
		log.Warn().Err(err).Str("module", "app.relay").Str("sid", string(sid)).Str("type", string(env.Type)).Msg("rejected envelope")
		r.respondErr(conn, env.CorrelationID, err)
		return
	}

	switch env.Type {
	case core.TypeRoomJoin:
		var p core.JoinPayload
		if len(env.Payload) > 0 {
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				r.respondErr(conn, env.CorrelationID, core.Wrap(core.CodeRoom, "malformed join payload", err))
				return
			}
		} else {
			p.AutoCreate = true
		}
		snap, err := r.Registry.Join(sid, env.Room, RoomParams{AutoCreate: p.AutoCreate})
		if err != nil {
			r.respondErr(conn, env.CorrelationID, err)
			return
		}
		r.respondOK(conn, env.CorrelationID, snap)
	case core.TypeRoomLeave:
		r.Registry.Leave(sid, env.Room)
		r.respondOK(conn, env.CorrelationID, nil)
	default:
		r.deliver(sid, conn, env)
	}
}

// deliver forwards a call-signaling envelope to the target's transport.
func (r *Relay) deliver(sid domain.SessionID, conn core.SignalConnection, env core.Envelope) {
	target, ok := r.Registry.Conn(env.Target)
	if !ok {
		r.respondErr(conn, env.CorrelationID, core.Errf(core.CodeDelivery, "unknown target session %s", env.Target))
		return
	}
	frame, err := json.Marshal(env)
	if err != nil {
		r.respondErr(conn, env.CorrelationID, core.Wrap(core.CodeDelivery, "marshal envelope", err))
		return
	}
	if err := target.TrySend(frame); err != nil {
		log.Warn().Err(err).Str("module", "app.relay").Str("sid", string(sid)).Str("target", string(env.Target)).Str("type", string(env.Type)).Msg("delivery failed")
		r.respondErr(conn, env.CorrelationID, core.Wrap(core.CodeDelivery, "target not accepting messages", err))
		return
	}
	log.Debug().Str("module", "app.relay").Str("sid", string(sid)).Str("target", string(env.Target)).Str("type", string(env.Type)).Msg("delivered")
}

func (r *Relay) respondOK(conn core.SignalConnection, corr string, payload any) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			log.Error().Err(err).Str("module", "app.relay").Msg("marshal response payload")
			return
		}
		raw = b
	}
	r.send(conn, core.Envelope{Type: core.TypeSuccess, CorrelationID: corr, Payload: raw})
}

func (r *Relay) respondErr(conn core.SignalConnection, corr string, err error) {
	code := core.CodeOf(err)
	p := core.ErrorPayload{Code: code, Message: err.Error()}
	if r.Messages != nil {
		p.Message = r.Messages.Text(code)
	}
	b, merr := json.Marshal(p)
	if merr != nil {
		log.Error().Err(merr).Str("module", "app.relay").Msg("marshal error payload")
		return
	}
	r.send(conn, core.Envelope{Type: core.TypeError, CorrelationID: corr, Payload: b})
}

func (r *Relay) send(conn core.SignalConnection, env core.Envelope) {
	frame, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Str("module", "app.relay").Msg("marshal response envelope")
		return
	}
	if err := conn.TrySend(frame); err != nil {
		log.Warn().Err(err).Str("module", "app.relay").Msg("response dropped")
	}
}
