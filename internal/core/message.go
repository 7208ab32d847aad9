package core

import (
	"encoding/json"

	"github.com/pion/sdp/v3"

	"github.com/avolkov/parley/internal/domain"
)

type MsgType string

const (
	TypeAuth         MsgType = "auth"
	TypeRoomJoin     MsgType = "roomJoin"
	TypeRoomLeave    MsgType = "roomLeave"
	TypeOffer        MsgType = "offer"
	TypeAnswer       MsgType = "answer"
	TypeCandidate    MsgType = "candidate"
	TypeRenegotiate  MsgType = "renegotiate"
	TypeHangup       MsgType = "hangup"
	TypeStatsRequest MsgType = "statsRequest"

	// Server-originated types.
	TypeSuccess   MsgType = "success"
	TypeError     MsgType = "error"
	TypeRoomState MsgType = "roomState"
)

// Envelope is the transport-agnostic message frame. The relay overwrites
// Sender with the authenticated session id before routing, so clients
// cannot spoof each other.
type Envelope struct {
	Type          MsgType          `json:"type"`
	Sender        domain.SessionID `json:"sender,omitempty"`
	Target        domain.SessionID `json:"target,omitempty"`
	Room          domain.RoomName  `json:"room,omitempty"`
	CorrelationID string           `json:"correlationId,omitempty"`
	Payload       json.RawMessage  `json:"payload,omitempty"`
}

type AuthPayload struct {
	AppKey      string `json:"appKey"`
	DisplayName string `json:"displayName"`
}

type JoinPayload struct {
	AutoCreate bool `json:"autoCreate"`
}

// DescriptionPayload carries an offer or answer SDP.
type DescriptionPayload struct {
	SDP string `json:"sdp"`
}

type CandidatePayload struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex,omitempty"`
}

// Occupant is the public view of a room member (no transport fields).
type Occupant struct {
	ID          domain.SessionID `json:"id"`
	DisplayName string           `json:"display_name"`
}

// RoomStatePayload is the occupant snapshot broadcast on every
// membership change. Seq is a per-room counter so observers can verify
// they saw changes in the order the registry applied them.
type RoomStatePayload struct {
	Room      domain.RoomName `json:"room"`
	Seq       uint64          `json:"seq"`
	Occupants []Occupant      `json:"occupants"`
}

type SessionPayload struct {
	ID          domain.SessionID `json:"id"`
	DisplayName string           `json:"display_name"`
}

type ErrorPayload struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message,omitempty"`
}

// callTargeted lists the types the relay delivers peer-to-peer.
func (t MsgType) callTargeted() bool {
	switch t {
	case TypeOffer, TypeAnswer, TypeCandidate, TypeRenegotiate, TypeHangup, TypeStatsRequest:
		return true
	}
	return false
}

// Targeted reports whether the type is routed to a single session
// rather than handled by the registry.
func (t MsgType) Targeted() bool { return t.callTargeted() }

// Validate checks the envelope at the relay boundary before dispatch.
// Description-bearing payloads must parse as SDP; malformed input is
// rejected here rather than at the remote peer.
func (e *Envelope) Validate() error {
	switch e.Type {
	case TypeAuth:
		var p AuthPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return Wrap(CodeAuth, "malformed auth payload", err)
		}
		return nil
	case TypeRoomJoin, TypeRoomLeave:
		if err := domain.ValidateRoomName(e.Room); err != nil {
			return Wrap(CodeRoom, "invalid room", err)
		}
		return nil
	case TypeOffer, TypeAnswer, TypeRenegotiate:
		if e.Target == "" {
			return Errf(CodeDelivery, "%s without target", e.Type)
		}
		return validateDescription(e.Payload)
	case TypeCandidate, TypeHangup, TypeStatsRequest:
		if e.Target == "" {
			return Errf(CodeDelivery, "%s without target", e.Type)
		}
		return nil
	default:
		return Errf(CodeDelivery, "unknown message type %q", e.Type)
	}
}

func validateDescription(raw json.RawMessage) error {
	var p DescriptionPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Wrap(CodeNegotiation, "malformed description payload", err)
	}
	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(p.SDP)); err != nil {
		return Wrap(CodeNegotiation, "malformed sdp", err)
	}
	return nil
}
