package core

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/avolkov/parley/internal/domain"
)

// Frame is a raw signaling payload (one marshaled envelope).
type Frame []byte

// SignalConnection abstracts a system messaging transport.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// Connectivity reports transport liveness of a peer connection.
type Connectivity int

const (
	ConnectivityDown Connectivity = iota
	ConnectivityUp
)

// PeerConnector is the peer-connection capability the call layer
// orchestrates. It never selects codecs or touches media itself.
type PeerConnector interface {
	// CreateOffer builds a fresh offer; iceRestart requests new transport
	// paths while keeping the call identity.
	CreateOffer(ctx context.Context, iceRestart bool) (webrtc.SessionDescription, error)
	// CreateAnswer answers the currently installed remote description.
	CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	GetStats() (ConnectionStats, error)
	// OnICECandidate sets a callback for newly gathered local candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	// OnConnectivityChange sets a callback for liveness transitions.
	OnConnectivityChange(func(Connectivity))
	// Close should stop all underlying transport resources.
	Close()
}

// PeerConnectorFactory builds the capability for one remote peer. It
// fails with a media-coded error when no local capability is available.
type PeerConnectorFactory func(remote domain.SessionID) (PeerConnector, error)
