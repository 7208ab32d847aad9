package rtc

import (
	"context"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/avolkov/parley/internal/core"
	"github.com/avolkov/parley/internal/domain"
)

// PeerConnection adapts a pion PeerConnection to the capability the
// call layer expects. Owned exclusively by one peer pair's machine.
type PeerConnection struct {
	pc     *webrtc.PeerConnection
	remote domain.SessionID
	onICE  func(webrtc.ICECandidateInit)
	onConn func(core.Connectivity)
}

func DefaultConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: []string{"stun:stun.l.google.com:19302"},
			},
		},
	}
}

func New(cfg webrtc.Configuration, remote domain.SessionID) (*PeerConnection, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	return &PeerConnection{pc: pc, remote: remote}, nil
}

// Start wires the pion callbacks. The listener fields are read at
// dispatch time, so the call layer may install them after Start.
func (c *PeerConnection) Start() error {
	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "rtc").Str("peer", string(c.remote)).Str("ice_state", s.String()).Msg("ICE state")
		if c.onConn == nil {
			return
		}
		switch s {
		case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
			c.onConn(core.ConnectivityUp)
		case webrtc.ICEConnectionStateDisconnected, webrtc.ICEConnectionStateFailed, webrtc.ICEConnectionStateClosed:
			c.onConn(core.ConnectivityDown)
		}
	})

	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand != nil && c.onICE != nil {
			c.onICE(cand.ToJSON())
		}
	})

	return nil
}

func (c *PeerConnection) CreateOffer(ctx context.Context, iceRestart bool) (webrtc.SessionDescription, error) {
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	offer, err := c.pc.CreateOffer(opts)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	return offer, nil
}

func (c *PeerConnection) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	return answer, nil
}

func (c *PeerConnection) SetLocalDescription(d webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(d)
}

func (c *PeerConnection) SetRemoteDescription(d webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(d)
}

func (c *PeerConnection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

// GetStats flattens the interesting pion report entries into the flat
// metric map the statistics monitor ships to sinks.
func (c *PeerConnection) GetStats() (core.ConnectionStats, error) {
	report := c.pc.GetStats()
	out := core.ConnectionStats{
		Timestamp: time.Now(),
		Metrics:   make(map[string]float64),
	}
	for _, s := range report {
		switch v := s.(type) {
		case webrtc.TransportStats:
			out.Metrics["transport.bytesSent"] = float64(v.BytesSent)
			out.Metrics["transport.bytesReceived"] = float64(v.BytesReceived)
		case webrtc.ICECandidatePairStats:
			if v.State != webrtc.StatsICECandidatePairStateSucceeded {
				continue
			}
			out.Metrics["pair.currentRoundTripTime"] = v.CurrentRoundTripTime
			out.Metrics["pair.availableOutgoingBitrate"] = v.AvailableOutgoingBitrate
		case webrtc.InboundRTPStreamStats:
			out.Metrics["inbound."+v.Kind+".packetsReceived"] = float64(v.PacketsReceived)
			out.Metrics["inbound."+v.Kind+".packetsLost"] = float64(v.PacketsLost)
			out.Metrics["inbound."+v.Kind+".jitter"] = v.Jitter
		case webrtc.OutboundRTPStreamStats:
			out.Metrics["outbound."+v.Kind+".packetsSent"] = float64(v.PacketsSent)
			out.Metrics["outbound."+v.Kind+".bytesSent"] = float64(v.BytesSent)
		}
	}
	return out, nil
}

func (c *PeerConnection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.onICE = fn
}

func (c *PeerConnection) OnConnectivityChange(fn func(core.Connectivity)) {
	c.onConn = fn
}

func (c *PeerConnection) Close() {
	if c.pc != nil {
		if err := c.pc.Close(); err != nil {
			log.Error().Err(err).Str("module", "rtc").Str("peer", string(c.remote)).Msg("close error")
		}
	}
}

// Factory builds started receive-only connections for the
// orchestrator. Applications that publish media supply their own
// factory and add tracks before handing the connection over.
// Construction failures surface as media-coded errors.
func Factory(cfg webrtc.Configuration) core.PeerConnectorFactory {
	return func(remote domain.SessionID) (core.PeerConnector, error) {
		c, err := New(cfg, remote)
		if err != nil {
			return nil, core.Wrap(core.CodeMedia, "peer connection unavailable", err)
		}
		// At least one transceiver, otherwise there is nothing to
		// negotiate and ICE never starts.
		if _, err := c.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			c.Close()
			return nil, core.Wrap(core.CodeMedia, "add audio transceiver", err)
		}
		if err := c.Start(); err != nil {
			c.Close()
			return nil, core.Wrap(core.CodeMedia, "peer connection start", err)
		}
		return c, nil
	}
}
