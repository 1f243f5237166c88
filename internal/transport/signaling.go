package transport

import (
	"fmt"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/vibepilot/vibepilot/internal/protocol"
)

// Signaling relays connection-negotiation messages between the primary
// transport and the peer transport's negotiation engine. It is the only
// component that touches the engine directly: inbound signal:* envelopes
// become engine calls, and locally discovered candidates go back out as
// signal:candidate envelopes.
type Signaling struct {
	primary Carrier
	peer    *Peer
	logger  *zap.Logger
	unsubs  []func()
}

// NewSignaling creates a signaling relay between the given carriers.
func NewSignaling(primary Carrier, peer *Peer, logger *zap.Logger) *Signaling {
	return &Signaling{
		primary: primary,
		peer:    peer,
		logger:  logger,
	}
}

// Start registers the relay in both directions. Signaling failures are
// absorbed: a failed negotiation only leaves the secondary transport
// unavailable, it never disturbs primary traffic.
func (s *Signaling) Start() {
	s.peer.OnLocalCandidate(func(candidate webrtc.ICECandidateInit) {
		s.relay(protocol.SignalCandidate, protocol.CandidatePayload{
			Candidate:     candidate.Candidate,
			SDPMid:        candidate.SDPMid,
			SDPMLineIndex: candidate.SDPMLineIndex,
		})
	})

	s.unsubs = append(s.unsubs,
		s.primary.On(protocol.SignalOffer, s.handleOffer),
		s.primary.On(protocol.SignalAnswer, s.handleAnswer),
		s.primary.On(protocol.SignalCandidate, s.handleCandidate),
	)
}

// Offer initiates negotiation: generates the local offer with the
// sub-channels opened up front and emits it over the primary transport.
func (s *Signaling) Offer() error {
	sdp, err := s.peer.CreateOffer()
	if err != nil {
		return fmt.Errorf("creating offer: %w", err)
	}

	env, err := protocol.Encode(protocol.SignalOffer, protocol.SDPPayload{SDP: sdp})
	if err != nil {
		return err
	}
	return s.primary.Send(env)
}

// Stop detaches the relay from the primary transport.
func (s *Signaling) Stop() {
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil
}

func (s *Signaling) handleOffer(env *protocol.Envelope) {
	var payload protocol.SDPPayload
	if err := env.Into(&payload); err != nil {
		s.logger.Warn("dropping malformed offer", zap.Error(err))
		return
	}

	answer, err := s.peer.Answer(payload.SDP)
	if err != nil {
		s.logger.Warn("answering offer failed", zap.Error(err))
		return
	}

	s.relay(protocol.SignalAnswer, protocol.SDPPayload{SDP: answer})
}

func (s *Signaling) handleAnswer(env *protocol.Envelope) {
	var payload protocol.SDPPayload
	if err := env.Into(&payload); err != nil {
		s.logger.Warn("dropping malformed answer", zap.Error(err))
		return
	}

	if err := s.peer.AcceptAnswer(payload.SDP); err != nil {
		s.logger.Warn("accepting answer failed", zap.Error(err))
	}
}

func (s *Signaling) handleCandidate(env *protocol.Envelope) {
	var payload protocol.CandidatePayload
	if err := env.Into(&payload); err != nil {
		s.logger.Warn("dropping malformed candidate", zap.Error(err))
		return
	}

	err := s.peer.AddCandidate(webrtc.ICECandidateInit{
		Candidate:     payload.Candidate,
		SDPMid:        payload.SDPMid,
		SDPMLineIndex: payload.SDPMLineIndex,
	})
	if err != nil {
		s.logger.Warn("applying candidate failed", zap.Error(err))
	}
}

func (s *Signaling) relay(t protocol.MsgType, payload any) {
	env, err := protocol.Encode(t, payload)
	if err != nil {
		s.logger.Warn("encoding signal", zap.Stringer("type", zapType(t)), zap.Error(err))
		return
	}
	if err := s.primary.Send(env); err != nil {
		s.logger.Warn("relaying signal", zap.Stringer("type", zapType(t)), zap.Error(err))
	}
}

type zapType protocol.MsgType

func (t zapType) String() string { return string(t) }
