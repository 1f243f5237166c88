package transport

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/vibepilot/vibepilot/internal/protocol"
)

// Fixed sub-channel labels both peers agree on structurally. The
// initiator opens them up front; the responder discovers them via the
// incoming-channel event.
const (
	// ChannelTerminal carries interactive I/O: ordered, zero retransmits.
	// Lost frames are never retransmitted or reordered.
	ChannelTerminal = "terminal"
	// ChannelFiles carries bulk/file data: ordered, fully reliable.
	ChannelFiles = "files"
	// ChannelMedia carries live media frames: ordered, zero retransmits.
	ChannelMedia = "media"
)

// Secondary is the surface the router needs from the peer transport.
type Secondary interface {
	SendOn(label string, env *protocol.Envelope) error
	On(t protocol.MsgType, h Handler) func()
	OnAny(h Handler) func()
	State() State
}

// Peer is the secondary transport: a negotiated multi-stream WebRTC
// connection established opportunistically once the primary transport is
// up. Failure here is never fatal; it only removes the peer from
// consideration by the router.
type Peer struct {
	pc     *webrtc.PeerConnection
	logger *zap.Logger
	disp   *dispatcher

	mu            sync.Mutex
	state         State
	channels      map[string]*webrtc.DataChannel
	stateFns      []func(State)
	candidateFn   func(webrtc.ICECandidateInit)
	pendingRemote []webrtc.ICECandidateInit
	remoteSet     bool
}

// NewPeer creates a peer transport. stunServer may be empty for
// host-candidate-only environments (tests, same-host setups).
func NewPeer(stunServer string, logger *zap.Logger) (*Peer, error) {
	// Loopback candidates keep same-machine setups and tests working
	// where loopback is the only interface.
	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(true)
	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))

	var servers []webrtc.ICEServer
	if stunServer != "" {
		servers = append(servers, webrtc.ICEServer{URLs: []string{stunServer}})
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}

	p := &Peer{
		pc:       pc,
		logger:   logger,
		disp:     newDispatcher(),
		state:    Disconnected,
		channels: make(map[string]*webrtc.DataChannel),
	}

	pc.OnConnectionStateChange(p.handleConnectionState)
	pc.OnDataChannel(p.adoptChannel)
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		p.mu.Lock()
		fn := p.candidateFn
		p.mu.Unlock()
		if fn != nil {
			fn(c.ToJSON())
		}
	})

	return p, nil
}

// CreateOffer opens the fixed sub-channels and generates the local
// offer. Candidates trickle out through OnLocalCandidate as they are
// discovered.
func (p *Peer) CreateOffer() (string, error) {
	ordered := true
	var zeroRetransmits uint16 = 0

	configs := []struct {
		label string
		init  *webrtc.DataChannelInit
	}{
		{ChannelTerminal, &webrtc.DataChannelInit{Ordered: &ordered, MaxRetransmits: &zeroRetransmits}},
		{ChannelFiles, &webrtc.DataChannelInit{Ordered: &ordered}},
		{ChannelMedia, &webrtc.DataChannelInit{Ordered: &ordered, MaxRetransmits: &zeroRetransmits}},
	}

	for _, cfg := range configs {
		dc, err := p.pc.CreateDataChannel(cfg.label, cfg.init)
		if err != nil {
			return "", fmt.Errorf("creating %s channel: %w", cfg.label, err)
		}
		p.adoptChannel(dc)
	}

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("creating offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("setting local description: %w", err)
	}

	p.setState(Connecting)
	return offer.SDP, nil
}

// Answer accepts a remote offer and generates the local answer. The
// responder discovers the sub-channels through the incoming-channel
// event rather than opening them.
func (p *Peer) Answer(offerSDP string) (string, error) {
	err := p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offerSDP,
	})
	if err != nil {
		return "", fmt.Errorf("setting remote offer: %w", err)
	}
	p.flushPendingCandidates()

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("creating answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("setting local description: %w", err)
	}

	p.setState(Connecting)
	return answer.SDP, nil
}

// AcceptAnswer completes negotiation on the offering side.
func (p *Peer) AcceptAnswer(answerSDP string) error {
	err := p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answerSDP,
	})
	if err != nil {
		return fmt.Errorf("setting remote answer: %w", err)
	}
	p.flushPendingCandidates()
	return nil
}

// AddCandidate applies one remote network candidate. Candidates arriving
// before the remote description are held and applied afterwards.
func (p *Peer) AddCandidate(candidate webrtc.ICECandidateInit) error {
	p.mu.Lock()
	if !p.remoteSet {
		p.pendingRemote = append(p.pendingRemote, candidate)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	return p.pc.AddICECandidate(candidate)
}

func (p *Peer) flushPendingCandidates() {
	p.mu.Lock()
	p.remoteSet = true
	pending := p.pendingRemote
	p.pendingRemote = nil
	p.mu.Unlock()

	for _, candidate := range pending {
		if err := p.pc.AddICECandidate(candidate); err != nil {
			p.logger.Warn("applying held candidate", zap.Error(err))
		}
	}
}

// OnLocalCandidate registers the callback invoked for each locally
// discovered candidate, to be relayed as a signaling message.
func (p *Peer) OnLocalCandidate(fn func(webrtc.ICECandidateInit)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candidateFn = fn
}

// adoptChannel wires one data channel (locally created or discovered)
// into the open-channel set and the envelope dispatcher.
func (p *Peer) adoptChannel(dc *webrtc.DataChannel) {
	label := dc.Label()

	dc.OnOpen(func() {
		p.logger.Debug("data channel open", zap.String("label", label))
		p.mu.Lock()
		p.channels[label] = dc
		p.mu.Unlock()
	})

	dc.OnClose(func() {
		p.mu.Lock()
		if p.channels[label] == dc {
			delete(p.channels, label)
		}
		p.mu.Unlock()
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		env, err := protocol.Decode(msg.Data)
		if err != nil {
			p.logger.Warn("dropping malformed frame",
				zap.String("label", label),
				zap.Error(err),
			)
			return
		}
		p.disp.dispatch(env)
	})
}

// SendOn sends one envelope over the named sub-channel. It fails when
// the channel is not open; the router treats that as a fallback trigger,
// not an error.
func (p *Peer) SendOn(label string, env *protocol.Envelope) error {
	p.mu.Lock()
	dc, ok := p.channels[label]
	p.mu.Unlock()

	if !ok || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return fmt.Errorf("%w: channel %s", ErrNotConnected, label)
	}

	data, err := env.Marshal()
	if err != nil {
		return err
	}
	return dc.SendText(string(data))
}

// On registers a handler for one message type.
func (p *Peer) On(t protocol.MsgType, h Handler) func() {
	return p.disp.on(t, h)
}

// OnAny registers a catch-all handler.
func (p *Peer) OnAny(h Handler) func() {
	return p.disp.onAny(h)
}

// OnStateChange registers a callback for connection state transitions.
func (p *Peer) OnStateChange(fn func(State)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stateFns = append(p.stateFns, fn)
}

// State reports the current negotiation/connection state.
func (p *Peer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Close tears down the peer connection.
func (p *Peer) Close() error {
	err := p.pc.Close()
	p.setState(Disconnected)
	return err
}

func (p *Peer) handleConnectionState(state webrtc.PeerConnectionState) {
	p.logger.Info("peer connection state", zap.String("state", state.String()))

	switch state {
	case webrtc.PeerConnectionStateConnecting:
		p.setState(Connecting)
	case webrtc.PeerConnectionStateConnected:
		p.setState(Connected)
	case webrtc.PeerConnectionStateFailed:
		p.setState(Failed)
	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateClosed:
		p.setState(Disconnected)
	}
}

func (p *Peer) setState(next State) {
	p.mu.Lock()
	if p.state == next {
		p.mu.Unlock()
		return
	}
	if !p.state.CanTransition(next) {
		p.mu.Unlock()
		p.logger.Warn("illegal peer state transition dropped",
			zap.Stringer("from", p.state),
			zap.Stringer("to", next),
		)
		return
	}
	p.state = next
	fns := append([]func(State){}, p.stateFns...)
	p.mu.Unlock()

	for _, fn := range fns {
		fn(next)
	}
}
