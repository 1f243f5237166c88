package transport

import (
	"strings"

	"go.uber.org/zap"

	"github.com/vibepilot/vibepilot/internal/protocol"
)

// Class partitions message types across sub-channels. Control always
// rides the primary transport: signaling and session-lifecycle messages
// are control by definition, which avoids a bootstrapping cycle and
// keeps strict ordering for the types that need it.
type Class int

const (
	ClassControl Class = iota
	ClassInteractive
	ClassBulk
	ClassMedia
)

func (c Class) String() string {
	switch c {
	case ClassInteractive:
		return "interactive"
	case ClassBulk:
		return "bulk"
	case ClassMedia:
		return "media"
	default:
		return "control"
	}
}

// ClassOf returns the static channel class of a message type.
func ClassOf(t protocol.MsgType) Class {
	switch t {
	case protocol.TerminalInput, protocol.TerminalOutput:
		return ClassInteractive
	case protocol.ImageStart, protocol.ImageChunk, protocol.ImageComplete:
		return ClassBulk
	}
	if strings.HasPrefix(string(t), "stream:") {
		return ClassMedia
	}
	return ClassControl
}

// channelForClass maps non-control classes to secondary sub-channels.
var channelForClass = map[Class]string{
	ClassInteractive: ChannelTerminal,
	ClassBulk:        ChannelFiles,
	ClassMedia:       ChannelMedia,
}

// Router is the façade both sides use to send and receive. Outgoing
// messages are classified by type; the secondary transport's matching
// sub-channel is preferred when open, with a silent same-call fallback
// to the primary transport.
type Router struct {
	primary    Carrier
	secondary  Secondary
	logger     *zap.Logger
	onFallback func()
}

// NewRouter creates a router. secondary may be nil for primary-only
// operation.
func NewRouter(primary Carrier, secondary Secondary, logger *zap.Logger) *Router {
	return &Router{
		primary:   primary,
		secondary: secondary,
		logger:    logger,
	}
}

// Send encodes and routes one message. Callers never see an intermediate
// secondary-transport failure; an error surfaces only when both
// transports are unavailable.
func (r *Router) Send(t protocol.MsgType, payload any) error {
	env, err := protocol.Encode(t, payload)
	if err != nil {
		return err
	}
	return r.SendEnvelope(env)
}

// SendEnvelope routes an already-constructed envelope.
func (r *Router) SendEnvelope(env *protocol.Envelope) error {
	if label, ok := channelForClass[ClassOf(env.Type)]; ok && r.secondary != nil {
		if err := r.secondary.SendOn(label, env); err == nil {
			return nil
		}
		// Fall through to the primary transport in the same call.
		r.logger.Debug("secondary send fell back to primary",
			zap.String("type", string(env.Type)),
			zap.String("channel", label),
		)
		if r.onFallback != nil {
			r.onFallback()
		}
	}
	return r.primary.Send(env)
}

// OnFallback registers a hook invoked each time a secondary-preferred
// send falls back to the primary transport. Used for metrics.
func (r *Router) OnFallback(fn func()) {
	r.onFallback = fn
}

// On registers a handler on both transports, since either may deliver a
// given message type. The returned unsubscribe detaches from both.
func (r *Router) On(t protocol.MsgType, h Handler) func() {
	unsubs := []func(){r.primary.On(t, h)}
	if r.secondary != nil {
		unsubs = append(unsubs, r.secondary.On(t, h))
	}
	return merge(unsubs)
}

// OnAny registers a catch-all handler on both transports.
func (r *Router) OnAny(h Handler) func() {
	unsubs := []func(){r.primary.OnAny(h)}
	if r.secondary != nil {
		unsubs = append(unsubs, r.secondary.OnAny(h))
	}
	return merge(unsubs)
}

// ActiveTransport reflects only the secondary transport's own state.
// Observational: it does not gate sends.
func (r *Router) ActiveTransport() Path {
	if r.secondary != nil && r.secondary.State() == Connected {
		return PathSecondary
	}
	return PathPrimary
}

// merge aggregates several unsubscribe functions into one handle.
func merge(unsubs []func()) func() {
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}
