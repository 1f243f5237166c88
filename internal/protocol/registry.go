package protocol

// MsgType identifies the kind of message carried by an envelope. The set
// of types is closed: envelopes with a type outside the registry fail to
// decode.
type MsgType string

// Terminal session lifecycle and I/O.
const (
	TerminalCreate       MsgType = "terminal:create"
	TerminalCreated      MsgType = "terminal:created"
	TerminalInput        MsgType = "terminal:input"
	TerminalOutput       MsgType = "terminal:output"
	TerminalResize       MsgType = "terminal:resize"
	TerminalDestroy      MsgType = "terminal:destroy"
	TerminalDestroyed    MsgType = "terminal:destroyed"
	TerminalAttach       MsgType = "terminal:attach"
	TerminalAttached     MsgType = "terminal:attached"
	TerminalSubscribe    MsgType = "terminal:subscribe"
	TerminalSubscribed   MsgType = "terminal:subscribed"
	TerminalListSessions MsgType = "terminal:list-sessions"
	TerminalSessions     MsgType = "terminal:sessions"
	TerminalExit         MsgType = "terminal:exit"
)

// Secondary transport negotiation, relayed over the primary transport.
const (
	SignalOffer     MsgType = "signal:offer"
	SignalAnswer    MsgType = "signal:answer"
	SignalCandidate MsgType = "signal:candidate"
)

// Chunked media transfer.
const (
	ImageStart    MsgType = "image:start"
	ImageChunk    MsgType = "image:chunk"
	ImageComplete MsgType = "image:complete"
	ImageSaved    MsgType = "image:saved"
)

// Produced by the filesystem watch collaborator; the transport core only
// routes it.
const (
	FiletreeChanged MsgType = "filetree:changed"
)

// Connection-level notifications.
const (
	SystemHello MsgType = "system:hello"
	SystemError MsgType = "system:error"
)

var registry = map[MsgType]struct{}{
	TerminalCreate:       {},
	TerminalCreated:      {},
	TerminalInput:        {},
	TerminalOutput:       {},
	TerminalResize:       {},
	TerminalDestroy:      {},
	TerminalDestroyed:    {},
	TerminalAttach:       {},
	TerminalAttached:     {},
	TerminalSubscribe:    {},
	TerminalSubscribed:   {},
	TerminalListSessions: {},
	TerminalSessions:     {},
	TerminalExit:         {},
	SignalOffer:          {},
	SignalAnswer:         {},
	SignalCandidate:      {},
	ImageStart:           {},
	ImageChunk:           {},
	ImageComplete:        {},
	ImageSaved:           {},
	FiletreeChanged:      {},
	SystemHello:          {},
	SystemError:          {},
}

// Registered reports whether t is a member of the closed type registry.
func Registered(t MsgType) bool {
	_, ok := registry[t]
	return ok
}

// Types returns every registered message type. The slice is a copy.
func Types() []MsgType {
	out := make([]MsgType, 0, len(registry))
	for t := range registry {
		out = append(out, t)
	}
	return out
}
