package protocol

// CreatePayload asks the agent to spawn a new PTY session. The client
// assigns the session ID so it stays stable across reconnects.
type CreatePayload struct {
	SessionID string `json:"sessionId"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
	Cwd       string `json:"cwd,omitempty"`
}

// CreatedPayload confirms a session was created. The creator is
// auto-attached as the session owner.
type CreatedPayload struct {
	SessionID string `json:"sessionId"`
	Pid       int    `json:"pid"`
}

// InputPayload carries keystrokes to a PTY.
type InputPayload struct {
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
}

// OutputPayload delivers PTY output to every attached viewer.
type OutputPayload struct {
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
}

// ResizePayload changes PTY dimensions.
type ResizePayload struct {
	SessionID string `json:"sessionId"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}

// DestroyPayload kills a session permanently.
type DestroyPayload struct {
	SessionID string `json:"sessionId"`
}

// DestroyedPayload announces a session is gone. Reason distinguishes an
// explicit destroy from orphan-timer expiry and from "never existed".
type DestroyedPayload struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason,omitempty"`
}

// AttachPayload reclaims a session after a reconnect.
type AttachPayload struct {
	SessionID string `json:"sessionId"`
}

// AttachedPayload replays everything buffered while the session had no
// viewer, then live delivery resumes.
type AttachedPayload struct {
	SessionID string `json:"sessionId"`
	Buffered  string `json:"buffered,omitempty"`
	Cwd       string `json:"cwd,omitempty"`
}

// SubscribePayload adds a read-only viewer to an existing session.
type SubscribePayload struct {
	SessionID string `json:"sessionId"`
}

// SubscribedPayload confirms a subscription.
type SubscribedPayload struct {
	SessionID string `json:"sessionId"`
}

// SessionInfo describes one live session in a terminal:sessions listing.
type SessionInfo struct {
	SessionID string `json:"sessionId"`
	Pid       int    `json:"pid"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
	Cwd       string `json:"cwd,omitempty"`
	Exited    bool   `json:"exited"`
}

// SessionsPayload lists all live (non-destroyed) sessions.
type SessionsPayload struct {
	Sessions []SessionInfo `json:"sessions"`
}

// ExitPayload reports that a session's process terminated on its own.
// This is the expected end of a session lifecycle, not an error.
type ExitPayload struct {
	SessionID string `json:"sessionId"`
	Code      int    `json:"code"`
}

// SDPPayload carries a session description for signal:offer and
// signal:answer.
type SDPPayload struct {
	SDP string `json:"sdp"`
}

// CandidatePayload carries one discovered network candidate, emitted
// asynchronously as gathering proceeds.
type CandidatePayload struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// TransferStartPayload opens a chunked binary transfer.
type TransferStartPayload struct {
	TransferID string `json:"transferId"`
	Filename   string `json:"filename"`
	TotalSize  int64  `json:"totalSize"`
	MimeType   string `json:"mimeType,omitempty"`
	SessionID  string `json:"sessionId,omitempty"`
}

// TransferChunkPayload carries one base64-encoded chunk.
type TransferChunkPayload struct {
	TransferID string `json:"transferId"`
	ChunkIndex int    `json:"chunkIndex"`
	Data       string `json:"data"`
}

// TransferCompletePayload tells the receiver to reassemble and write.
type TransferCompletePayload struct {
	TransferID string `json:"transferId"`
}

// TransferSavedPayload reports where the reassembled file landed.
type TransferSavedPayload struct {
	TransferID string `json:"transferId"`
	Path       string `json:"path"`
}

// FiletreeChangedPayload is produced by the filesystem watch collaborator.
type FiletreeChangedPayload struct {
	Paths []string `json:"paths"`
}

// HelloPayload is sent once per accepted gateway connection.
type HelloPayload struct {
	Agent   string `json:"agent"`
	Version string `json:"version"`
}

// ErrorPayload carries a connection-level error notice.
type ErrorPayload struct {
	Message string `json:"message"`
}
