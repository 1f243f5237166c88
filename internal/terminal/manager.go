// Package terminal owns OS shell processes behind pseudo-terminals and
// broadcasts their output to any number of subscribers. Sessions survive
// viewer loss: DetachOutput switches a session to buffering and a later
// AttachOutput replays everything accumulated in between.
package terminal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"
	"go.uber.org/zap"
)

// ErrSessionNotFound is returned for operations on an unknown session ID.
// These indicate caller bugs, not recoverable conditions.
var ErrSessionNotFound = errors.New("session not found")

// ErrSessionExited is returned when writing to a session whose process
// has already terminated.
var ErrSessionExited = errors.New("session exited")

const defaultBufferSize = 1 << 20

// Manager manages pseudo-terminal sessions keyed by caller-assigned IDs.
type Manager struct {
	sessions sync.Map // map[string]*Session

	shell      string
	bufferSize int
	logger     *zap.Logger
}

// NewManager creates a session manager. shell overrides the $SHELL
// default; bufferSize bounds the per-session detach buffer.
func NewManager(shell string, bufferSize int, logger *zap.Logger) *Manager {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Manager{
		shell:      shell,
		bufferSize: bufferSize,
		logger:     logger,
	}
}

// Create spawns a new PTY session under the given caller-assigned ID and
// returns the shell's pid. Creating an ID that is already live is
// idempotent and returns the existing pid; an exited session under the
// same ID is replaced.
func (m *Manager) Create(sessionID string, cols, rows int, cwd string) (int, error) {
	if existing, ok := m.load(sessionID); ok {
		existing.mu.Lock()
		exited := existing.exited
		existing.mu.Unlock()
		if !exited {
			return existing.cmd.Process.Pid, nil
		}
		m.sessions.Delete(sessionID)
	}

	shell := m.shell
	if shell == "" {
		shell = os.Getenv("SHELL")
		if shell == "" {
			shell = "/bin/bash"
		}
	}

	if cwd == "" {
		cwd = os.Getenv("HOME")
		if cwd == "" {
			cwd = "/tmp"
		}
	}

	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}

	cmd := exec.Command(shell)
	cmd.Dir = cwd
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Rows: uint16(rows),
		Cols: uint16(cols),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to start PTY: %w", err)
	}

	session := &Session{
		ID:        sessionID,
		Shell:     shell,
		Cwd:       cwd,
		StartedAt: time.Now(),
		cmd:       cmd,
		ptmx:      ptmx,
		cols:      cols,
		rows:      rows,
		sinks:     make(map[string]Sink),
		output:    OutputLive,
		buffer:    NewBuffer(m.bufferSize),
	}

	m.sessions.Store(sessionID, session)

	go m.readOutput(session)
	go m.monitorProcess(session)

	m.logger.Info("session created",
		zap.String("session_id", sessionID),
		zap.Int("pid", cmd.Process.Pid),
		zap.String("cwd", cwd),
	)

	return cmd.Process.Pid, nil
}

// readOutput continuously reads from the PTY and routes each event
// through the session's output state machine.
func (m *Manager) readOutput(session *Session) {
	buf := make([]byte, 4096)
	for {
		n, err := session.ptmx.Read(buf)
		if n > 0 {
			session.deliver(buf[:n])
		}
		if err != nil {
			if err != io.EOF {
				m.logger.Debug("pty read ended",
					zap.String("session_id", session.ID),
					zap.Error(err),
				)
			}
			return
		}
	}
}

// monitorProcess waits for the shell to exit, records the code, and
// fires exit callbacks exactly once. The entry stays queryable as exited
// until explicitly destroyed.
func (m *Manager) monitorProcess(session *Session) {
	err := session.cmd.Wait()

	code := 0
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.ExitCode()
	}

	session.ptmx.Close()
	session.markExited(code)

	m.logger.Info("session process exited",
		zap.String("session_id", session.ID),
		zap.Int("code", code),
	)
}

// Write sends input to a session.
func (m *Manager) Write(sessionID string, data []byte) error {
	session, ok := m.load(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	session.mu.Lock()
	exited := session.exited
	session.mu.Unlock()
	if exited {
		return fmt.Errorf("%w: %s", ErrSessionExited, sessionID)
	}

	_, err := session.ptmx.Write(data)
	return err
}

// Resize changes terminal dimensions.
func (m *Manager) Resize(sessionID string, cols, rows int) error {
	session, ok := m.load(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	session.mu.Lock()
	defer session.mu.Unlock()

	if session.exited {
		return fmt.Errorf("%w: %s", ErrSessionExited, sessionID)
	}

	session.cols = cols
	session.rows = rows

	return pty.Setsize(session.ptmx, &pty.Winsize{
		Rows: uint16(rows),
		Cols: uint16(cols),
	})
}

// Destroy terminates a session and removes it permanently. Destroying a
// session whose process already exited only removes the entry. A second
// Destroy of the same ID returns ErrSessionNotFound; callers treating
// double-destroy as a no-op ignore that error.
func (m *Manager) Destroy(sessionID string) error {
	value, ok := m.sessions.LoadAndDelete(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	session := value.(*Session)

	session.mu.Lock()
	exited := session.exited
	session.mu.Unlock()

	if !exited && session.cmd.Process != nil {
		session.cmd.Process.Kill()
	}
	session.ptmx.Close()

	m.logger.Info("session destroyed", zap.String("session_id", sessionID))
	return nil
}

// Subscribe attaches an output sink under the given subscriber ID. Every
// attached sink receives every output event while the session is live.
func (m *Manager) Subscribe(sessionID, subscriberID string, sink Sink) error {
	session, ok := m.load(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	session.mu.Lock()
	session.sinks[subscriberID] = sink
	session.mu.Unlock()
	return nil
}

// Unsubscribe removes one subscriber's sink. Remaining sinks are
// unaffected.
func (m *Manager) Unsubscribe(sessionID, subscriberID string) {
	session, ok := m.load(sessionID)
	if !ok {
		return
	}

	session.mu.Lock()
	delete(session.sinks, subscriberID)
	session.mu.Unlock()
}

// SubscriberCount reports how many sinks are attached.
func (m *Manager) SubscriberCount(sessionID string) int {
	session, ok := m.load(sessionID)
	if !ok {
		return 0
	}

	session.mu.Lock()
	defer session.mu.Unlock()
	return len(session.sinks)
}

// DetachOutput removes all sinks and switches the session to buffering:
// output accumulates instead of being delivered until AttachOutput.
func (m *Manager) DetachOutput(sessionID string) error {
	session, ok := m.load(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	session.mu.Lock()
	session.sinks = make(map[string]Sink)
	session.output = OutputBuffering
	session.mu.Unlock()
	return nil
}

// AttachOutput registers a sink for future output and returns everything
// accumulated while detached, clearing the buffer. This is what lets a
// reconnecting client see output it would otherwise have missed.
func (m *Manager) AttachOutput(sessionID, subscriberID string, sink Sink) ([]byte, error) {
	session, ok := m.load(sessionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	session.mu.Lock()
	session.sinks[subscriberID] = sink
	var buffered []byte
	if session.output == OutputBuffering {
		buffered = session.buffer.Drain()
		session.output = OutputLive
	}
	session.mu.Unlock()

	return buffered, nil
}

// OnExit registers a callback fired when the session process terminates.
// If the process already exited, the callback fires immediately with the
// recorded code.
func (m *Manager) OnExit(sessionID string, fn func(code int)) error {
	session, ok := m.load(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	session.mu.Lock()
	if session.exited {
		code := session.exitCode
		session.mu.Unlock()
		fn(code)
		return nil
	}
	session.exitFns = append(session.exitFns, fn)
	session.mu.Unlock()
	return nil
}

// Has reports whether a session exists (including exited-but-not-destroyed).
func (m *Manager) Has(sessionID string) bool {
	_, ok := m.load(sessionID)
	return ok
}

// Pid returns the session's process ID.
func (m *Manager) Pid(sessionID string) (int, error) {
	session, ok := m.load(sessionID)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return session.cmd.Process.Pid, nil
}

// IsExited reports whether the session's process has terminated.
func (m *Manager) IsExited(sessionID string) (bool, error) {
	session, ok := m.load(sessionID)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	session.mu.Lock()
	defer session.mu.Unlock()
	return session.exited, nil
}

// Cwd returns the session's working directory as recorded at creation.
func (m *Manager) Cwd(sessionID string) (string, error) {
	session, ok := m.load(sessionID)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return session.Cwd, nil
}

// List returns every live (non-destroyed) session.
func (m *Manager) List() []Info {
	var sessions []Info

	m.sessions.Range(func(_, value any) bool {
		session := value.(*Session)

		session.mu.Lock()
		info := Info{
			ID:        session.ID,
			Pid:       session.cmd.Process.Pid,
			Shell:     session.Shell,
			Cwd:       session.Cwd,
			Cols:      session.cols,
			Rows:      session.rows,
			StartedAt: session.StartedAt,
			Exited:    session.exited,
		}
		session.mu.Unlock()

		sessions = append(sessions, info)
		return true
	})

	return sessions
}

func (m *Manager) load(sessionID string) (*Session, bool) {
	value, ok := m.sessions.Load(sessionID)
	if !ok {
		return nil, false
	}
	return value.(*Session), true
}
