package terminal

import (
	"os"
	"os/exec"
	"sync"
	"time"
)

// OutputState is the per-session delivery mode. Live output fans out to
// every attached sink; while buffering, output accumulates in the ring
// buffer instead. The explicit state (rather than a flag) keeps rapid
// detach/attach cycles from racing.
type OutputState int

const (
	OutputLive OutputState = iota
	OutputBuffering
)

func (s OutputState) String() string {
	switch s {
	case OutputLive:
		return "live"
	case OutputBuffering:
		return "buffering"
	default:
		return "unknown"
	}
}

// Sink receives a copy of one PTY output event.
type Sink func(data []byte)

// Session represents one pseudo-terminal owned by the Manager.
type Session struct {
	ID        string
	Shell     string
	Cwd       string
	StartedAt time.Time

	cmd  *exec.Cmd
	ptmx *os.File

	// mu serializes sink-set mutation, output-state transitions, and
	// buffer flushes.
	mu       sync.Mutex
	cols     int
	rows     int
	sinks    map[string]Sink
	output   OutputState
	buffer   *Buffer
	exited   bool
	exitCode int
	exitFns  []func(code int)
	exitOnce sync.Once
}

// deliver routes one output event according to the session's output
// state. Sinks are invoked outside the lock so a sink may call back into
// the Manager.
func (s *Session) deliver(data []byte) {
	s.mu.Lock()
	if s.output == OutputBuffering {
		s.buffer.Write(data)
		s.mu.Unlock()
		return
	}
	targets := make([]Sink, 0, len(s.sinks))
	for _, sink := range s.sinks {
		targets = append(targets, sink)
	}
	s.mu.Unlock()

	for _, sink := range targets {
		copied := make([]byte, len(data))
		copy(copied, data)
		sink(copied)
	}
}

// markExited records the exit code and fires the exit callbacks exactly
// once. The session entry stays queryable until explicitly destroyed.
func (s *Session) markExited(code int) {
	s.exitOnce.Do(func() {
		s.mu.Lock()
		s.exited = true
		s.exitCode = code
		fns := s.exitFns
		s.exitFns = nil
		s.mu.Unlock()

		for _, fn := range fns {
			fn(code)
		}
	})
}

// Buffer is a thread-safe circular buffer for terminal output. It holds
// at most size bytes; older data is overwritten when full.
type Buffer struct {
	data []byte
	size int
	head int
	tail int
	full bool
	mu   sync.Mutex
}

// NewBuffer creates a new circular buffer.
func NewBuffer(size int) *Buffer {
	return &Buffer{
		data: make([]byte, size),
		size: size,
	}
}

// Write appends data to the buffer, discarding the oldest bytes on
// overflow.
func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, c := range p {
		b.data[b.tail] = c
		b.tail = (b.tail + 1) % b.size
		if b.full {
			b.head = b.tail
		}
		if b.tail == b.head {
			b.full = true
		}
	}

	return len(p), nil
}

// Drain returns all buffered data and resets the buffer.
func (b *Buffer) Drain() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.head == b.tail && !b.full {
		return []byte{}
	}

	var result []byte
	if b.tail > b.head {
		result = make([]byte, b.tail-b.head)
		copy(result, b.data[b.head:b.tail])
	} else {
		firstPart := b.data[b.head:]
		secondPart := b.data[:b.tail]
		result = make([]byte, len(firstPart)+len(secondPart))
		copy(result, firstPart)
		copy(result[len(firstPart):], secondPart)
	}

	b.head = b.tail
	b.full = false

	return result
}

// Len reports the number of buffered bytes.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.full {
		return b.size
	}
	if b.tail >= b.head {
		return b.tail - b.head
	}
	return b.size - b.head + b.tail
}

// Info is the public representation of a session.
type Info struct {
	ID        string    `json:"id"`
	Pid       int       `json:"pid"`
	Shell     string    `json:"shell"`
	Cwd       string    `json:"cwd"`
	Cols      int       `json:"cols"`
	Rows      int       `json:"rows"`
	StartedAt time.Time `json:"started_at"`
	Exited    bool      `json:"exited"`
}
