package transfer

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/vibepilot/vibepilot/internal/shared/id"
)

// ErrTransferNotFound is returned for chunk or complete messages whose
// transfer ID was never started or was already finalized.
var ErrTransferNotFound = errors.New("transfer not found")

// Receiver is the reassembling half of the transfer protocol. It keeps
// per-transfer chunk maps keyed by index, so chunks may arrive in any
// order, and interleaved transfers never touch each other's state.
type Receiver struct {
	dir    string
	logger *zap.Logger

	mu        sync.Mutex
	transfers map[string]*pending
}

type pending struct {
	filename  string
	totalSize int64
	mimeType  string
	chunks    map[int][]byte
}

// Saved describes a finalized transfer.
type Saved struct {
	TransferID string
	Path       string
	Size       int64
}

// NewReceiver creates a receiver that writes finished files under dir.
func NewReceiver(dir string, logger *zap.Logger) *Receiver {
	return &Receiver{
		dir:       dir,
		logger:    logger,
		transfers: make(map[string]*pending),
	}
}

// Start registers a new incoming transfer. Restarting an in-flight ID
// discards any chunks received so far.
func (r *Receiver) Start(transferID, filename string, totalSize int64, mimeType string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.transfers[transferID]; exists {
		r.logger.Warn("transfer restarted, discarding prior chunks",
			zap.String("transfer_id", transferID))
	}

	r.transfers[transferID] = &pending{
		filename:  filename,
		totalSize: totalSize,
		mimeType:  mimeType,
		chunks:    make(map[int][]byte),
	}
}

// AddChunk decodes and stores one chunk. A duplicate index overwrites
// the previous copy, which is harmless since chunk contents are
// deterministic per index.
func (r *Receiver) AddChunk(transferID string, index int, data string) error {
	decoded, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return fmt.Errorf("decoding chunk %d of %s: %w", index, transferID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.transfers[transferID]
	if !ok {
		return ErrTransferNotFound
	}
	p.chunks[index] = decoded
	return nil
}

// Complete reassembles the chunks in index order and writes the file.
// Missing indices are skipped rather than failing the transfer, so a
// file assembled across a lossy channel is written with whatever
// arrived; the caller sees the short size. Files are owner-only since
// uploads may carry anything the user pastes.
func (r *Receiver) Complete(transferID string) (*Saved, error) {
	r.mu.Lock()
	p, ok := r.transfers[transferID]
	if ok {
		delete(r.transfers, transferID)
	}
	r.mu.Unlock()

	if !ok {
		return nil, ErrTransferNotFound
	}

	indices := make([]int, 0, len(p.chunks))
	for i := range p.chunks {
		indices = append(indices, i)
	}
	sort.Ints(indices)

	var data []byte
	for _, i := range indices {
		data = append(data, p.chunks[i]...)
	}

	if int64(len(data)) != p.totalSize {
		r.logger.Warn("transfer completed with missing data",
			zap.String("transfer_id", transferID),
			zap.Int64("expected_bytes", p.totalSize),
			zap.Int("got_bytes", len(data)))
	}

	if err := os.MkdirAll(r.dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating upload dir: %w", err)
	}

	path := filepath.Join(r.dir, savedName(p.filename))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, fmt.Errorf("writing transfer %s: %w", transferID, err)
	}

	r.logger.Info("transfer saved",
		zap.String("transfer_id", transferID),
		zap.String("path", path),
		zap.Int("bytes", len(data)))

	return &Saved{TransferID: transferID, Path: path, Size: int64(len(data))}, nil
}

// Abort drops an in-flight transfer without writing anything.
func (r *Receiver) Abort(transferID string) {
	r.mu.Lock()
	delete(r.transfers, transferID)
	r.mu.Unlock()
}

// Pending reports how many transfers are currently in flight.
func (r *Receiver) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.transfers)
}

// savedName builds a collision-free name from a fresh transfer ULID,
// keeping only the original extension. The client-supplied filename is
// never trusted as a path component.
func savedName(original string) string {
	name := id.NewTransferID().String()
	if ext := filepath.Ext(filepath.Base(original)); ext != "" {
		name += ext
	}
	return name
}
