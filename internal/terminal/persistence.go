package terminal

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Destroyer is the slice of Manager the persistence layer needs.
type Destroyer interface {
	Destroy(sessionID string) error
}

// Reclaimed is returned by Reclaim when an orphaned session is recovered.
type Reclaimed struct {
	SessionID string
	LastCwd   string
}

type orphan struct {
	lastCwd string
	timer   *time.Timer
}

// Persistence tolerates transient client disconnects: when a session's
// last viewer disappears the session is orphaned, and unless it is
// reclaimed within the timeout window it is destroyed.
type Persistence struct {
	store    Destroyer
	timeout  time.Duration
	onExpire func(sessionID string)
	logger   *zap.Logger

	mu      sync.Mutex
	orphans map[string]*orphan
}

// NewPersistence creates a persistence manager. onExpire fires (exactly
// once per expiry) after the underlying session has been destroyed, so
// the owner can broadcast a termination notice to remaining observers.
func NewPersistence(store Destroyer, timeout time.Duration, onExpire func(sessionID string), logger *zap.Logger) *Persistence {
	return &Persistence{
		store:    store,
		timeout:  timeout,
		onExpire: onExpire,
		logger:   logger,
		orphans:  make(map[string]*orphan),
	}
}

// Orphan marks a session as having no viewers and starts the expiry
// timer. Idempotent: repeated calls keep the first-recorded cwd and do
// not reset the running timer.
func (p *Persistence) Orphan(sessionID, lastCwd string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.orphans[sessionID]; ok {
		return
	}

	p.orphans[sessionID] = &orphan{
		lastCwd: lastCwd,
		timer: time.AfterFunc(p.timeout, func() {
			p.expire(sessionID)
		}),
	}

	p.logger.Info("session orphaned",
		zap.String("session_id", sessionID),
		zap.Duration("timeout", p.timeout),
	)
}

// expire destroys the orphaned session after the timeout. A timer that
// fires after Reclaim already removed the record is a no-op.
func (p *Persistence) expire(sessionID string) {
	p.mu.Lock()
	_, ok := p.orphans[sessionID]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.orphans, sessionID)
	p.mu.Unlock()

	if err := p.store.Destroy(sessionID); err != nil {
		p.logger.Warn("destroying expired session",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
	}

	p.logger.Info("orphaned session expired", zap.String("session_id", sessionID))

	if p.onExpire != nil {
		p.onExpire(sessionID)
	}
}

// Reclaim cancels the expiry timer and clears orphan status. Returns nil
// if the session was never orphaned.
func (p *Persistence) Reclaim(sessionID string) *Reclaimed {
	p.mu.Lock()
	defer p.mu.Unlock()

	record, ok := p.orphans[sessionID]
	if !ok {
		return nil
	}

	record.timer.Stop()
	delete(p.orphans, sessionID)

	p.logger.Info("session reclaimed", zap.String("session_id", sessionID))

	return &Reclaimed{SessionID: sessionID, LastCwd: record.lastCwd}
}

// HandleOrphanedExit cancels the pending timer when the underlying
// process exits on its own while orphaned, without invoking destroy.
func (p *Persistence) HandleOrphanedExit(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	record, ok := p.orphans[sessionID]
	if !ok {
		return
	}

	record.timer.Stop()
	delete(p.orphans, sessionID)
}

// IsOrphaned reports whether the session currently has an orphan record.
func (p *Persistence) IsOrphaned(sessionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, ok := p.orphans[sessionID]
	return ok
}

// DestroyAll forcibly destroys every orphaned session. Used on process
// shutdown.
func (p *Persistence) DestroyAll() {
	p.mu.Lock()
	ids := make([]string, 0, len(p.orphans))
	for sessionID, record := range p.orphans {
		record.timer.Stop()
		ids = append(ids, sessionID)
	}
	p.orphans = make(map[string]*orphan)
	p.mu.Unlock()

	for _, sessionID := range ids {
		if err := p.store.Destroy(sessionID); err != nil {
			p.logger.Warn("destroying orphaned session on shutdown",
				zap.String("session_id", sessionID),
				zap.Error(err),
			)
		}
	}
}
