// Package hub implements the session registry: two indices
// (sessionId -> SessionInfo, documentId -> sessions), join/leave routing,
// and best-effort broadcast minus originator for
// operation-immediate/cursor-update. The indices are guarded by a
// sync.RWMutex; serialization of document state belongs to each Engine,
// so the Hub needs only mutual exclusion here, not full serialization.
package hub

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"collabedit/internal/audit"
	"collabedit/internal/engine"
	"collabedit/internal/ot"
	"collabedit/internal/store"
)

// ErrUnroutableSession is returned when an operation or cursor update
// arrives for a session that never joined a document (or whose engine is
// gone). The transport surfaces it to the originator as an error message;
// rejections from inside the engine are reported by the engine itself.
var ErrUnroutableSession = errors.New("session not joined to any document")

// Sink is the transport-owned outbound handle for one session. Send must
// not block on slow I/O for long; a sink whose Send errors gets its
// session disconnected.
type Sink interface {
	Send(data []byte) error
}

// SessionInfo is the sessionId -> {documentId, user, sink} record.
type SessionInfo struct {
	DocumentID string
	User       engine.UserRecord
	Sink       Sink
}

// Hub routes engine emissions to connected sessions and connected sessions'
// requests to the right per-document Engine.
type Hub struct {
	// nodeID identifies this process on the backplane so relayed messages
	// it published itself are not re-delivered locally.
	nodeID string

	mu       sync.RWMutex
	sessions map[string]*SessionInfo    // sessionId -> info
	byDoc    map[string]map[string]bool // documentId -> set of sessionIds

	enginesMu sync.Mutex
	engines   map[string]*engine.Engine

	st        store.Store
	auditLog  audit.Logger
	backplane Backplane
	log       *zap.Logger
	cfg       engine.Config

	backplaneSubsMu sync.Mutex
	backplaneSubs   map[string]func() // documentId -> unsubscribe
}

// New constructs a Hub. backplane may be NewNoopBackplane() for a
// single-process deployment.
func New(st store.Store, auditLog audit.Logger, backplane Backplane, cfg engine.Config, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	if backplane == nil {
		backplane = NewNoopBackplane()
	}
	return &Hub{
		nodeID:        uuid.NewString(),
		sessions:      make(map[string]*SessionInfo),
		byDoc:         make(map[string]map[string]bool),
		engines:       make(map[string]*engine.Engine),
		st:            st,
		auditLog:      auditLog,
		backplane:     backplane,
		log:           log,
		cfg:           cfg,
		backplaneSubs: make(map[string]func()),
	}
}

// Join attaches sessionID (allocated by the transport adapter) to
// documentID, creating/loading the engine if needed. The session is
// registered for targeted delivery only at first: the engine's join job
// emits document-state to its sink and the Hub adds it to the broadcast
// set right after, so no operation-immediate/document-sync can reach the
// sink before its document-state.
func (h *Hub) Join(ctx context.Context, sessionID, documentID string, user engine.UserRecord, sink Sink) (engine.DocumentSnapshot, error) {
	// A session re-joining (same or different document) must first leave
	// its previous document, or it lingers as a ghost subscriber there.
	if info, ok := h.sessionInfo(sessionID); ok && info.DocumentID != documentID {
		h.Disconnect(sessionID)
	}

	h.mu.Lock()
	h.sessions[sessionID] = &SessionInfo{DocumentID: documentID, User: user, Sink: sink}
	h.mu.Unlock()

	h.ensureBackplaneSubscription(documentID)

	eng, err := h.getOrCreateEngine(ctx, documentID, user.UserID)
	if err != nil {
		h.Disconnect(sessionID)
		return engine.DocumentSnapshot{}, err
	}

	snap, err := eng.JoinExisting(sessionID, user)
	if err != nil {
		h.Disconnect(sessionID)
		return engine.DocumentSnapshot{}, err
	}
	return snap, nil
}

// Disconnect removes sessionID from both indices and has its engine detach
// it (flushing first if the session has queued ops). Safe to call more
// than once.
func (h *Hub) Disconnect(sessionID string) {
	h.mu.Lock()
	info, ok := h.sessions[sessionID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, sessionID)
	if set, ok := h.byDoc[info.DocumentID]; ok {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(h.byDoc, info.DocumentID)
		}
	}
	h.mu.Unlock()

	if eng := h.lookupEngine(info.DocumentID); eng != nil {
		_ = eng.Leave(sessionID)
	}
}

// Enqueue routes an inbound operation to sessionID's engine.
func (h *Hub) Enqueue(sessionID string, op *ot.Op) error {
	info, ok := h.sessionInfo(sessionID)
	if !ok {
		return ErrUnroutableSession
	}
	eng := h.lookupEngine(info.DocumentID)
	if eng == nil {
		return ErrUnroutableSession
	}
	return eng.Enqueue(sessionID, op)
}

// Cursor routes a cursor update to sessionID's engine.
func (h *Hub) Cursor(sessionID string, cursor engine.Cursor) error {
	info, ok := h.sessionInfo(sessionID)
	if !ok {
		return ErrUnroutableSession
	}
	eng := h.lookupEngine(info.DocumentID)
	if eng == nil {
		return ErrUnroutableSession
	}
	return eng.Cursor(sessionID, cursor)
}

func (h *Hub) sessionInfo(sessionID string) (*SessionInfo, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	info, ok := h.sessions[sessionID]
	return info, ok
}

func (h *Hub) lookupEngine(documentID string) *engine.Engine {
	h.enginesMu.Lock()
	defer h.enginesMu.Unlock()
	return h.engines[documentID]
}

func (h *Hub) getOrCreateEngine(ctx context.Context, documentID, creatorUserID string) (*engine.Engine, error) {
	h.enginesMu.Lock()
	if eng, ok := h.engines[documentID]; ok {
		h.enginesMu.Unlock()
		return eng, nil
	}
	eng := engine.New(documentID, h.st, h.auditLog, h.emitFor(documentID), h.cfg, h.log, h.removeEngine)
	h.engines[documentID] = eng
	h.enginesMu.Unlock()

	if err := eng.Start(ctx, creatorUserID); err != nil {
		h.enginesMu.Lock()
		delete(h.engines, documentID)
		h.enginesMu.Unlock()
		return nil, err
	}
	return eng, nil
}

// removeEngine is the onEvicted callback an Engine invokes on itself, from
// within its own actor loop, right before it stops. Engines hold only this
// callback and an emit handle, never a back-reference to the Hub.
func (h *Hub) removeEngine(documentID string) {
	h.enginesMu.Lock()
	delete(h.engines, documentID)
	h.enginesMu.Unlock()
}

// Snapshot/Stats provide read access for the metadata API without going
// through a session.
func (h *Hub) Snapshot(ctx context.Context, documentID string) (engine.DocumentSnapshot, error) {
	eng, err := h.getOrCreateEngine(ctx, documentID, "")
	if err != nil {
		return engine.DocumentSnapshot{}, err
	}
	return eng.Snapshot()
}

func (h *Hub) Stats(ctx context.Context, documentID string) (engine.Stats, error) {
	eng, err := h.getOrCreateEngine(ctx, documentID, "")
	if err != nil {
		return engine.Stats{}, err
	}
	return eng.Stats()
}

// ShutdownAll drains every active engine within deadline.
func (h *Hub) ShutdownAll(deadline time.Duration) error {
	h.enginesMu.Lock()
	engines := make([]*engine.Engine, 0, len(h.engines))
	for _, eng := range h.engines {
		engines = append(engines, eng)
	}
	h.enginesMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, len(engines))
	for _, eng := range engines {
		wg.Add(1)
		go func(e *engine.Engine) {
			defer wg.Done()
			errCh <- e.Shutdown(ctx)
		}(eng)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return nil
}
