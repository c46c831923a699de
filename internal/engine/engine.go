package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"collabedit/internal/audit"
	"collabedit/internal/ot"
	"collabedit/internal/store"
)

// Config holds the per-engine tunables.
type Config struct {
	DebounceDelay time.Duration
	TailSize      int
	IdleEviction  time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		DebounceDelay: 500 * time.Millisecond,
		TailSize:      10,
		IdleEviction:  30 * time.Minute,
	}
}

// Engine is the serialized per-document actor for one document id.
// All state below the request channel is owned exclusively by the
// goroutine running loop(); no field is safe to touch from any other
// goroutine.
type Engine struct {
	id    string
	st    store.Store
	audit audit.Logger
	emit  Emitter
	log   *zap.Logger
	cfg   Config

	reqCh     chan func()
	stopCh    chan struct{}
	stopOnce  sync.Once
	stoppedCh chan struct{}

	onEvicted func(documentID string)

	// actor-owned state
	title          string
	content        string
	version        int
	operationsTail []*ot.Op
	queue          []*ot.Op
	presence       map[string]*Presence
	metadata       store.Metadata
	createdAt      time.Time
	updatedAt      time.Time

	debounceTimer *time.Timer
	debounceGen   int

	idleTimer *time.Timer
	idleGen   int

	shouldStop bool
}

// New constructs an engine for documentID. Start must be called once
// before any other method.
func New(documentID string, st store.Store, auditLog audit.Logger, emit Emitter, cfg Config, log *zap.Logger, onEvicted func(string)) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		id:        documentID,
		st:        st,
		audit:     auditLog,
		emit:      emit,
		log:       log.With(zap.String("documentId", documentID)),
		cfg:       cfg,
		reqCh:     make(chan func()),
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
		onEvicted: onEvicted,
		presence:  make(map[string]*Presence),
	}
}

// Start transitions the engine Empty -> Loading -> Idle: it loads the
// document from the store, creating an empty record if none exists, then
// starts the actor loop. creatorUserID is used only if a new record must
// be created.
func (e *Engine) Start(ctx context.Context, creatorUserID string) error {
	doc, err := e.st.Load(ctx, e.id)
	if err != nil {
		return err
	}
	if doc == nil {
		// First access to an unknown id creates and persists an empty
		// record under that id. store.Store.Create is a different contract,
		// reserved for the metadata API's id-allocating POST.
		doc = store.NewEmpty(e.id, "", creatorUserID, time.Now())
		if err := e.st.Save(ctx, doc); err != nil {
			return err
		}
	}
	e.hydrate(doc)
	go e.loop()
	return nil
}

func (e *Engine) hydrate(doc *store.Document) {
	e.title = doc.Title
	e.content = doc.Content
	e.version = doc.Version
	e.metadata = doc.Metadata
	e.createdAt = doc.CreatedAt
	e.updatedAt = doc.UpdatedAt
	e.operationsTail = make([]*ot.Op, 0, len(doc.Operations))
	for _, p := range doc.Operations {
		e.operationsTail = append(e.operationsTail, persistedToOp(p))
	}
}

// loop is the engine's serialized actor: every public operation executes
// as one job drained from reqCh, one at a time, with no locking needed for
// the state above.
func (e *Engine) loop() {
	defer close(e.stoppedCh)
	for {
		select {
		case job, ok := <-e.reqCh:
			if !ok {
				return
			}
			job()
			if e.shouldStop {
				return
			}
		case <-e.stopCh:
			e.flush(true)
			return
		}
	}
}

// submit posts fn to the actor loop and blocks until it has run. It
// returns ErrEngineStopped if the engine has already shut down.
func (e *Engine) submit(fn func()) error {
	done := make(chan struct{})
	job := func() {
		fn()
		close(done)
	}
	select {
	case e.reqCh <- job:
	case <-e.stopCh:
		return ErrEngineStopped
	}
	select {
	case <-done:
		return nil
	case <-e.stopCh:
		<-done
		return nil
	}
}

// Shutdown forces a final flush and stops the actor loop. Safe to call
// more than once and from multiple goroutines (process-wide drain).
func (e *Engine) Shutdown(ctx context.Context) error {
	e.stopOnce.Do(func() { close(e.stopCh) })
	select {
	case <-e.stoppedCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Join attaches a newly allocated session to the document.
func (e *Engine) Join(user UserRecord) (sessionID string, snap DocumentSnapshot, err error) {
	sessionID = uuid.NewString()
	snap, err = e.JoinExisting(sessionID, user)
	return sessionID, snap, err
}

// JoinExisting is like Join but uses a caller-chosen session id, used by
// the transport adapter, which allocates the session id before the first
// message arrives.
func (e *Engine) JoinExisting(sessionID string, user UserRecord) (DocumentSnapshot, error) {
	var snap DocumentSnapshot
	err := e.submit(func() {
		now := time.Now()
		e.presence[sessionID] = &Presence{
			SessionID:        sessionID,
			UserID:           user.UserID,
			DisplayName:      user.DisplayName,
			Color:            user.Color,
			Avatar:           user.Avatar,
			JoinedAt:         now,
			LastCursorUpdate: now,
		}
		e.cancelIdleTimer()
		e.metadata.LastAccessedAt = now
		e.metadata.LastAccessedBy = user.UserID

		snap = e.snapshotLocked()

		// document-state goes out first, targeted at the joiner alone; the
		// Hub attaches the session to the broadcast set only once this has
		// been queued to its sink, so no operation-immediate/document-sync
		// can precede it.
		e.emit(Event{Type: EventDocumentState, DocumentID: e.id, TargetSessionID: sessionID,
			Payload: DocumentStatePayload{
				DocumentID:  e.id,
				Content:     snap.Content,
				Version:     snap.Version,
				Metadata:    snap.Metadata,
				ActiveUsers: snap.ActiveUsers,
			}})
		e.emit(Event{Type: EventUserJoined, DocumentID: e.id, ExcludeSessionID: sessionID,
			Payload: UserJoinedPayload{User: user, SocketID: sessionID}})
		e.emit(Event{Type: EventUsersUpdated, DocumentID: e.id,
			Payload: UsersUpdatedPayload{ActiveUsers: e.activeUsersLocked()}})
	})
	return snap, err
}

// Leave detaches sessionID, forcing a synchronous flush first if the
// session has queued, not-yet-flushed operations, so nothing a departing
// user typed is lost.
func (e *Engine) Leave(sessionID string) error {
	return e.submit(func() {
		pres, ok := e.presence[sessionID]
		if !ok {
			return
		}
		hasQueued := false
		for _, op := range e.queue {
			if op.ClientID == sessionID {
				hasQueued = true
				break
			}
		}
		if hasQueued {
			e.flush(true)
		}
		delete(e.presence, sessionID)

		e.emit(Event{Type: EventUserLeft, DocumentID: e.id,
			Payload: UserLeftPayload{User: userRecordFromPresence(pres), SocketID: sessionID}})
		e.emit(Event{Type: EventUsersUpdated, DocumentID: e.id,
			Payload: UsersUpdatedPayload{ActiveUsers: e.activeUsersLocked()}})

		if len(e.presence) == 0 {
			e.scheduleIdleEviction()
		}
	})
}

// Enqueue runs the admission, immediate-echo and enqueue steps of the
// pipeline for an inbound op from sessionID.
func (e *Engine) Enqueue(sessionID string, op *ot.Op) error {
	var pipelineErr error
	err := e.submit(func() {
		pres, ok := e.presence[sessionID]
		if !ok {
			pipelineErr = ErrUnknownSession
			e.emit(Event{Type: EventError, DocumentID: e.id, TargetSessionID: sessionID,
				Payload: ErrorPayload{Message: ErrUnknownSession.Error()}})
			return
		}
		if op.ID == "" {
			op.ID = uuid.NewString()
		}
		if op.ClientID == "" {
			op.ClientID = sessionID
		}
		if op.UserID == "" {
			op.UserID = pres.UserID
		}
		if op.Timestamp == 0 {
			op.Timestamp = time.Now().UnixMilli()
		}

		// Step 1: admission. Bounds are checked against the longest content
		// a client can legitimately be editing: the canonical content plus
		// the growth queued but not yet flushed. A keystroke burst inside
		// one debounce window references positions the canonical content
		// hasn't caught up to, while a concurrent peer still references the
		// canonical text a queued deletion hasn't shrunk yet; spans that
		// turn out too long are trimmed by transform/apply at flush time.
		effectiveLen := len([]rune(e.content))
		for _, q := range e.queue {
			effectiveLen += q.ContentLen()
		}
		verr := ot.Validate(op, effectiveLen)
		if verr == nil && op.Kind == ot.KindRetain {
			// retain is an algebra-internal carrier; the pipeline only admits
			// the three mutating kinds.
			verr = errors.Wrap(ot.ErrInvalidOperation, "retain is not an admissible operation")
		}
		if verr != nil {
			pipelineErr = verr
			e.emit(Event{Type: EventError, DocumentID: e.id, TargetSessionID: sessionID,
				Payload: ErrorPayload{Message: verr.Error()}})
			return
		}

		// Step 2: immediate echo, transformed against the applied tail only.
		transformed := ot.TransformAgainstSequence(op, e.operationsTail)
		if transformed != nil {
			tempContent, aerr := ot.Apply(e.content, transformed)
			if aerr != nil {
				e.log.Warn("immediate echo apply diagnostic", zap.Error(aerr))
			} else {
				e.emit(Event{Type: EventOperationImmediate, DocumentID: e.id, ExcludeSessionID: sessionID,
					Payload: OperationImmediatePayload{Operation: transformed, TempContent: tempContent, User: userRecordFromPresence(pres)}})
			}
		}

		// Step 3: enqueue the untransformed, admission-time op.
		e.queue = append(e.queue, op)
		e.resetDebounceTimer()
	})
	if err != nil {
		return err
	}
	return pipelineErr
}

// Cursor updates a session's presence cursor and broadcasts it to peers.
func (e *Engine) Cursor(sessionID string, cursor Cursor) error {
	var pipelineErr error
	err := e.submit(func() {
		pres, ok := e.presence[sessionID]
		if !ok {
			pipelineErr = ErrUnknownSession
			return
		}
		pres.Cursor = cursor
		pres.LastCursorUpdate = time.Now()
		e.emit(Event{Type: EventCursorUpdate, DocumentID: e.id, ExcludeSessionID: sessionID,
			Payload: CursorUpdatePayload{User: userRecordFromPresence(pres), Cursor: cursor, Timestamp: pres.LastCursorUpdate}})
	})
	if err != nil {
		return err
	}
	return pipelineErr
}

// Snapshot returns the current read-only view.
func (e *Engine) Snapshot() (DocumentSnapshot, error) {
	var snap DocumentSnapshot
	err := e.submit(func() { snap = e.snapshotLocked() })
	return snap, err
}

// Stats returns the engine's operational summary.
func (e *Engine) Stats() (Stats, error) {
	var stats Stats
	err := e.submit(func() {
		stats = Stats{
			Version:         e.version,
			ActiveUserCount: len(e.presence),
			TailLength:      len(e.operationsTail),
			QueuedCount:     len(e.queue),
			Metadata:        e.metadata,
			UpdatedAt:       e.updatedAt,
		}
	})
	return stats, err
}

// flush is step 4 of the pipeline. It must only be called from within the
// actor loop (directly, or via submit's job closure).
func (e *Engine) flush(forced bool) {
	if len(e.queue) == 0 {
		e.cancelDebounceTimer()
		return
	}

	defer func() {
		if r := recover(); r != nil {
			e.log.Error("engine fatal error during flush; batch dropped", zap.Any("panic", r))
			e.queue = nil
			e.cancelDebounceTimer()
			e.emit(Event{Type: EventFatal, DocumentID: e.id,
				Payload: ErrorPayload{Message: fmt.Sprintf("%v: %v", ErrEngineFatal, r)}})
		}
	}()

	batch := e.queue
	e.queue = nil
	e.cancelDebounceTimer()

	// (a) group by user, merge within each group, flatten.
	order := make([]string, 0, 4)
	groups := make(map[string][]*ot.Op)
	for _, op := range batch {
		if _, seen := groups[op.UserID]; !seen {
			order = append(order, op.UserID)
		}
		groups[op.UserID] = append(groups[op.UserID], op)
	}
	flattened := make([]*ot.Op, 0, len(batch))
	for _, uid := range order {
		flattened = append(flattened, ot.Merge(groups[uid])...)
	}

	// (b) sort by timestamp, tie-broken by userId.
	ot.SortByTimestamp(flattened)

	// (c) sequential transform-and-apply.
	text := e.content
	applied := make([]*ot.Op, 0, len(flattened))
	for _, op := range flattened {
		tOp := ot.TransformAgainstSequence(op, applied)
		if tOp == nil {
			continue // absorbed: correct, not an error.
		}
		newText, aerr := ot.Apply(text, tOp)
		if aerr != nil {
			e.log.Warn("flush apply diagnostic", zap.Error(aerr))
			continue
		}
		text = newText
		tOp.Applied = true
		applied = append(applied, tOp)
	}

	if len(applied) == 0 {
		return
	}

	// (d) commit.
	e.content = text
	e.operationsTail = append(e.operationsTail, applied...)
	if over := len(e.operationsTail) - e.cfg.TailSize; over > 0 {
		e.operationsTail = e.operationsTail[over:]
	}
	e.version++
	words, chars := wordAndCharCount(e.content)
	e.metadata.WordCount = words
	e.metadata.CharacterCount = chars
	e.metadata.LastModifiedBy = applied[len(applied)-1].UserID
	now := time.Now()
	e.metadata.LastAccessedAt = now
	e.updatedAt = now

	doc := e.toDocument(now)
	if serr := e.st.Save(context.Background(), doc); serr != nil {
		e.log.Warn("store save failed; in-memory state retained, will retry next flush", zap.Error(serr))
	}

	if e.audit != nil {
		recs := make([]audit.Record, 0, len(applied))
		for _, op := range applied {
			recs = append(recs, audit.Record{
				DocumentID:  e.id,
				OperationID: op.ID,
				UserID:      op.UserID,
				Kind:        string(op.Kind),
				Position:    op.Position,
				Length:      op.Length,
				Version:     e.version,
				AppliedAt:   now,
			})
		}
		// Fire-and-forget: the audit side channel never blocks the flush.
		go func(al audit.Logger, log *zap.Logger) {
			for _, rec := range recs {
				if aerr := al.Record(context.Background(), rec); aerr != nil {
					log.Debug("audit log record failed (best-effort)", zap.Error(aerr))
				}
			}
		}(e.audit, e.log)
	}

	// (e) emit document-sync to everyone, including originators.
	e.emit(Event{Type: EventDocumentSync, DocumentID: e.id,
		Payload: DocumentSyncPayload{Content: e.content, Version: e.version, Operations: applied, Metadata: e.metadata}})
}

func (e *Engine) resetDebounceTimer() {
	e.debounceGen++
	gen := e.debounceGen
	if e.debounceTimer != nil {
		e.debounceTimer.Stop()
	}
	e.debounceTimer = time.AfterFunc(e.cfg.DebounceDelay, func() {
		job := func() {
			if e.debounceGen == gen {
				e.flush(false)
			}
		}
		select {
		case e.reqCh <- job:
		case <-e.stopCh:
		}
	})
}

func (e *Engine) cancelDebounceTimer() {
	e.debounceGen++
	if e.debounceTimer != nil {
		e.debounceTimer.Stop()
		e.debounceTimer = nil
	}
}

func (e *Engine) scheduleIdleEviction() {
	e.idleGen++
	gen := e.idleGen
	if e.idleTimer != nil {
		e.idleTimer.Stop()
	}
	e.idleTimer = time.AfterFunc(e.cfg.IdleEviction, func() {
		job := func() {
			if e.idleGen == gen && len(e.presence) == 0 {
				e.evict()
			}
		}
		select {
		case e.reqCh <- job:
		case <-e.stopCh:
		}
	})
}

func (e *Engine) cancelIdleTimer() {
	e.idleGen++
	if e.idleTimer != nil {
		e.idleTimer.Stop()
		e.idleTimer = nil
	}
}

// evict runs inside the actor loop: it flushes any remainder, notifies the
// Hub so it drops this engine from its registry, and marks the loop for
// exit after this job returns. stopCh is closed here so that a caller
// still holding a stale engine pointer gets ErrEngineStopped from submit
// instead of blocking on a loop that will never drain reqCh again.
func (e *Engine) evict() {
	e.flush(true)
	if e.onEvicted != nil {
		e.onEvicted(e.id)
	}
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.shouldStop = true
}

func (e *Engine) snapshotLocked() DocumentSnapshot {
	return DocumentSnapshot{
		DocumentID:  e.id,
		Content:     e.content,
		Version:     e.version,
		Metadata:    e.metadata,
		ActiveUsers: e.activeUsersLocked(),
	}
}

func (e *Engine) activeUsersLocked() []Presence {
	out := make([]Presence, 0, len(e.presence))
	for _, p := range e.presence {
		out = append(out, *p)
	}
	return out
}

func (e *Engine) toDocument(now time.Time) *store.Document {
	ops := make([]store.PersistedOp, 0, len(e.operationsTail))
	for _, op := range e.operationsTail {
		ops = append(ops, opToPersisted(op))
	}
	users := make(map[string]store.PersistedPresence, len(e.presence))
	for sid, p := range e.presence {
		users[sid] = store.PersistedPresence{
			UserID:      p.UserID,
			DisplayName: p.DisplayName,
			Color:       p.Color,
			Avatar:      p.Avatar,
			JoinedAt:    p.JoinedAt,
		}
	}
	return &store.Document{
		ID:          e.id,
		Title:       e.title,
		Content:     e.content,
		Version:     e.version,
		Operations:  ops,
		CreatedAt:   e.createdAt,
		UpdatedAt:   now,
		CreatedBy:   e.metadata.CreatedBy,
		Metadata:    e.metadata,
		ActiveUsers: users,
	}
}

func userRecordFromPresence(p *Presence) UserRecord {
	return UserRecord{UserID: p.UserID, DisplayName: p.DisplayName, Color: p.Color, Avatar: p.Avatar}
}

func opToPersisted(op *ot.Op) store.PersistedOp {
	return store.PersistedOp{
		ID: op.ID, Kind: string(op.Kind), Position: op.Position,
		Content: op.Content, Length: op.Length, UserID: op.UserID,
		ClientID: op.ClientID, Timestamp: op.Timestamp, Version: op.Version,
	}
}

func persistedToOp(p store.PersistedOp) *ot.Op {
	return &ot.Op{
		ID: p.ID, Kind: ot.Kind(p.Kind), Position: p.Position,
		Content: p.Content, Length: p.Length, UserID: p.UserID,
		ClientID: p.ClientID, Timestamp: p.Timestamp, Version: p.Version, Applied: true,
	}
}

func wordAndCharCount(content string) (words, chars int) {
	chars = len([]rune(content))
	words = len(strings.Fields(content))
	return words, chars
}
