package engine

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"collabedit/internal/audit"
	"collabedit/internal/ot"
	"collabedit/internal/store"
)

// recorder collects emitted events from the engine's actor goroutine,
// which runs concurrently with the test goroutine once a debounce timer
// fires on its own.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) emit(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recorder) waitForCount(t *testing.T, typ EventType, n int, timeout time.Duration) []Event {
	deadline := time.Now().Add(timeout)
	for {
		var matched []Event
		for _, e := range r.snapshot() {
			if e.Type == typ {
				matched = append(matched, e)
			}
		}
		if len(matched) >= n {
			return matched
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d events of type %s, got %d", n, typ, len(matched))
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func strp(s string) *string { return &s }
func lenp(n int) *int       { return &n }

func newTestEngine(t *testing.T, cfg Config, seed *store.Document) (*Engine, *recorder, *store.FileStore) {
	st, err := store.NewFileStore(t.TempDir(), nil)
	require.NoError(t, err)
	if seed != nil {
		require.NoError(t, st.Save(context.Background(), seed))
	}
	rec := &recorder{}
	id := "doc-1"
	if seed != nil {
		id = seed.ID
	}
	eng := New(id, st, audit.NoopLogger{}, rec.emit, cfg, nil, nil)
	require.NoError(t, eng.Start(context.Background(), "seed-user"))
	return eng, rec, st
}

func fastConfig() Config {
	return Config{DebounceDelay: 30 * time.Millisecond, TailSize: 10, IdleEviction: time.Hour}
}

func TestConcurrentInsertsSamePosition(t *testing.T) {
	seed := store.NewEmpty("doc-a", "t", "seed", time.Now())
	seed.Content = "HELLO"
	seed.Version = 1
	eng, rec, _ := newTestEngine(t, fastConfig(), seed)

	s1, _, err := eng.Join(UserRecord{UserID: "u1"})
	require.NoError(t, err)
	s2, _, err := eng.Join(UserRecord{UserID: "u2"})
	require.NoError(t, err)

	require.NoError(t, eng.Enqueue(s1, &ot.Op{Kind: ot.KindInsert, Position: 5, Content: strp("X"), UserID: "u1", Timestamp: 100}))
	require.NoError(t, eng.Enqueue(s2, &ot.Op{Kind: ot.KindInsert, Position: 5, Content: strp("Y"), UserID: "u2", Timestamp: 101}))

	syncs := rec.waitForCount(t, EventDocumentSync, 1, time.Second)
	payload := syncs[0].Payload.(DocumentSyncPayload)
	require.Equal(t, "HELLOXY", payload.Content)
	require.Equal(t, 2, payload.Version)
}

func TestInsertInsideDeleteRange(t *testing.T) {
	seed := store.NewEmpty("doc-b", "t", "seed", time.Now())
	seed.Content = "ABCDEFGH"
	seed.Version = 1
	eng, rec, _ := newTestEngine(t, fastConfig(), seed)

	s1, _, err := eng.Join(UserRecord{UserID: "u1"})
	require.NoError(t, err)
	s2, _, err := eng.Join(UserRecord{UserID: "u2"})
	require.NoError(t, err)

	require.NoError(t, eng.Enqueue(s1, &ot.Op{Kind: ot.KindDelete, Position: 2, Length: lenp(4), UserID: "u1", Timestamp: 200}))
	require.NoError(t, eng.Enqueue(s2, &ot.Op{Kind: ot.KindInsert, Position: 4, Content: strp("*"), UserID: "u2", Timestamp: 201}))

	syncs := rec.waitForCount(t, EventDocumentSync, 1, time.Second)
	payload := syncs[0].Payload.(DocumentSyncPayload)
	require.Equal(t, "AB*GH", payload.Content)
}

func TestOverlappingDeletes(t *testing.T) {
	seed := store.NewEmpty("doc-c", "t", "seed", time.Now())
	seed.Content = "0123456789"
	seed.Version = 1
	eng, rec, _ := newTestEngine(t, fastConfig(), seed)

	s1, _, err := eng.Join(UserRecord{UserID: "u1"})
	require.NoError(t, err)
	s2, _, err := eng.Join(UserRecord{UserID: "u2"})
	require.NoError(t, err)

	require.NoError(t, eng.Enqueue(s1, &ot.Op{Kind: ot.KindDelete, Position: 2, Length: lenp(4), UserID: "u1", Timestamp: 300}))
	require.NoError(t, eng.Enqueue(s2, &ot.Op{Kind: ot.KindDelete, Position: 4, Length: lenp(4), UserID: "u2", Timestamp: 301}))

	syncs := rec.waitForCount(t, EventDocumentSync, 1, time.Second)
	payload := syncs[0].Payload.(DocumentSyncPayload)
	require.Equal(t, "0189", payload.Content)
}

// Five fast inserts from the same user produce five operation-immediate
// events but exactly one document-sync carrying one merged op.
func TestDebounceCoalescing(t *testing.T) {
	eng, rec, _ := newTestEngine(t, fastConfig(), store.NewEmpty("doc-d", "t", "seed", time.Now()))

	s1, _, err := eng.Join(UserRecord{UserID: "u1"})
	require.NoError(t, err)

	letters := []string{"h", "e", "l", "l", "o"}
	for i, ch := range letters {
		op := &ot.Op{Kind: ot.KindInsert, Position: i, Content: strp(ch), UserID: "u1", Timestamp: int64(1000 + i)}
		require.NoError(t, eng.Enqueue(s1, op))
	}

	rec.waitForCount(t, EventOperationImmediate, 5, time.Second)
	syncs := rec.waitForCount(t, EventDocumentSync, 1, time.Second)
	payload := syncs[0].Payload.(DocumentSyncPayload)
	require.Equal(t, "hello", payload.Content)
	require.Len(t, payload.Operations, 1)
	require.Equal(t, 1, payload.Version)

	// No second document-sync should ever arrive from this single batch.
	time.Sleep(100 * time.Millisecond)
	require.Len(t, rec.waitForCount(t, EventDocumentSync, 1, 0), 1)
}

// A pending op must be flushed and persisted before user-left is
// emitted.
func TestLeaveForcesFlush(t *testing.T) {
	cfg := Config{DebounceDelay: time.Hour, TailSize: 10, IdleEviction: time.Hour}
	eng, rec, _ := newTestEngine(t, cfg, store.NewEmpty("doc-e", "t", "seed", time.Now()))

	s1, _, err := eng.Join(UserRecord{UserID: "u1"})
	require.NoError(t, err)
	require.NoError(t, eng.Enqueue(s1, &ot.Op{Kind: ot.KindInsert, Position: 0, Content: strp("Z"), UserID: "u1", Timestamp: 1}))

	require.NoError(t, eng.Leave(s1))

	events := rec.snapshot()
	var syncIdx, leftIdx = -1, -1
	for i, e := range events {
		if e.Type == EventDocumentSync && syncIdx == -1 {
			syncIdx = i
		}
		if e.Type == EventUserLeft && leftIdx == -1 {
			leftIdx = i
		}
	}
	require.NotEqual(t, -1, syncIdx, "expected a document-sync before user-left")
	require.NotEqual(t, -1, leftIdx, "expected a user-left event")
	require.Less(t, syncIdx, leftIdx, "document-sync must precede user-left")
}

// A truncated snapshot yields a fresh empty document, never fabricated
// content.
func TestCorruptSnapshotStartup(t *testing.T) {
	dir := t.TempDir()
	st, err := store.NewFileStore(dir, nil)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "D.json"), []byte{}, 0o644))

	eng := New("D", st, audit.NoopLogger{}, func(Event) {}, fastConfig(), nil, nil)
	require.NoError(t, eng.Start(context.Background(), "seed"))

	snap, err := eng.Snapshot()
	require.NoError(t, err)
	require.Equal(t, "", snap.Content)
	require.Equal(t, 0, snap.Version)
}

// TestMonotonicVersionAcrossFlushes: each successive document-sync
// strictly increases version.
func TestMonotonicVersionAcrossFlushes(t *testing.T) {
	eng, rec, _ := newTestEngine(t, fastConfig(), store.NewEmpty("doc-mono", "t", "seed", time.Now()))
	s1, _, err := eng.Join(UserRecord{UserID: "u1"})
	require.NoError(t, err)

	require.NoError(t, eng.Enqueue(s1, &ot.Op{Kind: ot.KindInsert, Position: 0, Content: strp("a"), UserID: "u1", Timestamp: 1}))
	first := rec.waitForCount(t, EventDocumentSync, 1, time.Second)
	v1 := first[0].Payload.(DocumentSyncPayload).Version

	require.NoError(t, eng.Enqueue(s1, &ot.Op{Kind: ot.KindInsert, Position: 1, Content: strp("b"), UserID: "u1", Timestamp: 2}))
	second := rec.waitForCount(t, EventDocumentSync, 2, time.Second)
	v2 := second[1].Payload.(DocumentSyncPayload).Version

	require.Greater(t, v2, v1)
}

// TestUsersUpdatedReflectsExactMembership: no ghost users survive a
// join/leave cycle.
func TestUsersUpdatedReflectsExactMembership(t *testing.T) {
	eng, rec, _ := newTestEngine(t, fastConfig(), store.NewEmpty("doc-users", "t", "seed", time.Now()))

	s1, _, err := eng.Join(UserRecord{UserID: "u1"})
	require.NoError(t, err)
	_, _, err = eng.Join(UserRecord{UserID: "u2"})
	require.NoError(t, err)

	updates := rec.waitForCount(t, EventUsersUpdated, 2, time.Second)
	last := updates[len(updates)-1].Payload.(UsersUpdatedPayload)
	require.Len(t, last.ActiveUsers, 2)

	require.NoError(t, eng.Leave(s1))
	updates = rec.waitForCount(t, EventUsersUpdated, 3, time.Second)
	last = updates[len(updates)-1].Payload.(UsersUpdatedPayload)
	require.Len(t, last.ActiveUsers, 1)
	require.Equal(t, "u2", last.ActiveUsers[0].UserID)
}

// TestJoinReturnsSnapshotBeforeFurtherEvents: the returned snapshot is
// available to the caller before any operation-immediate/document-sync
// for that join can have occurred, since Join is synchronous and no op
// has been enqueued yet.
func TestJoinReturnsSnapshotBeforeFurtherEvents(t *testing.T) {
	seed := store.NewEmpty("doc-join", "t", "seed", time.Now())
	seed.Content = "preexisting"
	seed.Version = 5
	eng, _, _ := newTestEngine(t, fastConfig(), seed)

	_, snap, err := eng.Join(UserRecord{UserID: "u1"})
	require.NoError(t, err)
	require.Equal(t, "preexisting", snap.Content)
	require.Equal(t, 5, snap.Version)
}

func TestUnknownSessionRejected(t *testing.T) {
	eng, _, _ := newTestEngine(t, fastConfig(), store.NewEmpty("doc-unk", "t", "seed", time.Now()))
	err := eng.Enqueue("no-such-session", &ot.Op{Kind: ot.KindInsert, Position: 0, Content: strp("x")})
	require.ErrorIs(t, err, ErrUnknownSession)
}

func TestInvalidOperationRejected(t *testing.T) {
	eng, rec, _ := newTestEngine(t, fastConfig(), store.NewEmpty("doc-inv", "t", "seed", time.Now()))
	s1, _, err := eng.Join(UserRecord{UserID: "u1"})
	require.NoError(t, err)

	err = eng.Enqueue(s1, &ot.Op{Kind: ot.KindDelete, Position: 0, Length: lenp(50), UserID: "u1"})
	require.Error(t, err)
	rec.waitForCount(t, EventError, 1, time.Second)
}

func TestRetainNotAdmissible(t *testing.T) {
	eng, _, _ := newTestEngine(t, fastConfig(), store.NewEmpty("doc-ret", "t", "seed", time.Now()))
	s1, _, err := eng.Join(UserRecord{UserID: "u1"})
	require.NoError(t, err)

	err = eng.Enqueue(s1, &ot.Op{Kind: ot.KindRetain, UserID: "u1"})
	require.ErrorIs(t, err, ot.ErrInvalidOperation)

	stats, err := eng.Stats()
	require.NoError(t, err)
	require.Equal(t, 0, stats.QueuedCount)
}

func TestBurstBeyondCanonicalLengthAdmitted(t *testing.T) {
	cfg := Config{DebounceDelay: time.Hour, TailSize: 10, IdleEviction: time.Hour}
	eng, _, _ := newTestEngine(t, cfg, store.NewEmpty("doc-burst", "t", "seed", time.Now()))
	s1, _, err := eng.Join(UserRecord{UserID: "u1"})
	require.NoError(t, err)

	// Positions 1..4 exceed the still-empty canonical content but are valid
	// against the growth already queued in this debounce window.
	for i, ch := range []string{"a", "b", "c", "d", "e"} {
		op := &ot.Op{Kind: ot.KindInsert, Position: i, Content: strp(ch), UserID: "u1", Timestamp: int64(i + 1)}
		require.NoError(t, eng.Enqueue(s1, op))
	}

	// A position past even the queued growth is still rejected.
	err = eng.Enqueue(s1, &ot.Op{Kind: ot.KindInsert, Position: 99, Content: strp("z"), UserID: "u1", Timestamp: 10})
	require.ErrorIs(t, err, ot.ErrInvalidOperation)
}

func TestShutdownDrainsPendingFlush(t *testing.T) {
	cfg := Config{DebounceDelay: time.Hour, TailSize: 10, IdleEviction: time.Hour}
	eng, rec, st := newTestEngine(t, cfg, store.NewEmpty("doc-shut", "t", "seed", time.Now()))
	s1, _, err := eng.Join(UserRecord{UserID: "u1"})
	require.NoError(t, err)
	require.NoError(t, eng.Enqueue(s1, &ot.Op{Kind: ot.KindInsert, Position: 0, Content: strp("Q"), UserID: "u1", Timestamp: 1}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, eng.Shutdown(ctx))

	rec.waitForCount(t, EventDocumentSync, 1, 0)
	loaded, err := st.Load(context.Background(), "doc-shut")
	require.NoError(t, err)
	require.Equal(t, "Q", loaded.Content)
}
