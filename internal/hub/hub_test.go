package hub

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabedit/internal/audit"
	"collabedit/internal/engine"
	"collabedit/internal/ot"
	"collabedit/internal/store"
)

// fakeSink records every payload the Hub delivers to it. failAfter, when
// >= 0, makes Send start erroring once that many payloads have been
// accepted, simulating a dead peer.
type fakeSink struct {
	mu        sync.Mutex
	payloads  [][]byte
	failAfter int
}

func newFakeSink() *fakeSink { return &fakeSink{failAfter: -1} }

func (s *fakeSink) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAfter >= 0 && len(s.payloads) >= s.failAfter {
		return assert.AnError
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	s.payloads = append(s.payloads, cp)
	return nil
}

// messages decodes every delivered payload into its wire envelope.
func (s *fakeSink) messages() []map[string]json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]json.RawMessage, 0, len(s.payloads))
	for _, p := range s.payloads {
		var m map[string]json.RawMessage
		if err := json.Unmarshal(p, &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out
}

func (s *fakeSink) countType(typ string) int {
	n := 0
	for _, m := range s.messages() {
		var got string
		json.Unmarshal(m["type"], &got)
		if got == typ {
			n++
		}
	}
	return n
}

func (s *fakeSink) waitForType(t *testing.T, typ string, n int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for s.countType(typ) < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d %q messages, got %d", n, typ, s.countType(typ))
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func newTestHub(t *testing.T) *Hub {
	st, err := store.NewFileStore(t.TempDir(), nil)
	require.NoError(t, err)
	cfg := engine.Config{DebounceDelay: 30 * time.Millisecond, TailSize: 10, IdleEviction: time.Hour}
	return New(st, audit.NoopLogger{}, NewNoopBackplane(), cfg, nil)
}

func strp(s string) *string { return &s }

func TestHubJoinDeliversDocumentStateFirst(t *testing.T) {
	h := newTestHub(t)
	sink := newFakeSink()

	snap, err := h.Join(context.Background(), "s1", "doc-1", engine.UserRecord{UserID: "u1"}, sink)
	require.NoError(t, err)
	require.Equal(t, "doc-1", snap.DocumentID)

	msgs := sink.messages()
	require.NotEmpty(t, msgs)
	var typ string
	require.NoError(t, json.Unmarshal(msgs[0]["type"], &typ))
	assert.Equal(t, "document-state", typ)
	assert.Equal(t, 1, sink.countType("document-state"))
}

// A session joining a document with prior activity still sees
// document-state before anything else, and broadcasts flow to it only
// afterwards.
func TestHubJoinerFirstMessageIsDocumentState(t *testing.T) {
	h := newTestHub(t)
	s1 := newFakeSink()

	_, err := h.Join(context.Background(), "s1", "doc-first", engine.UserRecord{UserID: "u1"}, s1)
	require.NoError(t, err)
	require.NoError(t, h.Enqueue("s1", &ot.Op{Kind: ot.KindInsert, Position: 0, Content: strp("hi"), UserID: "u1", Timestamp: 1}))
	s1.waitForType(t, "document-sync", 1, time.Second)

	s2 := newFakeSink()
	_, err = h.Join(context.Background(), "s2", "doc-first", engine.UserRecord{UserID: "u2"}, s2)
	require.NoError(t, err)

	msgs := s2.messages()
	require.NotEmpty(t, msgs)
	var typ, content string
	require.NoError(t, json.Unmarshal(msgs[0]["type"], &typ))
	require.Equal(t, "document-state", typ)
	require.NoError(t, json.Unmarshal(msgs[0]["content"], &content))
	assert.Equal(t, "hi", content)

	require.NoError(t, h.Enqueue("s1", &ot.Op{Kind: ot.KindInsert, Position: 2, Content: strp("!"), UserID: "u1", Timestamp: 2}))
	s2.waitForType(t, "operation-immediate", 1, time.Second)
	s2.waitForType(t, "document-sync", 1, time.Second)
}

// TestHubSyncOperationsReproduceContent: the content carried by a
// document-sync equals the previous content with the sync's own
// operations list applied in order.
func TestHubSyncOperationsReproduceContent(t *testing.T) {
	h := newTestHub(t)
	s1, s2 := newFakeSink(), newFakeSink()

	_, err := h.Join(context.Background(), "s1", "doc-p7", engine.UserRecord{UserID: "u1"}, s1)
	require.NoError(t, err)
	_, err = h.Join(context.Background(), "s2", "doc-p7", engine.UserRecord{UserID: "u2"}, s2)
	require.NoError(t, err)

	require.NoError(t, h.Enqueue("s1", &ot.Op{Kind: ot.KindInsert, Position: 0, Content: strp("HELLO"), UserID: "u1", Timestamp: 100}))
	require.NoError(t, h.Enqueue("s2", &ot.Op{Kind: ot.KindInsert, Position: 0, Content: strp("WORLD"), UserID: "u2", Timestamp: 101}))

	s1.waitForType(t, "document-sync", 1, time.Second)

	var syncContent string
	var syncOps []*ot.Op
	for _, m := range s1.messages() {
		var typ string
		json.Unmarshal(m["type"], &typ)
		if typ == "document-sync" {
			require.NoError(t, json.Unmarshal(m["content"], &syncContent))
			require.NoError(t, json.Unmarshal(m["operations"], &syncOps))
			break
		}
	}

	text := "" // previous content was the freshly created empty document
	for _, op := range syncOps {
		var err error
		text, err = ot.Apply(text, op)
		require.NoError(t, err)
	}
	assert.Equal(t, syncContent, text)
}

// TestHubOperationImmediateSkipsOriginator covers the minus-originator
// routing rule.
func TestHubOperationImmediateSkipsOriginator(t *testing.T) {
	h := newTestHub(t)
	s1, s2 := newFakeSink(), newFakeSink()

	_, err := h.Join(context.Background(), "s1", "doc-echo", engine.UserRecord{UserID: "u1"}, s1)
	require.NoError(t, err)
	_, err = h.Join(context.Background(), "s2", "doc-echo", engine.UserRecord{UserID: "u2"}, s2)
	require.NoError(t, err)

	require.NoError(t, h.Enqueue("s1", &ot.Op{Kind: ot.KindInsert, Position: 0, Content: strp("x"), UserID: "u1", Timestamp: 1}))

	s2.waitForType(t, "operation-immediate", 1, time.Second)
	assert.Equal(t, 0, s1.countType("operation-immediate"))

	// The canonical document-sync goes to everyone, originator included.
	s1.waitForType(t, "document-sync", 1, time.Second)
	s2.waitForType(t, "document-sync", 1, time.Second)
}

func TestHubCursorUpdateSkipsOriginator(t *testing.T) {
	h := newTestHub(t)
	s1, s2 := newFakeSink(), newFakeSink()

	_, err := h.Join(context.Background(), "s1", "doc-cur", engine.UserRecord{UserID: "u1"}, s1)
	require.NoError(t, err)
	_, err = h.Join(context.Background(), "s2", "doc-cur", engine.UserRecord{UserID: "u2"}, s2)
	require.NoError(t, err)

	require.NoError(t, h.Cursor("s1", engine.Cursor{Position: 3}))

	s2.waitForType(t, "cursor-update", 1, time.Second)
	assert.Equal(t, 0, s1.countType("cursor-update"))
}

// TestHubSinkFailureDisconnectsSession: a sink whose Send errors is
// removed and its session leaves the document, which the surviving peer
// observes as user-left.
func TestHubSinkFailureDisconnectsSession(t *testing.T) {
	h := newTestHub(t)
	good := newFakeSink()
	bad := newFakeSink()
	bad.failAfter = 0

	_, err := h.Join(context.Background(), "s-good", "doc-sink", engine.UserRecord{UserID: "u1"}, good)
	require.NoError(t, err)
	_, err = h.Join(context.Background(), "s-bad", "doc-sink", engine.UserRecord{UserID: "u2"}, bad)
	require.NoError(t, err)

	// The bad sink already failed its document-state send, which trips the
	// disconnect before it ever joins the broadcast set.
	require.NoError(t, h.Enqueue("s-good", &ot.Op{Kind: ot.KindInsert, Position: 0, Content: strp("x"), UserID: "u1", Timestamp: 1}))

	good.waitForType(t, "user-left", 1, time.Second)

	deadline := time.Now().Add(time.Second)
	for {
		if _, ok := h.sessionInfo("s-bad"); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("failing sink's session was never removed from the registry")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestHubEnqueueUnknownSession(t *testing.T) {
	h := newTestHub(t)
	err := h.Enqueue("nope", &ot.Op{Kind: ot.KindInsert, Position: 0, Content: strp("x")})
	require.ErrorIs(t, err, ErrUnroutableSession)
}

func TestHubDisconnectIsIdempotent(t *testing.T) {
	h := newTestHub(t)
	sink := newFakeSink()
	_, err := h.Join(context.Background(), "s1", "doc-disc", engine.UserRecord{UserID: "u1"}, sink)
	require.NoError(t, err)

	h.Disconnect("s1")
	h.Disconnect("s1")

	_, ok := h.sessionInfo("s1")
	assert.False(t, ok)
}

// loopbackBackplane behaves like a real pub/sub broker: every published
// frame is delivered to every subscriber of the channel, the publisher's
// own subscription included.
type loopbackBackplane struct {
	mu   sync.Mutex
	subs map[string][]chan []byte
}

func newLoopbackBackplane() *loopbackBackplane {
	return &loopbackBackplane{subs: make(map[string][]chan []byte)}
}

func (b *loopbackBackplane) Publish(ctx context.Context, documentID string, payload []byte) error {
	b.mu.Lock()
	chans := append([]chan []byte(nil), b.subs[documentID]...)
	b.mu.Unlock()
	for _, ch := range chans {
		cp := make([]byte, len(payload))
		copy(cp, payload)
		ch <- cp
	}
	return nil
}

func (b *loopbackBackplane) Subscribe(ctx context.Context, documentID string) (<-chan []byte, func(), error) {
	ch := make(chan []byte, 64)
	b.mu.Lock()
	b.subs[documentID] = append(b.subs[documentID], ch)
	b.mu.Unlock()
	return ch, func() {}, nil
}

// A process subscribed to its own publishes must not re-deliver them
// locally: each client sees exactly one document-sync per flush and the
// originator never receives its own operation-immediate back.
func TestHubBackplaneDoesNotEchoOwnMessages(t *testing.T) {
	st, err := store.NewFileStore(t.TempDir(), nil)
	require.NoError(t, err)
	cfg := engine.Config{DebounceDelay: 30 * time.Millisecond, TailSize: 10, IdleEviction: time.Hour}
	h := New(st, audit.NoopLogger{}, newLoopbackBackplane(), cfg, nil)

	s1, s2 := newFakeSink(), newFakeSink()
	_, err = h.Join(context.Background(), "s1", "doc-loop", engine.UserRecord{UserID: "u1"}, s1)
	require.NoError(t, err)
	_, err = h.Join(context.Background(), "s2", "doc-loop", engine.UserRecord{UserID: "u2"}, s2)
	require.NoError(t, err)

	require.NoError(t, h.Enqueue("s1", &ot.Op{Kind: ot.KindInsert, Position: 0, Content: strp("x"), UserID: "u1", Timestamp: 1}))

	s1.waitForType(t, "document-sync", 1, time.Second)
	s2.waitForType(t, "document-sync", 1, time.Second)

	// Give any wrongly echoed frame time to come back around.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, s1.countType("document-sync"))
	assert.Equal(t, 1, s2.countType("document-sync"))
	assert.Equal(t, 0, s1.countType("operation-immediate"))
	assert.Equal(t, 1, s2.countType("operation-immediate"))
}

// Frames published by one process reach another process's sessions of the
// same document through the backplane.
func TestHubBackplaneRelaysAcrossProcesses(t *testing.T) {
	bp := newLoopbackBackplane()
	cfg := engine.Config{DebounceDelay: 30 * time.Millisecond, TailSize: 10, IdleEviction: time.Hour}

	stA, err := store.NewFileStore(t.TempDir(), nil)
	require.NoError(t, err)
	hA := New(stA, audit.NoopLogger{}, bp, cfg, nil)

	stB, err := store.NewFileStore(t.TempDir(), nil)
	require.NoError(t, err)
	hB := New(stB, audit.NoopLogger{}, bp, cfg, nil)

	sA, sB := newFakeSink(), newFakeSink()
	_, err = hA.Join(context.Background(), "sA", "doc-x", engine.UserRecord{UserID: "uA"}, sA)
	require.NoError(t, err)
	_, err = hB.Join(context.Background(), "sB", "doc-x", engine.UserRecord{UserID: "uB"}, sB)
	require.NoError(t, err)

	require.NoError(t, hA.Enqueue("sA", &ot.Op{Kind: ot.KindInsert, Position: 0, Content: strp("x"), UserID: "uA", Timestamp: 1}))

	sB.waitForType(t, "document-sync", 1, time.Second)
	sA.waitForType(t, "document-sync", 1, time.Second)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, sA.countType("document-sync"), "publisher's own frame must not double back")
}

func TestHubShutdownAllPersistsPending(t *testing.T) {
	st, err := store.NewFileStore(t.TempDir(), nil)
	require.NoError(t, err)
	cfg := engine.Config{DebounceDelay: time.Hour, TailSize: 10, IdleEviction: time.Hour}
	h := New(st, audit.NoopLogger{}, NewNoopBackplane(), cfg, nil)

	sink := newFakeSink()
	_, err = h.Join(context.Background(), "s1", "doc-drain", engine.UserRecord{UserID: "u1"}, sink)
	require.NoError(t, err)
	require.NoError(t, h.Enqueue("s1", &ot.Op{Kind: ot.KindInsert, Position: 0, Content: strp("Z"), UserID: "u1", Timestamp: 1}))

	require.NoError(t, h.ShutdownAll(time.Second))

	loaded, err := st.Load(context.Background(), "doc-drain")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "Z", loaded.Content)
}
