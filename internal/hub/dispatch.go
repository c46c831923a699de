package hub

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"collabedit/internal/engine"
)

// backplaneFrame wraps a published wire message with the publishing
// process's node id, so a process can recognize and skip its own messages
// when they come back around on the subscription.
type backplaneFrame struct {
	Origin  string          `json:"origin"`
	Payload json.RawMessage `json:"payload"`
}

// emitFor returns the Emitter a given document's Engine will call with
// every outbound event. It fans out to local sessions and, when a
// backplane is configured, publishes broadcasts to other processes too.
// Targeted events (document-state, error replies) stay local: their
// recipient is by definition a session of this process.
func (h *Hub) emitFor(documentID string) engine.Emitter {
	return func(e engine.Event) {
		data, err := encodeEvent(e)
		if err != nil {
			h.log.Warn("failed to encode outbound event", zap.String("documentId", documentID), zap.Error(err))
			return
		}
		if e.Type == engine.EventDocumentState {
			h.sendDocumentStateAndAttach(e.TargetSessionID, documentID, data)
			return
		}
		h.deliverLocal(e, data)
		if e.TargetSessionID != "" {
			return
		}
		frame, err := json.Marshal(backplaneFrame{Origin: h.nodeID, Payload: data})
		if err != nil {
			h.log.Warn("failed to encode backplane frame", zap.String("documentId", documentID), zap.Error(err))
			return
		}
		if err := h.backplane.Publish(context.Background(), documentID, frame); err != nil {
			h.log.Debug("backplane publish failed (best-effort)", zap.String("documentId", documentID), zap.Error(err))
		}
	}
}

// sendDocumentStateAndAttach queues the document-state message to the
// joining session's sink, then adds the session to the document's
// broadcast set. The engine's actor loop is the only emitter for this
// document, so nothing can be broadcast to the session between the two
// steps; its first message is always document-state.
func (h *Hub) sendDocumentStateAndAttach(sessionID, documentID string, data []byte) {
	info, ok := h.sessionInfo(sessionID)
	if !ok {
		return
	}
	if err := info.Sink.Send(data); err != nil {
		h.log.Debug("sink send failed, disconnecting session", zap.String("sessionId", sessionID), zap.Error(err))
		go h.Disconnect(sessionID)
		return
	}

	h.mu.Lock()
	if h.sessions[sessionID] != nil {
		if h.byDoc[documentID] == nil {
			h.byDoc[documentID] = make(map[string]bool)
		}
		h.byDoc[documentID][sessionID] = true
	}
	h.mu.Unlock()
}

// deliverLocal fans e out to this process's sessions of e.DocumentID,
// applying the TargetSessionID/ExcludeSessionID routing rules. A sink
// whose Send fails has its session disconnected on a separate goroutine
// so the Engine's actor loop, which is the caller of this function, is
// never blocked waiting on it.
func (h *Hub) deliverLocal(e engine.Event, data []byte) {
	h.mu.RLock()
	var targets []string
	if e.TargetSessionID != "" {
		if h.sessions[e.TargetSessionID] != nil {
			targets = []string{e.TargetSessionID}
		}
	} else {
		set := h.byDoc[e.DocumentID]
		targets = make([]string, 0, len(set))
		for sid := range set {
			if sid == e.ExcludeSessionID {
				continue
			}
			targets = append(targets, sid)
		}
	}
	sinks := make(map[string]Sink, len(targets))
	for _, sid := range targets {
		if info := h.sessions[sid]; info != nil {
			sinks[sid] = info.Sink
		}
	}
	h.mu.RUnlock()

	for sid, sink := range sinks {
		if err := sink.Send(data); err != nil {
			h.log.Debug("sink send failed, disconnecting session", zap.String("sessionId", sid), zap.Error(err))
			go h.Disconnect(sid)
		}
	}
}

// relayFromBackplane delivers a frame published by another process to this
// process's local sessions of documentID. Frames this process published
// itself are skipped (the local fan-out already happened in emitFor), and
// nothing is re-published, which would loop forever across processes.
func (h *Hub) relayFromBackplane(documentID string, data []byte) {
	var frame backplaneFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		h.log.Debug("malformed backplane frame dropped", zap.String("documentId", documentID), zap.Error(err))
		return
	}
	if frame.Origin == h.nodeID {
		return
	}

	h.mu.RLock()
	set := h.byDoc[documentID]
	sinks := make([]Sink, 0, len(set))
	for sid := range set {
		if info := h.sessions[sid]; info != nil {
			sinks = append(sinks, info.Sink)
		}
	}
	h.mu.RUnlock()

	for _, sink := range sinks {
		_ = sink.Send(frame.Payload)
	}
}

func (h *Hub) ensureBackplaneSubscription(documentID string) {
	h.backplaneSubsMu.Lock()
	defer h.backplaneSubsMu.Unlock()
	if _, ok := h.backplaneSubs[documentID]; ok {
		return
	}
	ch, cancel, err := h.backplane.Subscribe(context.Background(), documentID)
	if err != nil {
		h.log.Debug("backplane subscribe failed (best-effort)", zap.String("documentId", documentID), zap.Error(err))
		return
	}
	h.backplaneSubs[documentID] = cancel
	go func() {
		for data := range ch {
			h.relayFromBackplane(documentID, data)
		}
	}()
}

// encodeEvent flattens an engine.Event's payload into a single JSON object
// tagged with its wire "type" (operation-immediate, document-sync,
// user-joined, ...), reused verbatim from engine.EventType.
func encodeEvent(e engine.Event) ([]byte, error) {
	return encodeTyped(string(e.Type), e.Payload)
}

func encodeTyped(typ string, payload interface{}) ([]byte, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(payloadBytes, &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]json.RawMessage{}
	}
	typeBytes, err := json.Marshal(typ)
	if err != nil {
		return nil, err
	}
	m["type"] = typeBytes
	return json.Marshal(m)
}
