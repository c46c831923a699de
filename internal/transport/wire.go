// Package transport adapts gorilla/websocket connections into Hub
// sessions. It carries no semantic logic beyond framing and dispatch:
// one read pump decodes inbound records and dispatches by
// their "type" discriminator, one write pump drains the session's outbound
// queue onto the socket.
package transport

import (
	"encoding/json"

	"collabedit/internal/engine"
	"collabedit/internal/ot"
)

// inboundEnvelope captures every field any inbound message might carry;
// only the fields relevant to msg.Type are populated.
type inboundEnvelope struct {
	Type        string         `json:"type"`
	DocumentID  string         `json:"documentId"`
	Operation   *ot.Op         `json:"operation"`
	Cursor      *engine.Cursor `json:"cursor"`
	UserID      string         `json:"userId"`
	DisplayName string         `json:"displayName"`
	Color       string         `json:"color"`
	Avatar      string         `json:"avatar"`
}

const (
	msgJoinDocument = "join-document"
	msgOperation    = "operation"
	msgCursorUpdate = "cursor-update"
)

func decodeEnvelope(data []byte) (inboundEnvelope, error) {
	var env inboundEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return inboundEnvelope{}, err
	}
	return env, nil
}
