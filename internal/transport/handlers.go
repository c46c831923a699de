package transport

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"collabedit/internal/engine"
	"collabedit/internal/hub"
)

func handleJoinDocument(c *Conn, env inboundEnvelope) error {
	if env.DocumentID == "" {
		return fmt.Errorf("join-document requires documentId")
	}
	user := engine.UserRecord{
		UserID:      firstNonEmpty(env.UserID, c.sessionID),
		DisplayName: env.DisplayName,
		Color:       env.Color,
		Avatar:      env.Avatar,
	}
	// The hub delivers document-state to this connection's sink from
	// within the engine's join job, before the session becomes a broadcast
	// target; nothing to send here on success.
	if _, err := c.hub.Join(context.Background(), c.sessionID, env.DocumentID, user, c); err != nil {
		c.log.Warn("join-document failed", zap.String("documentId", env.DocumentID), zap.Error(err))
		return c.sendError(err.Error())
	}
	c.setDocumentID(env.DocumentID)
	return nil
}

func handleOperation(c *Conn, env inboundEnvelope) error {
	if env.Operation == nil {
		return fmt.Errorf("operation message requires an operation payload")
	}
	if err := c.hub.Enqueue(c.sessionID, env.Operation); err != nil {
		if errors.Is(err, hub.ErrUnroutableSession) {
			return c.sendError(err.Error())
		}
		// Rejections from inside the engine (invalid op, unknown session)
		// are already reported to the originator by the engine's error
		// event; nothing further to do here beyond the diagnostic log.
		c.log.Debug("enqueue rejected", zap.Error(err))
	}
	return nil
}

func handleCursorUpdate(c *Conn, env inboundEnvelope) error {
	if env.Cursor == nil {
		return fmt.Errorf("cursor-update message requires a cursor payload")
	}
	if err := c.hub.Cursor(c.sessionID, *env.Cursor); err != nil {
		if errors.Is(err, hub.ErrUnroutableSession) {
			return c.sendError(err.Error())
		}
		c.log.Debug("cursor update rejected", zap.Error(err))
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
