package transport

import (
	"fmt"

	"go.uber.org/zap"
)

// Handler processes one decoded inbound envelope for a connection.
type Handler func(c *Conn, env inboundEnvelope) error

// Dispatcher routes inbound envelopes by their "type" discriminator.
type Dispatcher struct {
	handlers map[string]Handler
	log      *zap.Logger
}

// NewDispatcher registers the three inbound message types.
func NewDispatcher(log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	d := &Dispatcher{handlers: make(map[string]Handler), log: log}
	d.Register(msgJoinDocument, handleJoinDocument)
	d.Register(msgOperation, handleOperation)
	d.Register(msgCursorUpdate, handleCursorUpdate)
	return d
}

// Register binds typ to h, overwriting any previous handler for typ.
func (d *Dispatcher) Register(typ string, h Handler) {
	d.handlers[typ] = h
}

// Dispatch runs the handler registered for env.Type against c.
func (d *Dispatcher) Dispatch(c *Conn, env inboundEnvelope) error {
	h, ok := d.handlers[env.Type]
	if !ok {
		return fmt.Errorf("no handler for message type %q", env.Type)
	}
	return h(c, env)
}
