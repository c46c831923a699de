// Package audit implements the best-effort operation audit log: a side
// channel that records applied operations to Postgres without ever being
// consulted to reconstruct document state.
package audit

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Record is one applied operation's audit trail entry.
type Record struct {
	DocumentID  string
	OperationID string
	UserID      string
	Kind        string
	Position    int
	Length      *int
	Version     int
	AppliedAt   time.Time
}

// Logger records applied operations. Implementations must be best-effort:
// a failure here must never block or fail the flush that produced the
// record.
type Logger interface {
	Record(ctx context.Context, rec Record) error
	Close()
}

// NoopLogger discards every record. Used when AUDIT_DATABASE_URL is unset.
type NoopLogger struct{}

func (NoopLogger) Record(ctx context.Context, rec Record) error { return nil }
func (NoopLogger) Close()                                       {}

// debugLogger logs at debug level instead of discarding silently,
// useful in tests that want to assert the audit path was exercised.
type debugLogger struct {
	log *zap.Logger
}

// NewDebugLogger returns a Logger that only logs, for tests.
func NewDebugLogger(log *zap.Logger) Logger {
	return &debugLogger{log: log}
}

func (d *debugLogger) Record(ctx context.Context, rec Record) error {
	d.log.Debug("audit record", zap.String("documentId", rec.DocumentID), zap.String("operationId", rec.OperationID), zap.String("kind", rec.Kind))
	return nil
}

func (d *debugLogger) Close() {}
