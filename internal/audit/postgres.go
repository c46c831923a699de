package audit

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// schema is applied once at startup.
const schema = `
CREATE TABLE IF NOT EXISTS operation_audit (
	id BIGSERIAL PRIMARY KEY,
	document_id TEXT NOT NULL,
	operation_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	position INTEGER NOT NULL,
	length INTEGER,
	version INTEGER NOT NULL,
	applied_at TIMESTAMPTZ NOT NULL
)`

// PostgresLogger persists audit records to a Postgres table via pgxpool.
// Every call is best-effort: failures are logged and swallowed, never
// propagated back into the engine's flush path.
type PostgresLogger struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

// NewPostgresLogger connects to dsn, creates the audit table if absent,
// and returns a ready Logger.
func NewPostgresLogger(ctx context.Context, dsn string, log *zap.Logger) (*PostgresLogger, error) {
	if log == nil {
		log = zap.NewNop()
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	initCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := pool.Exec(initCtx, schema); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresLogger{pool: pool, log: log}, nil
}

func (p *PostgresLogger) Record(ctx context.Context, rec Record) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO operation_audit (document_id, operation_id, user_id, kind, position, length, version, applied_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.DocumentID, rec.OperationID, rec.UserID, rec.Kind, rec.Position, rec.Length, rec.Version, rec.AppliedAt)
	if err != nil {
		p.log.Warn("audit insert failed (best-effort)", zap.String("documentId", rec.DocumentID), zap.Error(err))
	}
	return err
}

// Entries returns the audit trail for documentID, most recent first, used
// by the (ADDED) GET /api/documents/:id/audit endpoint.
func (p *PostgresLogger) Entries(ctx context.Context, documentID string, limit int) ([]Record, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT document_id, operation_id, user_id, kind, position, length, version, applied_at
		 FROM operation_audit WHERE document_id = $1 ORDER BY id DESC LIMIT $2`,
		documentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.DocumentID, &rec.OperationID, &rec.UserID, &rec.Kind, &rec.Position, &rec.Length, &rec.Version, &rec.AppliedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *PostgresLogger) Close() {
	p.pool.Close()
}
