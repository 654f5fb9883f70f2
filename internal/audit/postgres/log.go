// Package postgres provides the PostgreSQL audit log implementation.
package postgres

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Log appends audit events to the audit_log table.
type Log struct {
	db *pgxpool.Pool
}

// NewLog creates a new PostgreSQL audit log.
func NewLog(db *pgxpool.Pool) *Log {
	return &Log{db: db}
}

// Append records an audit event. Failures are logged and swallowed so that
// audit unavailability never fails a queue operation.
func (l *Log) Append(ctx context.Context, eventType, subject string, metadata map[string]any) {
	var meta []byte
	if len(metadata) > 0 {
		var err error
		meta, err = json.Marshal(metadata)
		if err != nil {
			slog.Warn("failed to marshal audit metadata", "event_type", eventType, "error", err)
			meta = nil
		}
	}

	query := `INSERT INTO audit_log (event_type, subject, metadata) VALUES ($1, $2, $3)`
	if _, err := l.db.Exec(ctx, query, eventType, subject, meta); err != nil {
		slog.Warn("failed to append audit event",
			"event_type", eventType,
			"subject", subject,
			"error", err,
		)
	}
}
