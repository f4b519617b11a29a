package repository

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/FilipeAphrody/sentinel-guard/internal/domain"
)

// PostgresAuditSink implements domain.EventSink by appending to the audit_logs table.
type PostgresAuditSink struct {
	db *sql.DB
}

// NewPostgresAuditSink creates a new sink instance.
func NewPostgresAuditSink(db *sql.DB) *PostgresAuditSink {
	return &PostgresAuditSink{db: db}
}

// Publish inserts an immutable record into the audit_logs table.
func (s *PostgresAuditSink) Publish(ctx context.Context, ev domain.SecurityEvent) error {
	metaJSON, err := json.Marshal(ev.Details)
	if err != nil || ev.Details == nil {
		metaJSON = []byte("{}")
	}

	query := `
		INSERT INTO audit_logs (event_id, user_id, event_type, severity, ip_address, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	// Anonymous events (e.g. failed login for an unknown email) have no user.
	var uid sql.NullString
	if ev.SubjectID != "" {
		uid.String = ev.SubjectID
		uid.Valid = true
	}

	_, err = s.db.ExecContext(ctx, query, ev.ID, uid, string(ev.Type), string(ev.Severity), ev.IP, metaJSON, ev.Timestamp)
	if err != nil {
		return errors.Wrap(err, "insert audit log")
	}
	return nil
}
