package shared

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// SystemActor marks entries written by scheduled jobs rather than a person.
const SystemActor = "system"

// AuditLog is one operator-visible action outside the stock movement ledger,
// such as a checkout, a void or a reconciliation run.
type AuditLog struct {
	Actor    string
	Action   string
	Entity   string
	EntityID string
	Meta     map[string]any
	At       time.Time
}

// normalize fills defaults and checks required fields.
func (l AuditLog) normalize(now time.Time) (AuditLog, error) {
	if l.Action == "" || l.Entity == "" || l.EntityID == "" {
		return l, errors.New("audit log requires action/entity/entity_id")
	}
	if l.Actor == "" {
		l.Actor = SystemActor
	}
	if l.At.IsZero() {
		l.At = now
	}
	if l.Meta == nil {
		l.Meta = map[string]any{}
	}
	return l, nil
}

// AuditLogger writes records into audit_logs.
type AuditLogger struct {
	pool  *pgxpool.Pool
	clock func() time.Time
}

// NewAuditLogger returns a new AuditLogger.
func NewAuditLogger(pool *pgxpool.Pool) *AuditLogger {
	return &AuditLogger{pool: pool, clock: func() time.Time { return time.Now().UTC() }}
}

// Record persists the log entry.
func (l *AuditLogger) Record(ctx context.Context, log AuditLog) error {
	if l == nil {
		return errors.New("audit logger not initialised")
	}
	log, err := log.normalize(l.clock())
	if err != nil {
		return err
	}
	metaJSON, err := json.Marshal(log.Meta)
	if err != nil {
		return fmt.Errorf("audit meta: %w", err)
	}
	_, err = l.pool.Exec(ctx, `INSERT INTO audit_logs (actor, action, entity, entity_id, meta, occurred_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		log.Actor, log.Action, log.Entity, log.EntityID, metaJSON, log.At)
	return err
}
