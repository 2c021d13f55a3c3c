/*
audit.go - Append-only audit trail of mutating operations

PURPOSE:
  Every state-changing operation records who did what, to which entity,
  after the primary write commits. The trail is best-effort: a failed
  audit append is logged and never fails the operation that triggered it.

KEY CONCEPTS:
  - AuditEntry: uuid-keyed record of actor, action, entity, and detail
  - Post-commit: services call Append after their transaction commits,
    so the trail never holds references to rolled-back writes
  - Best-effort: append failures surface as Warn logs only

SEE ALSO:
  - store/sqlite: audit_log table (insert-only)
  - cycle.go, reading.go, ledger.go: Call sites
*/
package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AuditEntry is one recorded action.
type AuditEntry struct {
	ID         string // uuid
	Actor      string
	Action     string // e.g. "cycle.transition", "reading.approve"
	EntityKind string // e.g. "cycle", "reading"
	EntityID   int64
	Detail     string
	CreatedAt  time.Time
}

// AuditStore persists audit entries. Insert-only.
type AuditStore interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
	ListAudit(ctx context.Context, entityKind string, entityID int64) ([]AuditEntry, error)
}

// AuditLog writes best-effort audit entries.
type AuditLog struct {
	store AuditStore
	log   *zap.Logger
}

func NewAuditLog(store AuditStore, log *zap.Logger) *AuditLog {
	if log == nil {
		log = zap.NewNop()
	}
	return &AuditLog{store: store, log: log}
}

// Append records an action. Failures are logged, never returned.
func (a *AuditLog) Append(ctx context.Context, actor, action, entityKind string, entityID int64, detail string) {
	if a == nil || a.store == nil {
		return
	}
	entry := AuditEntry{
		ID:         uuid.NewString(),
		Actor:      actor,
		Action:     action,
		EntityKind: entityKind,
		EntityID:   entityID,
		Detail:     detail,
		CreatedAt:  time.Now().UTC(),
	}
	if err := a.store.AppendAudit(ctx, entry); err != nil {
		a.log.Warn("audit append failed",
			zap.String("action", action),
			zap.String("entity_kind", entityKind),
			zap.Int64("entity_id", entityID),
			zap.Error(err))
	}
}

// Entries returns the trail for one entity, oldest first.
func (a *AuditLog) Entries(ctx context.Context, entityKind string, entityID int64) ([]AuditEntry, error) {
	return a.store.ListAudit(ctx, entityKind, entityID)
}
