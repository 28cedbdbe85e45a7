package core

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// =============================================================================
// AUDIT SINK - best-effort compliance trail, separate from the ledger
// =============================================================================

// AuditEntry records who did what to which entity.
type AuditEntry struct {
	ID         string
	Actor      string
	Action     string // "sale_created", "payment_applied", "command_executed", ...
	EntityType string // "sale", "settlement", "device_command", ...
	EntityID   string
	Metadata   map[string]string
	Timestamp  time.Time
}

// AuditStore persists audit entries. Append-only.
type AuditStore interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
	QueryAudit(ctx context.Context, entityType, entityID string) ([]AuditEntry, error)
}

// Recorder is the fire-and-forget audit surface the engines call after each
// committed state transition. A failing sink must never roll back or fail
// the financial operation it describes.
type Recorder interface {
	Record(ctx context.Context, actor, action, entityType, entityID string, metadata map[string]string)
}

// StoreRecorder writes audit entries through an AuditStore, swallowing and
// logging failures.
type StoreRecorder struct {
	Sink AuditStore
	Log  *logrus.Logger
}

func NewStoreRecorder(sink AuditStore, log *logrus.Logger) *StoreRecorder {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &StoreRecorder{Sink: sink, Log: log}
}

func (r *StoreRecorder) Record(ctx context.Context, actor, action, entityType, entityID string, metadata map[string]string) {
	entry := AuditEntry{
		ID:         NewID("audit"),
		Actor:      actor,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Metadata:   metadata,
		Timestamp:  time.Now().UTC(),
	}
	if err := r.Sink.AppendAudit(ctx, entry); err != nil {
		r.Log.WithFields(logrus.Fields{
			"action":      action,
			"entity_type": entityType,
			"entity_id":   entityID,
		}).WithError(err).Warn("audit record dropped")
	}
}

// NopRecorder discards everything. Useful default so engines never need a
// nil check before recording.
type NopRecorder struct{}

func (NopRecorder) Record(context.Context, string, string, string, string, map[string]string) {}
