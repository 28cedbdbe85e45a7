/*
Package registry tracks physical devices platform-wide, keyed by IMEI.

PURPOSE:
  One entry per IMEI, forever. The entry remembers the first agent that ever
  registered the device (immutable) and the agent currently holding it
  (transfers on re-registration). Blacklisted entries block new sale-bound
  phone creation while staying readable for audit.

WHY A SEPARATE ENGINE:
  The registry is platform state, not agent state: the same physical device
  moves between agents over its life, and the platform needs to see that
  history regardless of whose inventory it sits in today. Nothing here
  touches Phone or Sale rows.

SEE ALSO:
  - core/types.go: RegistryEntry
  - ledger/ledger.go: consults the blacklist before creating a sale
*/
package registry

import (
	"context"
	"time"

	"github.com/lockpay/installment-engine/core"
)

// Registry is the platform IMEI registry engine.
type Registry struct {
	store core.Store
	audit core.Recorder
}

func New(store core.Store, audit core.Recorder) *Registry {
	if audit == nil {
		audit = core.NopRecorder{}
	}
	return &Registry{store: store, audit: audit}
}

// RegisterOrTransfer records an agent taking possession of an IMEI.
//
// First sight creates the entry with first = current = agent. A later call
// from a different agent transfers current ownership; FirstRegisteredAgent
// never changes. Returns ErrBlacklisted for blacklisted devices because
// every call on this path is sale-bound; use Lookup for audit reads.
func (r *Registry) RegisterOrTransfer(ctx context.Context, imei string, agentID core.AgentID) (*core.RegistryEntry, error) {
	if imei == "" {
		return nil, &core.ValidationError{Field: "imei", Message: "must not be empty"}
	}

	entry, err := r.store.FindRegistryEntry(ctx, imei)
	if err != nil {
		return nil, err
	}

	if entry == nil {
		entry = &core.RegistryEntry{
			IMEI:                 imei,
			FirstRegisteredAgent: agentID,
			CurrentAgent:         agentID,
			CreatedAt:            time.Now().UTC(),
		}
		if err := r.store.SaveRegistryEntry(ctx, entry); err != nil {
			return nil, err
		}
		r.audit.Record(ctx, string(agentID), "imei_registered", "registry_entry", imei, nil)
		return entry, nil
	}

	if entry.Blacklisted {
		return nil, core.ErrBlacklisted
	}

	if entry.CurrentAgent != agentID {
		prev := entry.CurrentAgent
		entry.CurrentAgent = agentID
		if err := r.store.SaveRegistryEntry(ctx, entry); err != nil {
			return nil, err
		}
		r.audit.Record(ctx, string(agentID), "imei_transferred", "registry_entry", imei,
			map[string]string{"from_agent": string(prev)})
	}
	return entry, nil
}

// Lookup reads an entry without any blacklist gate. Returns a NotFoundError
// for never-seen IMEIs.
func (r *Registry) Lookup(ctx context.Context, imei string) (*core.RegistryEntry, error) {
	entry, err := r.store.FindRegistryEntry(ctx, imei)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, &core.NotFoundError{Kind: "registry_entry", ID: imei}
	}
	return entry, nil
}

// Blacklist flags an IMEI. Idempotent.
func (r *Registry) Blacklist(ctx context.Context, imei, actor string) error {
	return r.setBlacklist(ctx, imei, actor, true, "imei_blacklisted")
}

// Unblacklist clears the flag. Idempotent.
func (r *Registry) Unblacklist(ctx context.Context, imei, actor string) error {
	return r.setBlacklist(ctx, imei, actor, false, "imei_unblacklisted")
}

func (r *Registry) setBlacklist(ctx context.Context, imei, actor string, flag bool, action string) error {
	entry, err := r.store.FindRegistryEntry(ctx, imei)
	if err != nil {
		return err
	}
	if entry == nil {
		return &core.NotFoundError{Kind: "registry_entry", ID: imei}
	}
	if entry.Blacklisted == flag {
		return nil
	}
	entry.Blacklisted = flag
	if err := r.store.SaveRegistryEntry(ctx, entry); err != nil {
		return err
	}
	r.audit.Record(ctx, actor, action, "registry_entry", imei, nil)
	return nil
}
