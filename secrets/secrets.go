/*
Package secrets resolves per-agent gateway credentials.

Key management is not a ledger concern: the core only ever sees an opaque
secret reference resolved through this interface, never the cryptographic
primitive protecting it at rest.
*/
package secrets

import (
	"context"
	"crypto/rand"
	"sync"

	"github.com/lockpay/installment-engine/core"
)

// Resolver hands out and rotates agent secrets.
type Resolver interface {
	// GetSecret returns the current secret bytes for the agent.
	GetSecret(ctx context.Context, agentID core.AgentID) ([]byte, error)

	// RotateSecret replaces the agent's secret and returns the new value.
	// Old values are gone; callers holding them must re-resolve.
	RotateSecret(ctx context.Context, agentID core.AgentID) ([]byte, error)
}

// InMemory is a process-local Resolver for development and tests. Production
// deployments back this interface with a real secret manager.
type InMemory struct {
	mu      sync.RWMutex
	secrets map[core.AgentID][]byte
}

func NewInMemory() *InMemory {
	return &InMemory{secrets: make(map[core.AgentID][]byte)}
}

func (m *InMemory) GetSecret(_ context.Context, agentID core.AgentID) ([]byte, error) {
	m.mu.RLock()
	s, ok := m.secrets[agentID]
	m.mu.RUnlock()
	if ok {
		out := make([]byte, len(s))
		copy(out, s)
		return out, nil
	}
	return m.RotateSecret(context.Background(), agentID)
}

func (m *InMemory) RotateSecret(_ context.Context, agentID core.AgentID) ([]byte, error) {
	s := make([]byte, 32)
	if _, err := rand.Read(s); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.secrets[agentID] = s
	m.mu.Unlock()
	out := make([]byte, len(s))
	copy(out, s)
	return out, nil
}

// Static resolves every agent to one fixed secret. Used for shared platform
// credentials supplied via configuration, e.g. the webhook signing key.
type Static struct {
	secret []byte
}

func NewStatic(secret []byte) *Static {
	out := make([]byte, len(secret))
	copy(out, secret)
	return &Static{secret: out}
}

func (s *Static) GetSecret(_ context.Context, _ core.AgentID) ([]byte, error) {
	out := make([]byte, len(s.secret))
	copy(out, s.secret)
	return out, nil
}

// RotateSecret is not supported for configuration-supplied secrets.
func (s *Static) RotateSecret(_ context.Context, _ core.AgentID) ([]byte, error) {
	return nil, &core.ValidationError{Field: "secret", Message: "static secrets cannot be rotated"}
}
