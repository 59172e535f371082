// Package registry resolves a tenant's configured upstream providers.
//
// Upstream credentials are stored AES-256-GCM encrypted and are decrypted
// only here, at the moment a candidate list is handed to the dispatcher.
// Plaintext keys never appear in logs, ledger rows, or API responses.
package registry

import (
	"context"
	"fmt"

	"github.com/cognitude/gateway/internal/providers"
	"github.com/cognitude/gateway/internal/storage"
)

// Candidate is one resolved (provider kind, decrypted credential) pair.
type Candidate struct {
	Kind     string
	Priority int
	APIKey   string
}

// Registry wraps the provider-config store with credential encryption.
type Registry struct {
	store storage.ProviderConfigStore
	key   []byte // 32-byte AES key
}

// New creates a Registry. encryptionKey must be exactly 32 bytes.
func New(store storage.ProviderConfigStore, encryptionKey []byte) (*Registry, error) {
	if len(encryptionKey) != 32 {
		return nil, fmt.Errorf("registry: encryption key must be 32 bytes, got %d", len(encryptionKey))
	}
	return &Registry{store: store, key: encryptionKey}, nil
}

// Resolve returns the tenant's enabled providers in dispatch order: the
// preferred kind first when enabled, then the rest by ascending priority,
// then ascending id. Disabled entries are skipped.
func (r *Registry) Resolve(ctx context.Context, orgID int64, preferred string) ([]Candidate, error) {
	configs, err := r.store.ListProviderConfigs(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("registry: list configs: %w", err)
	}

	var head, tail []Candidate
	for _, c := range configs { // store orders by (priority, id)
		if !c.Enabled {
			continue
		}
		apiKey, err := decrypt(r.key, c.APIKeyCiphertext)
		if err != nil {
			return nil, fmt.Errorf("registry: provider %s: %w", c.Provider, err)
		}
		cand := Candidate{Kind: c.Provider, Priority: c.Priority, APIKey: apiKey}
		if c.Provider == preferred {
			head = append(head, cand)
		} else {
			tail = append(tail, cand)
		}
	}

	return append(head, tail...), nil
}

// Create encrypts the plaintext key and stores a new provider config.
func (r *Registry) Create(ctx context.Context, orgID int64, kind, apiKey string, enabled bool, priority int) (*storage.ProviderConfig, error) {
	if !providers.ValidKind(kind) {
		return nil, fmt.Errorf("registry: unknown provider kind %q", kind)
	}
	ct, err := encrypt(r.key, apiKey)
	if err != nil {
		return nil, err
	}
	cfg := &storage.ProviderConfig{
		OrgID:            orgID,
		Provider:         kind,
		APIKeyCiphertext: ct,
		Enabled:          enabled,
		Priority:         priority,
	}
	if err := r.store.CreateProviderConfig(ctx, cfg); err != nil {
		return nil, fmt.Errorf("registry: create: %w", err)
	}
	return cfg, nil
}

// Update rewrites a provider config. An empty apiKey keeps the stored
// credential; a non-empty one is re-encrypted.
func (r *Registry) Update(ctx context.Context, orgID, id int64, apiKey string, enabled bool, priority int) (*storage.ProviderConfig, error) {
	cfg, err := r.store.GetProviderConfig(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	if apiKey != "" {
		ct, err := encrypt(r.key, apiKey)
		if err != nil {
			return nil, err
		}
		cfg.APIKeyCiphertext = ct
	}
	cfg.Enabled = enabled
	cfg.Priority = priority
	if err := r.store.UpdateProviderConfig(ctx, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// List returns the tenant's provider configs with ciphertext blanked, for
// the management API.
func (r *Registry) List(ctx context.Context, orgID int64) ([]*storage.ProviderConfig, error) {
	configs, err := r.store.ListProviderConfigs(ctx, orgID)
	if err != nil {
		return nil, err
	}
	for _, c := range configs {
		c.APIKeyCiphertext = ""
	}
	return configs, nil
}

// Delete removes a provider config.
func (r *Registry) Delete(ctx context.Context, orgID, id int64) error {
	return r.store.DeleteProviderConfig(ctx, orgID, id)
}
