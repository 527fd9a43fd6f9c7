package oauthcore

import (
	"context"
	"sync"
)

// fakeIntegrationStore is an in-memory IntegrationStore for controller
// tests, avoiding any dependency on a live Postgres connection or
// internal/tenant's context wiring.
type fakeIntegrationStore struct {
	mu     sync.Mutex
	byID   map[string]*Integration
	nextID int
}

func newFakeIntegrationStore() *fakeIntegrationStore {
	return &fakeIntegrationStore{byID: make(map[string]*Integration)}
}

func (f *fakeIntegrationStore) put(in *Integration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[in.ID] = in
}

func (f *fakeIntegrationStore) Create(ctx context.Context, tenantID, providerID, createdBy string) (*Integration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	in := &Integration{
		ID:         fakeID(f.nextID),
		TenantID:   tenantID,
		ProviderID: providerID,
		Status:     StatusIdle,
		CreatedBy:  createdBy,
		UpdatedBy:  createdBy,
	}
	f.byID[in.ID] = in
	return in, nil
}

func (f *fakeIntegrationStore) FindByID(ctx context.Context, id string) (*Integration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	in, ok := f.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	copyIn := *in
	return &copyIn, nil
}

func (f *fakeIntegrationStore) FindByProvider(ctx context.Context, providerID string) (*Integration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, in := range f.byID {
		if in.ProviderID == providerID {
			copyIn := *in
			return &copyIn, nil
		}
	}
	return nil, ErrNotFound
}

func (f *fakeIntegrationStore) SetFlowContext(ctx context.Context, id string, flow *FlowContext) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	in, ok := f.byID[id]
	if !ok {
		return ErrNotFound
	}
	in.Flow = flow
	return nil
}

func (f *fakeIntegrationStore) UpdateTokens(ctx context.Context, id string, tokens ExchangeResult, updatedBy string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	in, ok := f.byID[id]
	if !ok {
		return ErrNotFound
	}
	in.AccessToken = tokens.AccessToken
	in.RefreshToken = tokens.RefreshToken
	in.ExpiresAt = tokens.ExpiresAt
	in.Scopes = tokens.Scopes
	in.Status = StatusActive
	in.UpdatedBy = updatedBy
	in.Flow = nil
	return nil
}

func (f *fakeIntegrationStore) MarkErrored(ctx context.Context, id, updatedBy string) error {
	return f.setStatus(id, StatusError, updatedBy)
}

func (f *fakeIntegrationStore) MarkRevoked(ctx context.Context, id, updatedBy string) error {
	return f.setStatus(id, StatusRevoked, updatedBy)
}

func (f *fakeIntegrationStore) setStatus(id string, status IntegrationStatus, updatedBy string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	in, ok := f.byID[id]
	if !ok {
		return ErrNotFound
	}
	in.Status = status
	in.UpdatedBy = updatedBy
	return nil
}

func (f *fakeIntegrationStore) ClearFlow(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	in, ok := f.byID[id]
	if !ok {
		return ErrNotFound
	}
	in.Flow = nil
	return nil
}

func fakeID(n int) string {
	const hex = "0123456789abcdef"
	id := make([]byte, 24)
	for i := range id {
		id[i] = '0'
	}
	i := len(id) - 1
	for n > 0 && i >= 0 {
		id[i] = hex[n%16]
		n /= 16
		i--
	}
	return string(id)
}

// fakeProviderCatalog is an in-memory ProviderLookup for controller tests.
type fakeProviderCatalog struct {
	byID map[string]Provider
}

func newFakeProviderCatalog(providers ...Provider) *fakeProviderCatalog {
	c := &fakeProviderCatalog{byID: make(map[string]Provider)}
	for _, p := range providers {
		c.byID[p.ID] = p
	}
	return c
}

func (c *fakeProviderCatalog) FindByID(ctx context.Context, id string) (Provider, error) {
	p, ok := c.byID[id]
	if !ok {
		return Provider{}, ErrNotFound
	}
	return p, nil
}

func (c *fakeProviderCatalog) FindBySlug(ctx context.Context, slug string) (Provider, error) {
	for _, p := range c.byID {
		if p.Slug == slug {
			return p, nil
		}
	}
	return Provider{}, ErrNotFound
}
