package oauthcore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dhirmadi/mwapserver-sub005/internal/tenant"
)

// ErrNotFound is returned by IntegrationStore methods when no row matches.
var ErrNotFound = errors.New("integration not found")

// IntegrationStore persists Cloud Provider Integrations. Implementations are
// expected to operate against a connection whose search_path is already set
// to the caller's tenant schema (see internal/tenant's middleware), so no
// lookup filters on a tenant id in SQL — the tenant scoping is structural,
// per §2's schema-per-tenant model.
type IntegrationStore interface {
	Create(ctx context.Context, tenantID, providerID, createdBy string) (*Integration, error)
	FindByID(ctx context.Context, id string) (*Integration, error)
	FindByProvider(ctx context.Context, providerID string) (*Integration, error)
	SetFlowContext(ctx context.Context, id string, flow *FlowContext) error
	UpdateTokens(ctx context.Context, id string, tokens ExchangeResult, updatedBy string) error
	MarkErrored(ctx context.Context, id, updatedBy string) error
	MarkRevoked(ctx context.Context, id, updatedBy string) error
	ClearFlow(ctx context.Context, id string) error
}

const integrationColumns = `
	id, tenant_id, provider_id, access_token, refresh_token, expires_at, scopes,
	status, flow_id, flow_nonce, flow_state_hash, flow_status, flow_created_at, flow_expires_at,
	pkce_verifier, pkce_challenge, pkce_method,
	created_at, updated_at, created_by, updated_by`

// PostgresIntegrationStore is the pgx-backed IntegrationStore implementation,
// grounded on the raw row-scan pattern used for API keys elsewhere in this
// codebase: no ORM, hand-written SQL and Scan calls per query. Access and
// refresh tokens are sealed/opened here, at the storage boundary, so no
// other package ever handles encrypted token bytes directly (§3, §4.3).
type PostgresIntegrationStore struct {
	pool         *pgxpool.Pool
	accessToken  *Encryptor
	refreshToken *Encryptor
}

// NewPostgresIntegrationStore creates a PostgresIntegrationStore backed by
// the given global connection pool and the access/refresh token Encryptors.
func NewPostgresIntegrationStore(pool *pgxpool.Pool, accessToken, refreshToken *Encryptor) *PostgresIntegrationStore {
	return &PostgresIntegrationStore{pool: pool, accessToken: accessToken, refreshToken: refreshToken}
}

// errNoTenantConn is returned when a store method is called on a context
// that never passed through tenant.Middleware — a programming error, since
// every route that reaches the store is mounted under the tenant-scoped
// router group.
var errNoTenantConn = errors.New("no tenant-scoped connection in context")

// conn resolves the tenant-scoped *pgx.Conn attached to ctx by
// tenant.Middleware. Every query in this file runs against that specific
// connection rather than the bare pool, since the schema-per-tenant
// invariant is enforced by a SET search_path issued on that connection —
// routing a query through a different pooled connection would silently
// read/write the wrong tenant's schema.
func (s *PostgresIntegrationStore) conn(ctx context.Context) (*pgx.Conn, error) {
	c := tenant.ConnFromContext(ctx)
	if c == nil {
		return nil, errNoTenantConn
	}
	return c, nil
}

func (s *PostgresIntegrationStore) scanIntegration(row pgx.Row) (*Integration, error) {
	var (
		in                                          Integration
		accessTokenSealed, refreshTokenSealed       []byte
		expiresAt                                   *time.Time
		flowID, flowNonce, flowStateHash, flowStatus *string
		flowCreatedAt, flowExpiresAt                 *time.Time
		pkceVerifier                                 []byte
		pkceChallenge, pkceMethod                    *string
	)

	err := row.Scan(
		&in.ID, &in.TenantID, &in.ProviderID, &accessTokenSealed, &refreshTokenSealed, &expiresAt, &in.Scopes,
		&in.Status, &flowID, &flowNonce, &flowStateHash, &flowStatus, &flowCreatedAt, &flowExpiresAt,
		&pkceVerifier, &pkceChallenge, &pkceMethod,
		&in.CreatedAt, &in.UpdatedAt, &in.CreatedBy, &in.UpdatedBy,
	)
	if err != nil {
		return nil, err
	}

	if len(accessTokenSealed) > 0 {
		pt, err := s.accessToken.OpenString(accessTokenSealed)
		if err != nil {
			return nil, fmt.Errorf("decrypting access token: %w", err)
		}
		in.AccessToken = pt
	}
	if len(refreshTokenSealed) > 0 {
		pt, err := s.refreshToken.OpenString(refreshTokenSealed)
		if err != nil {
			return nil, fmt.Errorf("decrypting refresh token: %w", err)
		}
		in.RefreshToken = pt
	}
	in.ExpiresAt = expiresAt

	if pkceVerifier != nil || pkceChallenge != nil {
		pkce := &PKCEContext{VerifierEncrypted: pkceVerifier}
		if pkceChallenge != nil {
			pkce.Challenge = *pkceChallenge
		}
		if pkceMethod != nil {
			pkce.Method = ChallengeMethod(*pkceMethod)
		}
		in.PKCE = pkce
	}

	if flowID != nil {
		flow := &FlowContext{FlowID: *flowID}
		if flowNonce != nil {
			flow.Nonce = *flowNonce
		}
		if flowStateHash != nil {
			flow.StateHash = *flowStateHash
		}
		if flowStatus != nil {
			flow.Status = FlowStatus(*flowStatus)
		}
		if flowCreatedAt != nil {
			flow.CreatedAt = *flowCreatedAt
		}
		if flowExpiresAt != nil {
			flow.ExpiresAt = *flowExpiresAt
		}
		in.Flow = flow
	}

	return &in, nil
}

// Create inserts a new idle integration row for (tenantID, providerID). The
// caller is responsible for having already checked the at-most-one-per-
// (tenant,provider) invariant (§3); the unique index is the backstop.
func (s *PostgresIntegrationStore) Create(ctx context.Context, tenantID, providerID, createdBy string) (*Integration, error) {
	c, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}

	sealedEmpty, err := s.accessToken.SealString("")
	if err != nil {
		return nil, fmt.Errorf("sealing placeholder access token: %w", err)
	}

	const q = `
		INSERT INTO cloud_provider_integrations
			(tenant_id, provider_id, access_token, status, created_by, updated_by)
		VALUES ($1, $2, $3, 'idle', $4, $4)
		RETURNING ` + integrationColumns

	row := c.QueryRow(ctx, q, tenantID, providerID, sealedEmpty, createdBy)
	return s.scanIntegration(row)
}

// FindByID fetches a single integration by id, scoped implicitly by the
// connection's search_path.
func (s *PostgresIntegrationStore) FindByID(ctx context.Context, id string) (*Integration, error) {
	c, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}

	const q = `SELECT ` + integrationColumns + ` FROM cloud_provider_integrations WHERE id = $1`
	row := c.QueryRow(ctx, q, id)
	in, err := s.scanIntegration(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning integration: %w", err)
	}
	return in, nil
}

// FindByProvider fetches the (at most one, per §3 invariant) integration for
// a provider within the current tenant schema.
func (s *PostgresIntegrationStore) FindByProvider(ctx context.Context, providerID string) (*Integration, error) {
	c, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}

	const q = `SELECT ` + integrationColumns + ` FROM cloud_provider_integrations WHERE provider_id = $1`
	row := c.QueryRow(ctx, q, providerID)
	in, err := s.scanIntegration(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning integration: %w", err)
	}
	return in, nil
}

// SetFlowContext persists the flow/PKCE state created at initiation (§4.5).
func (s *PostgresIntegrationStore) SetFlowContext(ctx context.Context, id string, flow *FlowContext) error {
	c, err := s.conn(ctx)
	if err != nil {
		return err
	}

	var pkceVerifier []byte
	var pkceChallenge, pkceMethod *string
	if flow.PKCE != nil {
		pkceVerifier = flow.PKCE.VerifierEncrypted
		pkceChallenge = &flow.PKCE.Challenge
		method := string(flow.PKCE.Method)
		pkceMethod = &method
	}

	const q = `
		UPDATE cloud_provider_integrations SET
			flow_id = $2, flow_nonce = $3, flow_state_hash = $4, flow_status = $5,
			flow_created_at = $6, flow_expires_at = $7,
			pkce_verifier = $8, pkce_challenge = $9, pkce_method = $10,
			updated_at = now()
		WHERE id = $1`

	tag, err := c.Exec(ctx, q, id,
		flow.FlowID, flow.Nonce, flow.StateHash, string(flow.Status),
		flow.CreatedAt, flow.ExpiresAt,
		pkceVerifier, pkceChallenge, pkceMethod,
	)
	if err != nil {
		return fmt.Errorf("setting flow context: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateTokens persists the result of a successful exchange or refresh,
// transitioning the integration to active and clearing the flow (§4.4, §4.6).
func (s *PostgresIntegrationStore) UpdateTokens(ctx context.Context, id string, tokens ExchangeResult, updatedBy string) error {
	c, err := s.conn(ctx)
	if err != nil {
		return err
	}

	sealedAccess, err := s.accessToken.SealString(tokens.AccessToken)
	if err != nil {
		return fmt.Errorf("sealing access token: %w", err)
	}
	var sealedRefresh []byte
	if tokens.RefreshToken != "" {
		sealedRefresh, err = s.refreshToken.SealString(tokens.RefreshToken)
		if err != nil {
			return fmt.Errorf("sealing refresh token: %w", err)
		}
	}

	const q = `
		UPDATE cloud_provider_integrations SET
			access_token = $2, refresh_token = $3, expires_at = $4, scopes = $5,
			status = 'active', updated_at = now(), updated_by = $6,
			flow_id = NULL, flow_nonce = NULL, flow_state_hash = NULL, flow_status = 'completed',
			pkce_verifier = NULL, pkce_challenge = NULL, pkce_method = NULL
		WHERE id = $1`

	tag, err := c.Exec(ctx, q, id,
		sealedAccess, sealedRefresh, tokens.ExpiresAt, tokens.Scopes, updatedBy,
	)
	if err != nil {
		return fmt.Errorf("updating tokens: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkErrored transitions an integration to the error status (§4.6 on
// refresh failure).
func (s *PostgresIntegrationStore) MarkErrored(ctx context.Context, id, updatedBy string) error {
	return s.setStatus(ctx, id, StatusError, updatedBy)
}

// MarkRevoked transitions an integration to revoked. No handler or monitor
// code in this package calls it; it is not reachable from this subsystem's
// HTTP surface.
func (s *PostgresIntegrationStore) MarkRevoked(ctx context.Context, id, updatedBy string) error {
	return s.setStatus(ctx, id, StatusRevoked, updatedBy)
}

func (s *PostgresIntegrationStore) setStatus(ctx context.Context, id string, status IntegrationStatus, updatedBy string) error {
	c, err := s.conn(ctx)
	if err != nil {
		return err
	}

	const q = `UPDATE cloud_provider_integrations SET status = $2, updated_at = now(), updated_by = $3 WHERE id = $1`
	tag, err := c.Exec(ctx, q, id, string(status), updatedBy)
	if err != nil {
		return fmt.Errorf("updating status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ClearFlow resets the flow context to idle without touching tokens, used
// when a flow is abandoned or superseded (§9 "ALREADY_CONFIGURED" handling).
func (s *PostgresIntegrationStore) ClearFlow(ctx context.Context, id string) error {
	c, err := s.conn(ctx)
	if err != nil {
		return err
	}

	const q = `
		UPDATE cloud_provider_integrations SET
			flow_id = NULL, flow_nonce = NULL, flow_state_hash = NULL, flow_status = 'idle',
			flow_created_at = NULL, flow_expires_at = NULL,
			pkce_verifier = NULL, pkce_challenge = NULL, pkce_method = NULL,
			updated_at = now()
		WHERE id = $1`
	tag, err := c.Exec(ctx, q, id)
	if err != nil {
		return fmt.Errorf("clearing flow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const providerColumns = `
	id, slug, display_name, authorization_url, token_url, token_endpoint_method,
	grant_type, default_scopes, client_id, encrypted_client_secret, requires_pkce, is_active`

// ProviderLookup is the read-only subset of ProviderCatalog the HTTP
// handlers depend on. *ProviderCatalog satisfies it; tests substitute an
// in-memory fake instead of a real Postgres connection.
type ProviderLookup interface {
	FindByID(ctx context.Context, id string) (Provider, error)
	FindBySlug(ctx context.Context, slug string) (Provider, error)
}

// ProviderCatalog reads the read-only Cloud Provider catalog. Unlike
// IntegrationStore it queries public.cloud_providers directly against the
// bare pool: the catalog is not tenant-scoped (§1 — provider curation lives
// outside this subsystem and is shared across all tenants).
type ProviderCatalog struct {
	pool *pgxpool.Pool
}

// NewProviderCatalog creates a ProviderCatalog backed by the global pool.
func NewProviderCatalog(pool *pgxpool.Pool) *ProviderCatalog {
	return &ProviderCatalog{pool: pool}
}

func scanProvider(row pgx.Row) (Provider, error) {
	var p Provider
	err := row.Scan(
		&p.ID, &p.Slug, &p.DisplayName, &p.AuthorizationURL, &p.TokenURL, &p.TokenEndpointMethod,
		&p.GrantType, &p.DefaultScopes, &p.ClientID, &p.EncryptedClientSecret, &p.RequiresPKCE, &p.IsActive,
	)
	return p, err
}

// FindByID fetches a provider by id.
func (c *ProviderCatalog) FindByID(ctx context.Context, id string) (Provider, error) {
	const q = `SELECT ` + providerColumns + ` FROM public.cloud_providers WHERE id = $1`
	p, err := scanProvider(c.pool.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Provider{}, ErrNotFound
	}
	if err != nil {
		return Provider{}, fmt.Errorf("scanning provider: %w", err)
	}
	return p, nil
}

// FindBySlug fetches a provider by its slug (e.g. "google", "dropbox").
func (c *ProviderCatalog) FindBySlug(ctx context.Context, slug string) (Provider, error) {
	const q = `SELECT ` + providerColumns + ` FROM public.cloud_providers WHERE slug = $1`
	p, err := scanProvider(c.pool.QueryRow(ctx, q, slug))
	if errors.Is(err, pgx.ErrNoRows) {
		return Provider{}, ErrNotFound
	}
	if err != nil {
		return Provider{}, fmt.Errorf("scanning provider: %w", err)
	}
	return p, nil
}
