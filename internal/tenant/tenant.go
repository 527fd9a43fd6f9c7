// Package tenant resolves the schema-per-tenant storage convention used by
// the Integration Store (C3). Tenant identity, membership, and ownership are
// managed by an external collaborator (§1); this package only turns an
// already-authenticated tenant id into a Postgres schema and keeps a
// connection's search_path aligned with it.
package tenant

import (
	"context"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"
)

// Info identifies the tenant a request is scoped to.
type Info struct {
	ID     string // 24-hex object id
	Schema string // derived Postgres schema name
}

var schemaSafe = regexp.MustCompile(`^[0-9a-f]{24}$`)

// SchemaName derives the per-tenant Postgres schema name from a tenant id.
// The id is validated against the 24-hex object-id shape before being used
// to build a schema identifier, since it is interpolated into SQL that
// cannot be parameterized (search_path, identifiers).
func SchemaName(tenantID string) (string, error) {
	if !schemaSafe.MatchString(tenantID) {
		return "", fmt.Errorf("invalid tenant id %q: must be 24 lowercase hex characters", tenantID)
	}
	return "tenant_" + tenantID, nil
}

type contextKey string

const tenantKey contextKey = "tenant_info"
const connKey contextKey = "tenant_conn"

// WithContext attaches tenant Info to a context.
func WithContext(ctx context.Context, info Info) context.Context {
	return context.WithValue(ctx, tenantKey, info)
}

// FromContext extracts the tenant Info from a context. Returns the zero
// value if none is set.
func FromContext(ctx context.Context) Info {
	if v, ok := ctx.Value(tenantKey).(Info); ok {
		return v
	}
	return Info{}
}

// withConn attaches a tenant-scoped connection to a context.
func withConn(ctx context.Context, conn *pgx.Conn) context.Context {
	return context.WithValue(ctx, connKey, conn)
}

// ConnFromContext extracts the tenant-scoped connection set by Middleware,
// or nil if none is set.
func ConnFromContext(ctx context.Context) *pgx.Conn {
	conn, _ := ctx.Value(connKey).(*pgx.Conn)
	return conn
}
