package tenant

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dhirmadi/mwapserver-sub005/internal/auth"
	"github.com/dhirmadi/mwapserver-sub005/internal/httpserver"
)

// Middleware resolves the tenant from the authenticated Identity, acquires a
// dedicated connection from the pool, sets its search_path to the tenant's
// schema (with public as fallback for shared catalog tables such as
// cloud_providers), and attaches both to the request context. The connection
// is released back to the pool when the request completes.
func Middleware(pool *pgxpool.Pool, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := auth.FromContext(r.Context())
			if id == nil || id.TenantID == "" {
				httpserver.RespondError(w, http.StatusUnauthorized, "unauthenticated", "no authenticated tenant")
				return
			}

			schema, err := SchemaName(id.TenantID)
			if err != nil {
				logger.Warn("tenant middleware: invalid tenant id", "error", err)
				httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid tenant id")
				return
			}

			ctx := r.Context()
			conn, err := pool.Acquire(ctx)
			if err != nil {
				logger.Error("tenant middleware: acquiring connection", "error", err)
				httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "could not resolve tenant")
				return
			}
			defer conn.Release()

			if err := withSearchPath(ctx, conn.Conn(), schema); err != nil {
				logger.Error("tenant middleware: setting search_path", "error", err, "tenant_id", id.TenantID)
				httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "could not resolve tenant")
				return
			}

			info := Info{ID: id.TenantID, Schema: schema}
			ctx = WithContext(ctx, info)
			ctx = withConn(ctx, conn.Conn())

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// withSearchPath sets the connection's search_path to the tenant schema
// followed by public, so unqualified queries resolve tenant-scoped tables
// first and fall back to shared catalog tables.
func withSearchPath(ctx context.Context, conn *pgx.Conn, schema string) error {
	_, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s, public", pgx.Identifier{schema}.Sanitize()))
	return err
}
