package warehouse

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"time"

	"saleslens.org/internal/auth"
	"saleslens.org/internal/obs"
)

const clearTimeout = 5 * time.Second

// Scope hands out identity-scoped connections from a pool.
type Scope struct {
	db *sql.DB
}

func NewScope(db *sql.DB) *Scope {
	return &Scope{db: db}
}

// DB exposes the underlying pool for health checks.
func (s *Scope) DB() *sql.DB { return s.db }

// Run checks out a dedicated connection, propagates ident, and calls fn inside
// a read-only transaction that is always rolled back. The identity is cleared
// before the connection goes back to the pool on every exit path, panics
// included; a connection that cannot be cleared is discarded instead.
func (s *Scope) Run(ctx context.Context, ident auth.Identity, fn func(ctx context.Context, tx *sql.Tx) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("checkout connection: %w", err)
	}
	defer s.checkin(ctx, conn)

	if err := Propagate(ctx, conn, ident); err != nil {
		return err
	}

	tx, err := conn.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("begin read-only tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	return fn(ctx, tx)
}

func (s *Scope) checkin(ctx context.Context, conn *sql.Conn) {
	// The caller's deadline may already be spent; clearing must still happen.
	clearCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), clearTimeout)
	defer cancel()

	if err := Clear(clearCtx, conn); err != nil {
		obs.Log(obs.LevelError, "discarding connection with uncleared session context", map[string]any{
			"component": "warehouse",
			"error":     err.Error(),
		})
		// driver.ErrBadConn makes database/sql close the connection instead of pooling it.
		_ = conn.Raw(func(any) error { return driver.ErrBadConn })
	}
	_ = conn.Close()
}
