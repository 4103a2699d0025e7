package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"saleslens.org/internal/auth"
)

// Session variables read by the sales_data row policy.
const (
	VarUserID  = "app.current_user_id"
	VarIsAdmin = "app.is_admin"
	VarRegions = "app.accessible_regions"
)

// setConfigSQL sets all three variables in one round trip and echoes the
// values the engine stored. is_local=false keeps them for the connection's life.
const setConfigSQL = `select set_config($1, $2, false), set_config($3, $4, false), set_config($5, $6, false)`

var (
	ErrPropagate = errors.New("warehouse: session context not applied")
	ErrClear     = errors.New("warehouse: session context not cleared")
)

// RowQuerier is satisfied by *sql.Conn, *sql.Tx and *sql.DB.
type RowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Propagate pushes ident into the connection's session context and confirms
// the engine holds exactly those values before returning.
func Propagate(ctx context.Context, conn RowQuerier, ident auth.Identity) error {
	want := [3]string{
		strconv.FormatInt(ident.UserID, 10),
		strconv.FormatBool(ident.IsAdmin),
		ident.RegionList(),
	}
	if err := setVars(ctx, conn, want); err != nil {
		return fmt.Errorf("%w: %w", ErrPropagate, err)
	}
	return nil
}

// Clear overwrites the identity variables with empty strings. The row policy
// treats empty values as "no regions, not admin".
func Clear(ctx context.Context, conn RowQuerier) error {
	if err := setVars(ctx, conn, [3]string{}); err != nil {
		return fmt.Errorf("%w: %w", ErrClear, err)
	}
	return nil
}

func setVars(ctx context.Context, conn RowQuerier, values [3]string) error {
	var got [3]string
	row := conn.QueryRowContext(ctx, setConfigSQL,
		VarUserID, values[0],
		VarIsAdmin, values[1],
		VarRegions, values[2],
	)
	if err := row.Scan(&got[0], &got[1], &got[2]); err != nil {
		return err
	}
	if got != values {
		return fmt.Errorf("engine echoed %q, expected %q", got, values)
	}
	return nil
}
