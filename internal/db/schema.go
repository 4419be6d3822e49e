package db

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5"
)

// Querier is the subset of *pgxpool.Pool used by CheckColumns.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// CheckColumns returns an error naming every column in want that table lacks.
func CheckColumns(ctx context.Context, q Querier, table string, want []string) error {
	rows, err := q.Query(ctx,
		`SELECT column_name FROM information_schema.columns WHERE table_schema = current_schema() AND table_name = $1`,
		table)
	if err != nil {
		return fmt.Errorf("db: list columns of %s: %w", table, err)
	}
	have, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return fmt.Errorf("db: list columns of %s: %w", table, err)
	}
	var missing []string
	for _, col := range want {
		if !slices.Contains(have, col) && !slices.Contains(missing, col) {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("db: table %s is missing columns: %s", table, strings.Join(missing, ", "))
	}
	return nil
}
