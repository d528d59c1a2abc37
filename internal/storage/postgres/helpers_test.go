// This file contains test helpers only available during testing.
package postgres

import (
	"context"
	"fmt"
)

// TruncateForTest removes all rows from every table. Intended for tests
// only; defined in the postgres package so it can reach the unexported db
// field.
func (s *Store) TruncateForTest(ctx context.Context) error {
	for _, table := range []string{"readings", "alerts", "snapshots"} {
		if _, err := s.db.ExecContext(ctx, "TRUNCATE TABLE "+table); err != nil {
			return fmt.Errorf("postgres: failed to truncate %s: %w", table, err)
		}
	}
	return nil
}
