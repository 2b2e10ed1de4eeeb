package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/AlanLeo32/kipubankv3/internal/ledger"
)

// PostgresOpChecker answers duplicate checks from the durable operation
// log. It backs the in-memory LRU as the second dedupe tier.
type PostgresOpChecker struct {
	db *sql.DB
}

func NewPostgresOpChecker(db *sql.DB) *PostgresOpChecker {
	return &PostgresOpChecker{db: db}
}

// IsDuplicate reports whether an operation with this kind and id is already
// committed. Lookups are bounded so a slow database cannot stall settlement.
func (c *PostgresOpChecker) IsDuplicate(kind string, opID uuid.UUID) (bool, error) {
	k, ok := ledger.KindFromString(kind)
	if !ok {
		return false, fmt.Errorf("unknown operation kind %q", kind)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	var exists int
	err := c.db.QueryRowContext(ctx, `
		SELECT 1 FROM vault.operations
		WHERE op_id = $1 AND kind = $2
		LIMIT 1
	`, opID, int32(k)).Scan(&exists)

	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
