package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// Accounts are identified by UUID. The zero UUID is reserved and can never
// hold a balance.

// ValidAccount reports whether id can own a balance.
func ValidAccount(id uuid.UUID) bool {
	return id != uuid.Nil
}

// ParseAccount parses the string form of an account ID, rejecting the
// reserved zero UUID.
func ParseAccount(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("malformed account id %q: %w", s, err)
	}
	if id == uuid.Nil {
		return uuid.Nil, fmt.Errorf("account id is the reserved zero UUID")
	}
	return id, nil
}

// AccountPath returns the string representation for storage/logging
func AccountPath(id uuid.UUID) string {
	return "account:" + id.String()
}
