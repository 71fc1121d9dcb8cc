package memory

import "errors"

// Error kinds, distinguishable with errors.Is. Open and migration
// failures mean the store is unusable; a query failure is scoped to
// one statement.
var (
	ErrStoreOpen = errors.New("store open failed")
	ErrMigration = errors.New("schema migration failed")
	ErrQuery     = errors.New("query failed")
	ErrNotFound  = errors.New("record not found")
	ErrNoSession = errors.New("session does not exist")
)
