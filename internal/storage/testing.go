package storage

import (
	"testing"
)

// NewTestLedger opens a migrated in-memory ledger closed at test cleanup.
// This helper is exported for use in other package tests.
func NewTestLedger(t testing.TB) *Ledger {
	t.Helper()

	config := DefaultConfig(MemoryPath)
	config.AutoMigrate = true
	db, err := Open(config)
	if err != nil {
		t.Fatalf("Failed to open test ledger: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	return NewLedger(db)
}
