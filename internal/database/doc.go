// Package database owns the sqlite history store.
//
// The connection and schema live here; queries live in sub-packages:
//
//	database/
//	├── database.go   # connection setup and migrations
//	└── runs/         # migration run ledger
//
// Usage:
//
//	db, err := database.NewDatabase("./vaultbridge.db")
//	repo := runs.NewRepository(db.DB)
//	recent, err := repo.List(20)
package database
