// Package interfaces documents the extension points of a migration run.
//
// # Interface Categories
//
// ## Migration Endpoints
//
//   - migration.Source: yields raw entries (internal/keepass)
//   - migration.Target: the bw serve session a run writes to (internal/bitwarden)
//   - dedup.Lister: the listing half of a target, used to index existing items
//
// ## Bulk Creation
//
//   - bitwarden.BulkImporter: creates a whole batch in one call. The default
//     runs `bw import bitwardenjson`; vaultstub.Importer applies the batch to
//     the in-memory stub instead.
//
// # Adding a New Source
//
// Implement migration.Source, returning entries with GroupPath set to the
// folder path below the root and UUID set to the source's stable id (used to
// resolve field references). Register a compile-time check in checks.go:
//
//	var _ migration.Source = (*mysource.Reader)(nil)
package interfaces
