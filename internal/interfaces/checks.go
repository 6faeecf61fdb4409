package interfaces

// This file contains compile-time interface implementation checks.
// These ensure that concrete types satisfy their interfaces at compile time,
// catching missing methods before runtime.
//
// To verify all checks pass: go build ./internal/interfaces/...

import (
	"github.com/mrlokans/vaultbridge/internal/bitwarden"
	"github.com/mrlokans/vaultbridge/internal/dedup"
	"github.com/mrlokans/vaultbridge/internal/keepass"
	"github.com/mrlokans/vaultbridge/internal/migration"
	"github.com/mrlokans/vaultbridge/internal/vaultstub"
)

// =============================================================================
// Migration
// =============================================================================

// Source implementations
var _ migration.Source = (*keepass.Source)(nil)
var _ migration.Source = (*keepass.Database)(nil)

// Target implementations
var _ migration.Target = (*bitwarden.Session)(nil)
var _ dedup.Lister = (*bitwarden.Session)(nil)

// =============================================================================
// Bulk Import
// =============================================================================

// BulkImporter implementations
var _ bitwarden.BulkImporter = (*bitwarden.CLIImporter)(nil)
var _ bitwarden.BulkImporter = (*vaultstub.Importer)(nil)
