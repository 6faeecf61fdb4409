// Package importers turns raw KeePass entries into target items.
//
// # Architecture
//
// Conversion happens in two steps:
//
//	[]entities.RawEntry → Resolver → []*entities.CanonicalEntry → FieldMapper → MappedEntry
//
// The Resolver applies the recycle-bin, expiry and tag filters, dereferences
// {REF:U@I:<uuid>} and {REF:P@I:<uuid>} markers, and folds a reference entry into
// the entry it points at when both carry the same credentials. Each entry is
// converted by its own entryBuilder, so no state leaks between entries.
//
// The FieldMapper produces a login item. Values longer than MaxInlineLength are
// never sent inline: they become text attachments uploaded after the item exists.
//
// # Example Usage
//
//	resolver := importers.NewResolver(importers.ResolverOptions{MigrateMetadata: true, PathToNameSkip: 1})
//	result := resolver.Resolve(raw)
//
//	mapper := importers.NewFieldMapper()
//	for _, entry := range result.Entries {
//		mapped, err := mapper.Map(entry)
//		// handle err, submit mapped.Item
//	}
package importers
