// Package dedup indexes what already exists on the target so that repeated
// runs only create what is missing.
package dedup

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/mrlokans/vaultbridge/internal/bitwarden"
)

// Scope selects personal (empty OrganizationID) or organization deduplication.
// A non-empty CollectionID is a fixed collection that narrows the index.
type Scope struct {
	OrganizationID string
	CollectionID   string
}

func (s Scope) Organization() bool {
	return s.OrganizationID != ""
}

// Filter is the item listing that covers the scope.
func (s Scope) Filter() bitwarden.ItemFilter {
	return bitwarden.ItemFilter{OrganizationID: s.OrganizationID, CollectionID: s.CollectionID}
}

// ScopeKey is the namespace in which an item name must be unique: the folder
// name, further scoped by (org, collection) on organization runs.
type ScopeKey struct {
	Folder         string
	OrganizationID string
	CollectionID   string
}

func (k ScopeKey) String() string {
	if k.OrganizationID == "" {
		return fmt.Sprintf("folder %q", k.Folder)
	}
	return fmt.Sprintf("folder %q in org %s collection %q", k.Folder, k.OrganizationID, k.CollectionID)
}

// KeyFor returns the key an entry in folder falls under; collectionID is
// ignored on personal runs.
func (s Scope) KeyFor(folder, collectionID string) ScopeKey {
	if !s.Organization() {
		return ScopeKey{Folder: folder}
	}
	return ScopeKey{Folder: folder, OrganizationID: s.OrganizationID, CollectionID: collectionID}
}

// KeysOf returns every key an existing item occupies within the scope; none
// when the item is outside it.
func (s Scope) KeysOf(item *bitwarden.Item, folderNames map[string]string) []ScopeKey {
	folder := FolderOf(item, folderNames)
	if !s.Organization() {
		if item.OrganizationID != nil {
			return nil
		}
		return []ScopeKey{{Folder: folder}}
	}

	if !item.InOrganization(s.OrganizationID) {
		return nil
	}
	if s.CollectionID != "" {
		for _, c := range item.CollectionIDs {
			if c == s.CollectionID {
				return []ScopeKey{s.KeyFor(folder, c)}
			}
		}
		return nil
	}
	if len(item.CollectionIDs) == 0 {
		return []ScopeKey{s.KeyFor(folder, "")}
	}
	keys := make([]ScopeKey, 0, len(item.CollectionIDs))
	for _, c := range item.CollectionIDs {
		keys = append(keys, s.KeyFor(folder, c))
	}
	return keys
}

// FolderOf names the folder item sits in, "" for none or an unknown id.
func FolderOf(item *bitwarden.Item, folderNames map[string]string) string {
	if item.FolderID == nil {
		return ""
	}
	return folderNames[*item.FolderID]
}

// Lister is the part of the target session the index needs.
type Lister interface {
	ListFolders(ctx context.Context) (map[string]string, error)
	ListItems(ctx context.Context, filter bitwarden.ItemFilter) ([]bitwarden.Item, error)
}

type folderItem struct {
	folder string
	name   string
}

// Index maps scope keys to the item names present under them.
type Index struct {
	scope       Scope
	names       map[ScopeKey]map[string]struct{}
	known       map[string]struct{}
	folderNames map[string]string // id → name
	// existing holds the first organization item per (folder, name), whatever its collections.
	existing map[folderItem]*bitwarden.Item
	count    int
}

func New(scope Scope) *Index {
	return &Index{
		scope:       scope,
		names:       make(map[ScopeKey]map[string]struct{}),
		known:       make(map[string]struct{}),
		folderNames: make(map[string]string),
		existing:    make(map[folderItem]*bitwarden.Item),
	}
}

// Build lists the target and indexes every item within scope. Callers sync
// the target first so the listing reflects the server.
func Build(ctx context.Context, lister Lister, scope Scope) (*Index, error) {
	folders, err := lister.ListFolders(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}
	items, err := lister.ListItems(ctx, scope.Filter())
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}

	idx := New(scope)
	for name, id := range folders {
		idx.folderNames[id] = name
	}
	for i := range items {
		idx.addItem(&items[i])
	}
	log.Printf("Indexed %d existing entries across %d scopes", idx.count, len(idx.names))
	return idx, nil
}

func (idx *Index) addItem(item *bitwarden.Item) {
	if item.ID != "" {
		idx.known[item.ID] = struct{}{}
	}
	keys := idx.scope.KeysOf(item, idx.folderNames)
	for _, key := range keys {
		idx.Add(key, item.Name)
	}
	if len(keys) > 0 && idx.scope.Organization() {
		fi := folderItem{folder: FolderOf(item, idx.folderNames), name: item.Name}
		if _, ok := idx.existing[fi]; !ok {
			cp := *item
			cp.CollectionIDs = append([]string{}, item.CollectionIDs...)
			idx.existing[fi] = &cp
		}
	}
}

// Existing returns the organization item already named name in folder, in
// any collection, or nil. Personal indexes never hold one.
func (idx *Index) Existing(folder, name string) *bitwarden.Item {
	return idx.existing[folderItem{folder: folder, name: name}]
}

// Add records name under key.
func (idx *Index) Add(key ScopeKey, name string) {
	names, ok := idx.names[key]
	if !ok {
		names = make(map[string]struct{})
		idx.names[key] = names
	}
	if _, dup := names[name]; !dup {
		names[name] = struct{}{}
		idx.count++
	}
}

// Contains reports whether name already exists under key.
func (idx *Index) Contains(key ScopeKey, name string) bool {
	_, ok := idx.names[key][name]
	return ok
}

// Known reports whether an item id was present when the index was built.
func (idx *Index) Known(id string) bool {
	_, ok := idx.known[id]
	return ok
}

// FolderNames returns folder id → name as listed at build time.
func (idx *Index) FolderNames() map[string]string {
	return idx.folderNames
}

func (idx *Index) Scope() Scope {
	return idx.scope
}

// Len reports the number of indexed (key, name) pairs.
func (idx *Index) Len() int {
	return idx.count
}
