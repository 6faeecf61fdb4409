// Package vaultstub is an in-memory stand-in for `bw serve`. It implements the
// subset of the HTTP API the migration uses plus the effect of `bw import`,
// for rehearsals and tests.
package vaultstub

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mrlokans/vaultbridge/internal/bitwarden"
)

var ErrUnknownCollection = errors.New("unknown collection")

type StoredAttachment struct {
	Filename string
	Data     []byte
}

// Store holds the vault contents. Items keep insertion order.
type Store struct {
	mu          sync.Mutex
	password    string
	token       string
	unlocked    bool
	folders     []bitwarden.Folder
	collections []bitwarden.Collection
	items       []bitwarden.Item
	attachments map[string][]StoredAttachment
	syncs       int
	clock       time.Time

	// FailAttachment, when set, rejects matching uploads with HTTP 500.
	FailAttachment func(itemID, filename string) bool
}

func NewStore(password string) *Store {
	return &Store{
		password:    password,
		attachments: make(map[string][]StoredAttachment),
		clock:       time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// tick returns a strictly increasing timestamp so creation order is observable.
func (s *Store) tick() string {
	s.clock = s.clock.Add(time.Millisecond)
	return s.clock.Format(time.RFC3339Nano)
}

// Unlock checks password and, on success, issues a new session token.
func (s *Store) Unlock(password string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if password != s.password {
		return "", false
	}
	s.unlocked = true
	s.token = uuid.NewString()
	return s.token, true
}

func (s *Store) isUnlocked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unlocked
}

func (s *Store) sync() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncs++
}

// SyncCount reports how many times /sync was called.
func (s *Store) SyncCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncs
}

// Token returns the session token handed out by the last unlock.
func (s *Store) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// AddFolder creates a folder, or returns the id of an existing one with the same name.
func (s *Store) AddFolder(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addFolderLocked(name)
}

func (s *Store) addFolderLocked(name string) string {
	for _, f := range s.folders {
		if f.Name == name {
			return f.ID
		}
	}
	id := uuid.NewString()
	s.folders = append(s.folders, bitwarden.Folder{ID: id, Name: name})
	return id
}

func (s *Store) Folders() []bitwarden.Folder {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bitwarden.Folder(nil), s.folders...)
}

// AddCollection creates a collection in org, or returns the existing id.
func (s *Store) AddCollection(org, name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addCollectionLocked(org, name)
}

func (s *Store) addCollectionLocked(org, name string) string {
	for _, c := range s.collections {
		if c.OrganizationID == org && c.Name == name {
			return c.ID
		}
	}
	id := uuid.NewString()
	s.collections = append(s.collections, bitwarden.Collection{ID: id, OrganizationID: org, Name: name})
	return id
}

func (s *Store) Collections(org string) []bitwarden.Collection {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []bitwarden.Collection
	for _, c := range s.collections {
		if c.OrganizationID == org {
			out = append(out, c)
		}
	}
	return out
}

// AddItem stores a copy of item with a fresh id and creation date.
func (s *Store) AddItem(item bitwarden.Item) bitwarden.Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addItemLocked(item)
}

func (s *Store) addItemLocked(item bitwarden.Item) bitwarden.Item {
	item.ID = uuid.NewString()
	item.CreationDate = s.tick()
	item.RevisionDate = item.CreationDate
	if item.CollectionIDs == nil {
		item.CollectionIDs = []string{}
	}
	s.items = append(s.items, item)
	return item
}

// UpdateItem replaces the item with the same id. The id, creation date and
// organization are kept; an unknown folder id is dropped.
func (s *Store) UpdateItem(item bitwarden.Item) (bitwarden.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.items {
		if existing.ID != item.ID {
			continue
		}
		if item.FolderID != nil && !s.hasFolderLocked(*item.FolderID) {
			item.FolderID = nil
		}
		item.CreationDate = existing.CreationDate
		item.RevisionDate = s.tick()
		item.OrganizationID = existing.OrganizationID
		if item.CollectionIDs == nil {
			item.CollectionIDs = existing.CollectionIDs
		}
		s.items[i] = item
		return item, nil
	}
	return bitwarden.Item{}, fmt.Errorf("item %s not found", item.ID)
}

// SetItemCollections replaces the collections of an organization item.
func (s *Store) SetItemCollections(id string, collectionIDs []string) (bitwarden.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, item := range s.items {
		if item.ID != id {
			continue
		}
		if item.OrganizationID == nil {
			return bitwarden.Item{}, fmt.Errorf("item %s is not in an organization", id)
		}
		item.CollectionIDs = append([]string{}, collectionIDs...)
		item.RevisionDate = s.tick()
		s.items[i] = item
		return item, nil
	}
	return bitwarden.Item{}, fmt.Errorf("item %s not found", id)
}

func (s *Store) hasFolderLocked(id string) bool {
	for _, f := range s.folders {
		if f.ID == id {
			return true
		}
	}
	return false
}

// Items returns every item in insertion order.
func (s *Store) Items() []bitwarden.Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bitwarden.Item(nil), s.items...)
}

func (s *Store) listItems(filter bitwarden.ItemFilter) []bitwarden.Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]bitwarden.Item, 0, len(s.items))
	for i := len(s.items) - 1; i >= 0; i-- {
		item := s.items[i]
		if filter.FolderID != "" && (item.FolderID == nil || *item.FolderID != filter.FolderID) {
			continue
		}
		if filter.OrganizationID != "" && !item.InOrganization(filter.OrganizationID) {
			continue
		}
		if filter.CollectionID != "" && !contains(item.CollectionIDs, filter.CollectionID) {
			continue
		}
		out = append(out, item)
	}
	// Newest first, grouped by name: listings do not follow creation order.
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Store) addAttachment(itemID, filename string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range s.items {
		if item.ID == itemID {
			s.attachments[itemID] = append(s.attachments[itemID], StoredAttachment{Filename: filename, Data: data})
			return nil
		}
	}
	return fmt.Errorf("item %s not found", itemID)
}

// Attachments returns the files uploaded to itemID.
func (s *Store) Attachments(itemID string) []StoredAttachment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]StoredAttachment(nil), s.attachments[itemID]...)
}

// Import applies an import document the way `bw import bitwardenjson` does:
// folders are matched by name, collections by id, and every item is created.
// Organization imports drop folder assignments, which are per user.
func (s *Store) Import(doc *bitwarden.ImportDocument, org string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	folderIDs := make(map[string]string, len(doc.Folders))
	for _, f := range doc.Folders {
		folderIDs[f.ID] = s.addFolderLocked(f.Name)
	}

	known := make(map[string]bool)
	for _, c := range s.collections {
		known[c.ID] = true
	}
	for _, c := range doc.Collections {
		if !known[c.ID] {
			return fmt.Errorf("%w: %s", ErrUnknownCollection, c.ID)
		}
	}

	for _, item := range doc.Items {
		if item.FolderID != nil {
			if id, ok := folderIDs[*item.FolderID]; ok {
				item.FolderID = &id
			} else {
				item.FolderID = nil
			}
		}
		if org != "" {
			o := org
			item.OrganizationID = &o
			item.FolderID = nil
		} else {
			item.OrganizationID = nil
			item.CollectionIDs = nil
		}
		s.addItemLocked(item)
	}
	return nil
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}
