package dedup

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrlokans/vaultbridge/internal/bitwarden"
)

type fakeLister struct {
	folders    map[string]string
	items      []bitwarden.Item
	err        error
	lastFilter bitwarden.ItemFilter
}

func (f *fakeLister) ListFolders(context.Context) (map[string]string, error) {
	return f.folders, f.err
}

func (f *fakeLister) ListItems(_ context.Context, filter bitwarden.ItemFilter) ([]bitwarden.Item, error) {
	f.lastFilter = filter
	return f.items, f.err
}

func strPtr(s string) *string { return &s }

func TestBuild_PersonalScope(t *testing.T) {
	lister := &fakeLister{
		folders: map[string]string{"Finance": "f-1"},
		items: []bitwarden.Item{
			{ID: "1", Name: "Site", FolderID: strPtr("f-1")},
			{ID: "2", Name: "Root"},
			{ID: "3", Name: "Shared", OrganizationID: strPtr("org-1")},
		},
	}

	idx, err := Build(context.Background(), lister, Scope{})
	require.NoError(t, err)

	assert.True(t, idx.Contains(ScopeKey{Folder: "Finance"}, "Site"))
	assert.False(t, idx.Contains(ScopeKey{Folder: ""}, "Site"))
	assert.False(t, idx.Contains(ScopeKey{Folder: "Personal"}, "Site"))
	assert.True(t, idx.Contains(ScopeKey{Folder: ""}, "Root"))
	assert.False(t, idx.Contains(ScopeKey{Folder: ""}, "Shared"))
	assert.Equal(t, 2, idx.Len())
	assert.True(t, idx.Known("3"))
	assert.Equal(t, bitwarden.ItemFilter{}, lister.lastFilter)
}

func TestBuild_OrganizationScope(t *testing.T) {
	lister := &fakeLister{
		folders: map[string]string{},
		items: []bitwarden.Item{
			{ID: "1", Name: "Site", OrganizationID: strPtr("org-1"), CollectionIDs: []string{"c-1", "c-2"}},
			{ID: "2", Name: "Other", OrganizationID: strPtr("org-2"), CollectionIDs: []string{"c-1"}},
			{ID: "3", Name: "Loose", OrganizationID: strPtr("org-1")},
			{ID: "4", Name: "Mine"},
		},
	}

	idx, err := Build(context.Background(), lister, Scope{OrganizationID: "org-1"})
	require.NoError(t, err)

	scope := idx.Scope()
	assert.True(t, idx.Contains(scope.KeyFor("", "c-1"), "Site"))
	assert.True(t, idx.Contains(scope.KeyFor("", "c-2"), "Site"))
	assert.False(t, idx.Contains(scope.KeyFor("", "c-3"), "Site"))
	assert.False(t, idx.Contains(scope.KeyFor("", "c-1"), "Other"))
	assert.True(t, idx.Contains(scope.KeyFor("", ""), "Loose"))
	assert.False(t, idx.Contains(scope.KeyFor("", ""), "Mine"))
	assert.Equal(t, "org-1", lister.lastFilter.OrganizationID)
}

func TestBuild_OrganizationScopeKeepsFolders(t *testing.T) {
	lister := &fakeLister{
		folders: map[string]string{"Work": "f-work"},
		items: []bitwarden.Item{
			{ID: "1", Name: "Site", FolderID: strPtr("f-work"), OrganizationID: strPtr("org-1")},
			{ID: "2", Name: "Wiki", FolderID: strPtr("f-work"), OrganizationID: strPtr("org-1"), CollectionIDs: []string{"c-1"}},
		},
	}
	scope := Scope{OrganizationID: "org-1"}

	idx, err := Build(context.Background(), lister, scope)
	require.NoError(t, err)

	assert.True(t, idx.Contains(scope.KeyFor("Work", ""), "Site"))
	assert.False(t, idx.Contains(scope.KeyFor("Home", ""), "Site"))
	assert.False(t, idx.Contains(scope.KeyFor("", ""), "Site"))
	assert.True(t, idx.Contains(scope.KeyFor("Work", "c-1"), "Wiki"))
	assert.False(t, idx.Contains(scope.KeyFor("Home", "c-1"), "Wiki"))
}

func TestBuild_FixedCollectionNarrowsIndex(t *testing.T) {
	lister := &fakeLister{
		items: []bitwarden.Item{
			{ID: "1", Name: "Site", OrganizationID: strPtr("org-1"), CollectionIDs: []string{"c-1", "c-2"}},
			{ID: "2", Name: "Elsewhere", OrganizationID: strPtr("org-1"), CollectionIDs: []string{"c-2"}},
		},
	}
	scope := Scope{OrganizationID: "org-1", CollectionID: "c-1"}

	idx, err := Build(context.Background(), lister, scope)
	require.NoError(t, err)

	assert.Equal(t, "c-1", lister.lastFilter.CollectionID)
	assert.True(t, idx.Contains(scope.KeyFor("", "c-1"), "Site"))
	assert.False(t, idx.Contains(scope.KeyFor("", "c-2"), "Site"))
	assert.False(t, idx.Contains(scope.KeyFor("", "c-2"), "Elsewhere"))
	assert.Equal(t, 1, idx.Len())
}

func TestBuild_ListFailure(t *testing.T) {
	boom := errors.New("boom")
	_, err := Build(context.Background(), &fakeLister{err: boom}, Scope{})
	assert.ErrorIs(t, err, boom)
}

func TestIndex_Add(t *testing.T) {
	idx := New(Scope{})
	key := ScopeKey{Folder: "A"}

	idx.Add(key, "x")
	idx.Add(key, "x")

	assert.True(t, idx.Contains(key, "x"))
	assert.Equal(t, 1, idx.Len())
}

func TestScopeKey_String(t *testing.T) {
	assert.Equal(t, `folder "Finance"`, ScopeKey{Folder: "Finance"}.String())
	assert.Equal(t, `folder "Work" in org o collection "c"`, ScopeKey{Folder: "Work", OrganizationID: "o", CollectionID: "c"}.String())
}

func TestIndex_ExistingIgnoresCollections(t *testing.T) {
	lister := &fakeLister{
		folders: map[string]string{"Work": "f-work"},
		items: []bitwarden.Item{
			{ID: "1", Name: "Site", FolderID: strPtr("f-work"), OrganizationID: strPtr("org-1"), CollectionIDs: []string{"c-1"}},
			{ID: "2", Name: "Mine", FolderID: strPtr("f-work")},
		},
	}

	idx, err := Build(context.Background(), lister, Scope{OrganizationID: "org-1"})
	require.NoError(t, err)

	existing := idx.Existing("Work", "Site")
	require.NotNil(t, existing)
	assert.Equal(t, "1", existing.ID)
	assert.Equal(t, []string{"c-1"}, existing.CollectionIDs)
	assert.Nil(t, idx.Existing("Home", "Site"))
	assert.Nil(t, idx.Existing("Work", "Mine"))

	personal, err := Build(context.Background(), lister, Scope{})
	require.NoError(t, err)
	assert.Nil(t, personal.Existing("Work", "Mine"))
}
