package migration_test

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"net/url"
	"os"
	"sort"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrlokans/vaultbridge/internal/bitwarden"
	"github.com/mrlokans/vaultbridge/internal/dedup"
	"github.com/mrlokans/vaultbridge/internal/entities"
	"github.com/mrlokans/vaultbridge/internal/migration"
	"github.com/mrlokans/vaultbridge/internal/vaultstub"
)

const (
	testPassword = "correct horse"
	testOrg      = "org-1"
)

type sliceSource struct {
	entries []entities.RawEntry
	err     error
}

func (s sliceSource) Entries() ([]entities.RawEntry, error) {
	return s.entries, s.err
}

type harness struct {
	store    *vaultstub.Store
	importer *vaultstub.Importer
	port     int
	opens    int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := vaultstub.NewStore(testPassword)
	srv := httptest.NewServer(vaultstub.NewServer(store).Handler())
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return &harness{store: store, importer: &vaultstub.Importer{Store: store}, port: port}
}

func (h *harness) opener(org, collection string) migration.Opener {
	return func(ctx context.Context) (migration.Target, error) {
		h.opens++
		return bitwarden.Open(ctx, bitwarden.SessionConfig{
			Password:         testPassword,
			OrganizationID:   org,
			CollectionID:     collection,
			Command:          []string{"sh", "-c", "exec sleep 30", "bw"},
			Port:             h.port,
			StartupTimeout:   5 * time.Second,
			PollInterval:     10 * time.Millisecond,
			HTTPTimeout:      5 * time.Second,
			TerminateTimeout: time.Second,
			Importer:         h.importer,
			Signals:          []os.Signal{syscall.SIGUSR2},
		})
	}
}

func (h *harness) run(t *testing.T, raw []entities.RawEntry, opts migration.Options) (*migration.Summary, error) {
	t.Helper()
	m := migration.NewMigrator(sliceSource{entries: raw}, h.opener(opts.Scope.OrganizationID, opts.Scope.CollectionID), opts)
	return m.Run(context.Background())
}

func uuidN(n int) string {
	return fmt.Sprintf("%032X", n)
}

func folderOf(store *vaultstub.Store, item bitwarden.Item) string {
	if item.FolderID == nil {
		return ""
	}
	for _, f := range store.Folders() {
		if f.ID == *item.FolderID {
			return f.Name
		}
	}
	return "?"
}

func names(items []bitwarden.Item) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, item.Name)
	}
	sort.Strings(out)
	return out
}

func TestRun_CreatesAndIsIdempotent(t *testing.T) {
	h := newHarness(t)
	raw := []entities.RawEntry{
		{UUID: uuidN(1), Title: "Bank", Username: "alice", Password: "pw1", GroupPath: []string{"Finance"}},
		{UUID: uuidN(2), Title: "Mail", Username: "alice", Password: "pw2"},
		{UUID: uuidN(3), Title: "VPN", Username: "bob", Password: "pw3", GroupPath: []string{"Work", "Infra"},
			Binaries: []entities.Attachment{{Filename: "vpn.ovpn", Data: []byte("remote vpn.example")}}},
	}

	summary, err := h.run(t, raw, migration.Options{})
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Parsed)
	assert.Equal(t, 3, summary.Created)
	assert.Equal(t, 0, summary.Skipped)
	assert.Equal(t, 1, summary.AttachmentsUploaded)
	assert.Equal(t, 0, summary.MissingIDs)

	items := h.store.Items()
	require.Len(t, items, 3)
	byName := make(map[string]bitwarden.Item)
	for _, item := range items {
		byName[item.Name] = item
	}
	assert.Equal(t, "Finance", folderOf(h.store, byName["Bank"]))
	assert.Equal(t, "", folderOf(h.store, byName["Mail"]))
	assert.Equal(t, "Work/Infra", folderOf(h.store, byName["VPN"]))
	require.Len(t, h.store.Attachments(byName["VPN"].ID), 1)
	assert.Equal(t, "vpn.ovpn", h.store.Attachments(byName["VPN"].ID)[0].Filename)

	second, err := h.run(t, raw, migration.Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, second.Created)
	assert.Equal(t, 3, second.Skipped)
	assert.Len(t, h.store.Items(), 3)
	assert.Len(t, h.importer.Calls, 1)
}

func TestRun_MergedReferenceCreatesOneItem(t *testing.T) {
	h := newHarness(t)
	raw := []entities.RawEntry{
		{UUID: uuidN(1), Title: "A", Username: "alice", Password: "s3cret", URL: "https://a.example"},
		{UUID: uuidN(2), Title: "B", Username: "{REF:U@I:" + uuidN(1) + "}", Password: "{REF:P@I:" + uuidN(1) + "}", URL: "https://b.example"},
	}

	summary, err := h.run(t, raw, migration.Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Merged)
	assert.Equal(t, 1, summary.Created)

	items := h.store.Items()
	require.Len(t, items, 1)
	assert.Equal(t, "A", items[0].Name)
	require.NotNil(t, items[0].Login)
	require.Len(t, items[0].Login.URIs, 2)
	assert.Equal(t, "https://a.example", items[0].Login.URIs[0].URI)
	assert.Equal(t, "https://b.example", items[0].Login.URIs[1].URI)
}

func TestRun_PersonalDedupIsPerFolder(t *testing.T) {
	h := newHarness(t)
	finance := h.store.AddFolder("Finance")
	h.store.AddItem(bitwarden.Item{Type: bitwarden.ItemTypeLogin, Name: "Bank", FolderID: &finance})
	org := testOrg
	h.store.AddItem(bitwarden.Item{Type: bitwarden.ItemTypeLogin, Name: "Mail", OrganizationID: &org})

	raw := []entities.RawEntry{
		{UUID: uuidN(1), Title: "Bank", Password: "pw", GroupPath: []string{"Finance"}},
		{UUID: uuidN(2), Title: "Bank", Password: "pw"},
		{UUID: uuidN(3), Title: "Mail", Password: "pw"},
	}

	summary, err := h.run(t, raw, migration.Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 2, summary.Created)
	assert.Equal(t, 0, summary.MissingIDs)
	assert.Equal(t, []string{"Bank", "Bank", "Mail", "Mail"}, names(h.store.Items()))
}

func TestRun_OrganizationAutoCollections(t *testing.T) {
	h := newHarness(t)
	existing := h.store.AddCollection(testOrg, "Finance")
	cards := h.store.AddFolder("Finance/Cards")
	org := testOrg
	h.store.AddItem(bitwarden.Item{Type: bitwarden.ItemTypeLogin, Name: "Bank", FolderID: &cards, OrganizationID: &org, CollectionIDs: []string{existing}})

	raw := []entities.RawEntry{
		{UUID: uuidN(1), Title: "Bank", Password: "pw", GroupPath: []string{"Finance", "Cards"}},
		{UUID: uuidN(2), Title: "Bank", Password: "pw", GroupPath: []string{"Work"}},
		{UUID: uuidN(3), Title: "Root", Password: "pw"},
	}
	opts := migration.Options{Scope: dedup.Scope{OrganizationID: testOrg}, AutoCollections: true}

	summary, err := h.run(t, raw, opts)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 2, summary.Created)

	collections := make(map[string]string)
	for _, c := range h.store.Collections(testOrg) {
		collections[c.Name] = c.ID
	}
	require.Contains(t, collections, "Work")
	assert.Equal(t, existing, collections["Finance"])

	var work, root *bitwarden.Item
	for _, item := range h.store.Items() {
		item := item
		switch {
		case item.Name == "Bank" && len(item.CollectionIDs) == 1 && item.CollectionIDs[0] == collections["Work"]:
			work = &item
		case item.Name == "Root":
			root = &item
		}
	}
	require.NotNil(t, work)
	require.NotNil(t, root)
	assert.True(t, work.InOrganization(testOrg))
	assert.Equal(t, "Work", folderOf(h.store, *work))
	assert.Equal(t, "", folderOf(h.store, *root))
	assert.Empty(t, root.CollectionIDs)
	require.Len(t, h.importer.Calls, 1)
	assert.Equal(t, testOrg, h.importer.Calls[0].OrganizationID)

	second, err := h.run(t, raw, opts)
	require.NoError(t, err)
	assert.Equal(t, 3, second.Skipped)
	assert.Equal(t, 0, second.Created)
}

func TestRun_OrganizationDedupIsPerFolder(t *testing.T) {
	h := newHarness(t)
	opts := migration.Options{Scope: dedup.Scope{OrganizationID: testOrg}}

	first := []entities.RawEntry{
		{UUID: uuidN(1), Title: "Site", Username: "a", Password: "p", GroupPath: []string{"Work"}},
	}
	summary, err := h.run(t, first, opts)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Created)

	second := append(first,
		entities.RawEntry{UUID: uuidN(2), Title: "Site", Username: "b", Password: "q", GroupPath: []string{"Home"},
			Binaries: []entities.Attachment{{Filename: "home.txt", Data: []byte("h")}}},
		entities.RawEntry{UUID: uuidN(3), Title: "Site", Username: "c", Password: "r", GroupPath: []string{"Lab"},
			Binaries: []entities.Attachment{{Filename: "lab.txt", Data: []byte("l")}}},
	)
	summary, err = h.run(t, second, opts)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 2, summary.Created)
	assert.Equal(t, 0, summary.MissingIDs)
	assert.Equal(t, 2, summary.AttachmentsUploaded)

	byFolder := make(map[string]bitwarden.Item)
	for _, item := range h.store.Items() {
		assert.True(t, item.InOrganization(testOrg))
		byFolder[folderOf(h.store, item)] = item
	}
	require.Len(t, byFolder, 3)
	assert.Equal(t, "a", byFolder["Work"].Login.Username)
	assert.Equal(t, "b", byFolder["Home"].Login.Username)
	assert.Equal(t, "c", byFolder["Lab"].Login.Username)
	home := h.store.Attachments(byFolder["Home"].ID)
	require.Len(t, home, 1)
	assert.Equal(t, "home.txt", home[0].Filename)
	lab := h.store.Attachments(byFolder["Lab"].ID)
	require.Len(t, lab, 1)
	assert.Equal(t, "lab.txt", lab[0].Filename)

	third, err := h.run(t, second, opts)
	require.NoError(t, err)
	assert.Equal(t, 3, third.Skipped)
	assert.Equal(t, 0, third.Created)
}

func TestRun_AutoCollectionsLinkExistingItem(t *testing.T) {
	h := newHarness(t)
	old := h.store.AddCollection(testOrg, "Old")
	work := h.store.AddFolder("Work")
	org := testOrg
	existing := h.store.AddItem(bitwarden.Item{Type: bitwarden.ItemTypeLogin, Name: "Site", FolderID: &work, OrganizationID: &org, CollectionIDs: []string{old}})

	raw := []entities.RawEntry{{UUID: uuidN(1), Title: "Site", Password: "pw", GroupPath: []string{"Work"}}}
	opts := migration.Options{Scope: dedup.Scope{OrganizationID: testOrg}, AutoCollections: true}

	summary, err := h.run(t, raw, opts)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Updated)
	assert.Equal(t, 0, summary.Created)
	assert.Empty(t, h.importer.Calls)

	collections := make(map[string]string)
	for _, c := range h.store.Collections(testOrg) {
		collections[c.Name] = c.ID
	}
	require.Contains(t, collections, "Work")
	items := h.store.Items()
	require.Len(t, items, 1)
	assert.Equal(t, existing.ID, items[0].ID)
	assert.ElementsMatch(t, []string{old, collections["Work"]}, items[0].CollectionIDs)

	second, err := h.run(t, raw, opts)
	require.NoError(t, err)
	assert.Equal(t, 1, second.Skipped)
	assert.Equal(t, 0, second.Updated)
}

func TestRun_OrganizationSkipsExistingItemInAnyCollection(t *testing.T) {
	h := newHarness(t)
	shared := h.store.AddCollection(testOrg, "Shared")
	work := h.store.AddFolder("Work")
	org := testOrg
	h.store.AddItem(bitwarden.Item{Type: bitwarden.ItemTypeLogin, Name: "Site", FolderID: &work, OrganizationID: &org, CollectionIDs: []string{shared}})

	raw := []entities.RawEntry{{UUID: uuidN(1), Title: "Site", Password: "pw", GroupPath: []string{"Work"}}}

	summary, err := h.run(t, raw, migration.Options{Scope: dedup.Scope{OrganizationID: testOrg}})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 0, summary.Created)
	assert.Len(t, h.store.Items(), 1)
}

func TestRun_FixedCollectionNarrowsDedup(t *testing.T) {
	h := newHarness(t)
	shared := h.store.AddCollection(testOrg, "Shared")
	other := h.store.AddCollection(testOrg, "Other")
	org := testOrg
	h.store.AddItem(bitwarden.Item{Type: bitwarden.ItemTypeLogin, Name: "Bank", OrganizationID: &org, CollectionIDs: []string{other}})

	raw := []entities.RawEntry{{UUID: uuidN(1), Title: "Bank", Password: "pw", GroupPath: []string{"Finance"}}}
	opts := migration.Options{Scope: dedup.Scope{OrganizationID: testOrg, CollectionID: shared}}

	summary, err := h.run(t, raw, opts)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Created)
	assert.Equal(t, 0, summary.MissingIDs)

	var inShared int
	for _, item := range h.store.Items() {
		if len(item.CollectionIDs) == 1 && item.CollectionIDs[0] == shared {
			inShared++
		}
	}
	assert.Equal(t, 1, inShared)
}

func TestRun_RecoversIDsInSubmissionOrder(t *testing.T) {
	h := newHarness(t)
	other := h.store.AddFolder("Other")
	h.store.AddItem(bitwarden.Item{Type: bitwarden.ItemTypeLogin, Name: "Bank", FolderID: &other})

	raw := []entities.RawEntry{
		{UUID: uuidN(1), Title: "Bank", Password: "first", GroupPath: []string{"Finance"},
			Binaries: []entities.Attachment{{Filename: "first.txt", Data: []byte("1")}}},
		{UUID: uuidN(2), Title: "Bank", Password: "second", GroupPath: []string{"Finance"},
			Binaries: []entities.Attachment{{Filename: "second.txt", Data: []byte("2")}}},
	}

	summary, err := h.run(t, raw, migration.Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Created)
	assert.Equal(t, 2, summary.AttachmentsUploaded)
	assert.Equal(t, 0, summary.MissingIDs)

	for _, item := range h.store.Items() {
		if folderOf(h.store, item) != "Finance" {
			assert.Empty(t, h.store.Attachments(item.ID))
			continue
		}
		attachments := h.store.Attachments(item.ID)
		require.Len(t, attachments, 1)
		switch item.Login.Password {
		case "first":
			assert.Equal(t, "first.txt", attachments[0].Filename)
		case "second":
			assert.Equal(t, "second.txt", attachments[0].Filename)
		default:
			t.Fatalf("unexpected item %+v", item)
		}
	}
}

func TestRun_PartialAttachmentFailure(t *testing.T) {
	h := newHarness(t)
	h.store.FailAttachment = func(_, filename string) bool { return filename == "bad.bin" }

	raw := []entities.RawEntry{
		{UUID: uuidN(1), Title: "Keys", Password: "pw", Binaries: []entities.Attachment{
			{Filename: "good.bin", Data: []byte("ok")},
			{Filename: "bad.bin", Data: []byte("no")},
		}},
	}

	summary, err := h.run(t, raw, migration.Options{AttachmentConcurrency: 2})
	require.Error(t, err)

	var stageErr *migration.StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, migration.StageAttachments, stageErr.Stage)
	var failures *bitwarden.UploadFailures
	require.True(t, errors.As(err, &failures))
	assert.Equal(t, 1, summary.Created)
	assert.Equal(t, 1, summary.AttachmentsUploaded)
	assert.Equal(t, 1, summary.AttachmentFailures)
}

func TestRun_DryRunCreatesNothing(t *testing.T) {
	h := newHarness(t)
	raw := []entities.RawEntry{
		{UUID: uuidN(1), Title: "Bank", Password: "pw"},
		{UUID: uuidN(2), Title: "Mail", Password: "pw"},
	}

	summary, err := h.run(t, raw, migration.Options{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, 2, summary.WouldCreate)
	assert.Equal(t, 0, summary.Created)
	assert.Empty(t, h.store.Items())
	assert.Empty(t, h.importer.Calls)
}

func TestRun_DryRunDoesNotCreateCollections(t *testing.T) {
	h := newHarness(t)
	raw := []entities.RawEntry{{UUID: uuidN(1), Title: "Bank", Password: "pw", GroupPath: []string{"Finance"}}}
	opts := migration.Options{Scope: dedup.Scope{OrganizationID: testOrg}, AutoCollections: true, DryRun: true}

	summary, err := h.run(t, raw, opts)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.WouldCreate)
	assert.Empty(t, h.store.Collections(testOrg))
	assert.Empty(t, h.store.Items())
}

func TestRun_ImportFailure(t *testing.T) {
	h := newHarness(t)
	h.importer.Err = errors.New("import rejected")

	summary, err := h.run(t, []entities.RawEntry{{UUID: uuidN(1), Title: "Bank", Password: "pw"}}, migration.Options{})
	require.Error(t, err)

	var stageErr *migration.StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, migration.StageImport, stageErr.Stage)
	var importErr *bitwarden.ImportError
	assert.True(t, errors.As(err, &importErr))
	assert.Equal(t, 0, summary.Created)
}

func TestRun_SourceFailureSkipsSession(t *testing.T) {
	h := newHarness(t)
	m := migration.NewMigrator(sliceSource{err: errors.New("bad key file")}, h.opener("", ""), migration.Options{})

	_, err := m.Run(context.Background())

	var stageErr *migration.StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, migration.StageSource, stageErr.Stage)
	assert.Zero(t, h.opens)
}

func TestRun_SessionFailure(t *testing.T) {
	h := newHarness(t)
	open := func(ctx context.Context) (migration.Target, error) {
		return nil, bitwarden.ErrServeExited
	}
	m := migration.NewMigrator(sliceSource{entries: []entities.RawEntry{{UUID: uuidN(1), Title: "Bank"}}}, open, migration.Options{})

	summary, err := m.Run(context.Background())

	var stageErr *migration.StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, migration.StageSession, stageErr.Stage)
	assert.ErrorIs(t, err, bitwarden.ErrServeExited)
	assert.Equal(t, 1, summary.Parsed)
	assert.Empty(t, h.store.Items())
}
