// Package migration runs the four phases of a vault migration: partition
// against what the target already holds, bulk create, id recovery and
// attachment upload.
package migration

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/mrlokans/vaultbridge/internal/bitwarden"
	"github.com/mrlokans/vaultbridge/internal/dedup"
	"github.com/mrlokans/vaultbridge/internal/entities"
	"github.com/mrlokans/vaultbridge/internal/exporters"
	"github.com/mrlokans/vaultbridge/internal/importers"
)

// Source yields the raw entries to migrate.
type Source interface {
	Entries() ([]entities.RawEntry, error)
}

// Target is the slice of the bw serve session a run uses.
type Target interface {
	dedup.Lister
	ListCollections(ctx context.Context, org string) (map[string]string, error)
	CreateOrgCollection(ctx context.Context, name, org string) (string, error)
	CreateFolder(ctx context.Context, name string) (string, error)
	EditItem(ctx context.Context, item bitwarden.Item) (*bitwarden.Item, error)
	EditItemCollections(ctx context.Context, itemID string, collectionIDs []string) error
	Sync(ctx context.Context) error
	SubmitBatch(ctx context.Context, doc *bitwarden.ImportDocument) error
	UploadAttachments(ctx context.Context, jobs []bitwarden.AttachmentJob, concurrency int) error
	Close() error
}

// Opener starts a target session for one run.
type Opener func(ctx context.Context) (Target, error)

type Options struct {
	Scope                 dedup.Scope
	// AutoCollections derives one collection per top-level folder; Scope.CollectionID must be empty.
	AutoCollections       bool
	AttachmentConcurrency int
	DryRun                bool
	Resolver              importers.ResolverOptions
}

type Migrator struct {
	source   Source
	open     Opener
	opts     Options
	resolver *importers.Resolver
	mapper   *importers.FieldMapper
}

func NewMigrator(source Source, open Opener, opts Options) *Migrator {
	if opts.AttachmentConcurrency < 1 {
		opts.AttachmentConcurrency = bitwarden.DefaultUploadConcurrency
	}
	return &Migrator{
		source:   source,
		open:     open,
		opts:     opts,
		resolver: importers.NewResolver(opts.Resolver),
		mapper:   importers.NewFieldMapper(),
	}
}

const dryRunCollectionPrefix = "new:"

// pending is an entry that is new on the target.
type pending struct {
	key         dedup.ScopeKey
	submission  exporters.Submission
	attachments []entities.Attachment
}

// Run executes one migration. The summary is returned even when err is set,
// describing what happened before the failing stage.
func (m *Migrator) Run(ctx context.Context) (*Summary, error) {
	start := time.Now()
	summary := &Summary{}
	defer func() { summary.Duration = time.Since(start) }()

	raw, err := m.source.Entries()
	if err != nil {
		return summary, &StageError{Stage: StageSource, Err: err}
	}
	summary.Parsed = len(raw)

	resolved := m.resolver.Resolve(raw)
	summary.Resolved = len(resolved.Entries)
	summary.Merged = resolved.Merged
	summary.Warnings = len(resolved.Warnings)
	log.Printf("Resolved %d of %d entries (%d merged, %d in recycle bin, %d expired, %d filtered by tag)",
		len(resolved.Entries), len(raw), resolved.Merged, resolved.SkippedRecycleBin, resolved.SkippedExpired, resolved.SkippedByTag)

	mapped := make([]*importers.MappedEntry, 0, len(resolved.Entries))
	for _, entry := range resolved.Entries {
		me, err := m.mapper.Map(entry)
		if err != nil {
			log.Warnf("Skipping entry: %v", err)
			summary.Failed++
			continue
		}
		summary.Warnings += len(me.Warnings)
		mapped = append(mapped, me)
	}

	target, err := m.open(ctx)
	if err != nil {
		return summary, &StageError{Stage: StageSession, Err: err}
	}
	defer func() {
		if err := target.Close(); err != nil {
			log.Warnf("Failed to close target session: %v", err)
		}
	}()

	// Phase 1: partition against the target.
	log.Printf("Reading existing folders and entries")
	index, err := dedup.Build(ctx, target, m.opts.Scope)
	if err != nil {
		return summary, &StageError{Stage: StageDedup, Err: err}
	}
	news, collectionNames, err := m.partition(ctx, target, index, mapped, summary)
	if err != nil {
		return summary, &StageError{Stage: StageDedup, Err: err}
	}

	if len(news) == 0 {
		log.Printf("No new entries to import")
		return summary, nil
	}
	if m.opts.DryRun {
		for _, p := range news {
			log.Printf("[dry-run] would create %q in %s (%d attachments)", p.submission.Item.Name, p.key, len(p.attachments))
		}
		summary.WouldCreate = len(news)
		return summary, nil
	}

	// Phase 2: bulk create.
	subs := make([]exporters.Submission, len(news))
	for i, p := range news {
		subs[i] = p.submission
	}
	doc := exporters.BuildBatch(subs, exporters.BatchOptions{
		OrganizationID:  m.opts.Scope.OrganizationID,
		CollectionNames: collectionNames,
	})
	log.Printf("Creating %d items via bulk import", len(doc.Items))
	if err := target.SubmitBatch(ctx, doc); err != nil {
		return summary, &StageError{Stage: StageImport, Err: err}
	}
	summary.Created = len(news)

	// Phase 3: recover server-assigned ids.
	created, err := m.recover(ctx, target, index, news)
	if err != nil {
		return summary, &StageError{Stage: StageRecover, Err: err}
	}
	ids := make([]string, len(created))
	for i, item := range created {
		if item != nil {
			ids[i] = item.ID
		}
	}

	// Phase 4: attachments.
	var jobs []bitwarden.AttachmentJob
	for i, p := range news {
		if ids[i] == "" {
			summary.MissingIDs++
			log.Warnf("Could not find created item %q in %s; %d attachments not uploaded", p.submission.Item.Name, p.key, len(p.attachments))
			continue
		}
		for _, a := range p.attachments {
			jobs = append(jobs, bitwarden.AttachmentJob{ItemID: ids[i], Filename: a.Filename, Data: a.Data})
		}
	}
	if len(jobs) == 0 {
		log.Printf("No attachments to upload")
		return summary, nil
	}

	log.Printf("Uploading %d attachments (%d at a time)", len(jobs), m.opts.AttachmentConcurrency)
	err = target.UploadAttachments(ctx, jobs, m.opts.AttachmentConcurrency)
	if err != nil {
		var failures *bitwarden.UploadFailures
		if errors.As(err, &failures) {
			summary.AttachmentFailures = len(failures.Failures)
			summary.AttachmentsUploaded = len(jobs) - len(failures.Failures)
			for _, f := range failures.Failures {
				log.Warnf("Attachment failed: %v", f)
			}
		} else {
			summary.AttachmentFailures = len(jobs)
		}
		return summary, &StageError{Stage: StageAttachments, Err: err}
	}
	summary.AttachmentsUploaded = len(jobs)
	return summary, nil
}

// partition resolves each entry's scope key and drops entries already present.
// It returns the new entries in source order and collection id → name.
func (m *Migrator) partition(ctx context.Context, target Target, index *dedup.Index, mapped []*importers.MappedEntry, summary *Summary) ([]pending, map[string]string, error) {
	scope := m.opts.Scope
	collectionNames := make(map[string]string)

	var byName map[string]string
	if scope.Organization() {
		// Preloading also fills the session's collection cache for auto mode.
		var err error
		byName, err = target.ListCollections(ctx, scope.OrganizationID)
		if err != nil {
			return nil, nil, err
		}
		if byName == nil {
			byName = make(map[string]string)
		}
		for name, id := range byName {
			collectionNames[id] = name
		}
	}

	var news []pending
	for _, me := range mapped {
		entry := me.Entry
		var collectionIDs []string
		collectionID := ""

		if scope.Organization() {
			switch {
			case m.opts.AutoCollections:
				top := entry.TopLevelFolder()
				if top == "" {
					break
				}
				if id, ok := byName[top]; ok {
					collectionID = id
					break
				}
				if m.opts.DryRun {
					// Nothing can exist in a collection that has not been created.
					collectionID = dryRunCollectionPrefix + top
					break
				}
				id, err := target.CreateOrgCollection(ctx, top, scope.OrganizationID)
				if err != nil {
					return nil, nil, err
				}
				byName[top] = id
				collectionID = id
				collectionNames[id] = top
			case scope.CollectionID != "":
				collectionID = scope.CollectionID
			}
			if collectionID != "" {
				collectionIDs = []string{collectionID}
			}
		}

		key := scope.KeyFor(entry.FolderName(), collectionID)
		if index.Contains(key, me.Item.Name) {
			log.Printf("-- Entry %q already in %s, skipping", me.Item.Name, key)
			summary.Skipped++
			continue
		}
		if existing := index.Existing(entry.FolderName(), me.Item.Name); existing != nil {
			if collectionID != "" {
				if err := m.addToCollection(ctx, target, existing, collectionID); err != nil {
					return nil, nil, err
				}
				summary.Updated++
			} else {
				summary.Skipped++
			}
			index.Add(key, me.Item.Name)
			continue
		}

		news = append(news, pending{
			key: key,
			submission: exporters.Submission{
				Folder:        entry.FolderName(),
				CollectionIDs: collectionIDs,
				Item:          me.Item,
			},
			attachments: me.Attachments,
		})
	}
	return news, collectionNames, nil
}

// addToCollection links an existing organization item to one more collection
// instead of creating a second copy of it.
func (m *Migrator) addToCollection(ctx context.Context, target Target, existing *bitwarden.Item, collectionID string) error {
	ids := append(append([]string{}, existing.CollectionIDs...), collectionID)
	if m.opts.DryRun {
		log.Printf("[dry-run] would add %q to collection %s", existing.Name, collectionID)
		existing.CollectionIDs = ids
		return nil
	}
	if err := target.EditItemCollections(ctx, existing.ID, ids); err != nil {
		return fmt.Errorf("failed to add %q to collection %s: %w", existing.Name, collectionID, err)
	}
	log.Printf("-- Entry %q already exists, added to collection %s", existing.Name, collectionID)
	existing.CollectionIDs = ids
	return nil
}

func (m *Migrator) recover(ctx context.Context, target Target, before *dedup.Index, news []pending) ([]*bitwarden.Item, error) {
	if err := target.Sync(ctx); err != nil {
		return nil, err
	}
	folders, err := target.ListFolders(ctx)
	if err != nil {
		return nil, err
	}
	items, err := target.ListItems(ctx, m.opts.Scope.Filter())
	if err != nil {
		return nil, err
	}
	folderNames := make(map[string]string, len(folders))
	for name, id := range folders {
		folderNames[id] = name
	}
	created := recoverItems(before, items, folderNames, news)

	recovered := 0
	for _, item := range created {
		if item != nil {
			recovered++
		}
	}
	log.Printf("Recovered ids for %d of %d created items", recovered, len(news))

	if m.opts.Scope.Organization() {
		if _, err := bindFolders(ctx, target, folderNames, news, created); err != nil {
			return created, err
		}
	}
	return created, nil
}
