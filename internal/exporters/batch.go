// Package exporters assembles the bulk-creation document sent to the target.
package exporters

import (
	"github.com/google/uuid"

	"github.com/mrlokans/vaultbridge/internal/bitwarden"
)

// Submission is one entry that survived deduplication, in submission order.
type Submission struct {
	Folder        string   // folder path joined with "/", "" for root
	CollectionIDs []string // organization runs only
	Item          bitwarden.Item
}

// BatchOptions carries what the document needs beyond the submissions.
type BatchOptions struct {
	OrganizationID string
	// CollectionNames maps collection id → display name for the document's
	// collection records.
	CollectionNames map[string]string
}

// BuildBatch produces one import document. Personal runs get one folder
// record per distinct folder with a synthetic id unique to this document;
// organization runs get one collection record per distinct collection.
func BuildBatch(subs []Submission, opts BatchOptions) *bitwarden.ImportDocument {
	doc := &bitwarden.ImportDocument{
		Folders: []bitwarden.ImportFolder{},
		Items:   make([]bitwarden.Item, 0, len(subs)),
	}

	folderIDs := make(map[string]string)
	seenCollections := make(map[string]bool)

	for _, sub := range subs {
		item := sub.Item
		item.ID = ""
		item.FolderID = nil
		item.OrganizationID = nil
		item.CollectionIDs = nil

		if opts.OrganizationID == "" {
			if sub.Folder != "" {
				id, ok := folderIDs[sub.Folder]
				if !ok {
					id = uuid.NewString()
					folderIDs[sub.Folder] = id
					doc.Folders = append(doc.Folders, bitwarden.ImportFolder{ID: id, Name: sub.Folder})
				}
				item.FolderID = &id
			}
		} else {
			org := opts.OrganizationID
			item.OrganizationID = &org
			item.CollectionIDs = append([]string{}, sub.CollectionIDs...)
			for _, c := range sub.CollectionIDs {
				if seenCollections[c] {
					continue
				}
				seenCollections[c] = true
				name := opts.CollectionNames[c]
				if name == "" {
					name = c
				}
				doc.Collections = append(doc.Collections, bitwarden.ImportCollection{ID: c, OrganizationID: org, Name: name})
			}
		}

		doc.Items = append(doc.Items, item)
	}
	return doc
}
