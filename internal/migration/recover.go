package migration

import (
	"context"
	"fmt"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/mrlokans/vaultbridge/internal/bitwarden"
	"github.com/mrlokans/vaultbridge/internal/dedup"
)

type queueKey struct {
	key  dedup.ScopeKey
	name string
}

// recoverItems matches submitted entries to the items the import created.
// Items that existed before the batch are ignored; candidates sharing a
// (key, name) are handed out in creation order, so the first submitted entry
// gets the first created item. Organization imports drop folders, so an org
// entry whose folder queue is empty falls back to the unfoldered queue. The
// result is parallel to news; nil marks a missing item.
func recoverItems(before *dedup.Index, items []bitwarden.Item, folderNames map[string]string, news []pending) []*bitwarden.Item {
	scope := before.Scope()
	queues := make(map[queueKey][]*bitwarden.Item)
	for i := range items {
		item := &items[i]
		if item.ID == "" || before.Known(item.ID) {
			continue
		}
		for _, key := range scope.KeysOf(item, folderNames) {
			qk := queueKey{key: key, name: item.Name}
			queues[qk] = append(queues[qk], item)
		}
	}
	for _, q := range queues {
		sort.SliceStable(q, func(i, j int) bool {
			return createdBefore(q[i].CreationDate, q[j].CreationDate)
		})
	}

	used := make(map[string]bool)
	take := func(qk queueKey) *bitwarden.Item {
		q := queues[qk]
		defer func() { queues[qk] = q }()
		for len(q) > 0 {
			candidate := q[0]
			q = q[1:]
			if !used[candidate.ID] {
				used[candidate.ID] = true
				return candidate
			}
		}
		return nil
	}

	out := make([]*bitwarden.Item, len(news))
	for i, p := range news {
		qk := queueKey{key: p.key, name: p.submission.Item.Name}
		out[i] = take(qk)
		if out[i] == nil && scope.Organization() && p.key.Folder != "" {
			qk.key.Folder = ""
			out[i] = take(qk)
		}
	}
	return out
}

// createdBefore orders by creation date; items without a parsable date keep
// their listing order.
func createdBefore(a, b string) bool {
	ta, errA := time.Parse(time.RFC3339Nano, a)
	tb, errB := time.Parse(time.RFC3339Nano, b)
	if errA != nil || errB != nil {
		return false
	}
	return ta.Before(tb)
}

// bindFolders moves created organization items into their source folder.
// Folders are per user, so this goes through item edits rather than the import.
func bindFolders(ctx context.Context, target Target, folderNames map[string]string, news []pending, created []*bitwarden.Item) (int, error) {
	bound := 0
	for i, p := range news {
		item := created[i]
		if item == nil || p.submission.Folder == "" || dedup.FolderOf(item, folderNames) == p.submission.Folder {
			continue
		}
		folderID, err := target.CreateFolder(ctx, p.submission.Folder)
		if err != nil {
			return bound, fmt.Errorf("failed to create folder %q: %w", p.submission.Folder, err)
		}
		edit := *item
		edit.FolderID = &folderID
		if _, err := target.EditItem(ctx, edit); err != nil {
			return bound, fmt.Errorf("failed to move %q into folder %q: %w", item.Name, p.submission.Folder, err)
		}
		bound++
	}
	if bound > 0 {
		log.Printf("Moved %d organization items into their folders", bound)
	}
	return bound, nil
}
