package migration

import (
	"fmt"
	"time"
)

type Summary struct {
	Parsed              int // raw entries read from the source
	Resolved            int // canonical entries after filters and merging
	Merged              int
	Created             int
	Skipped             int // already present on the target
	Updated             int // existing organization items linked to another collection
	Failed              int // entries that could not be mapped
	WouldCreate         int // dry runs only
	AttachmentsUploaded int
	AttachmentFailures  int
	MissingIDs          int
	Warnings            int
	Duration            time.Duration
}

func (s *Summary) String() string {
	return fmt.Sprintf(
		"parsed=%d resolved=%d merged=%d created=%d skipped=%d updated=%d failed=%d attachments=%d attachment_failures=%d missing_ids=%d duration=%s",
		s.Parsed, s.Resolved, s.Merged, s.Created, s.Skipped, s.Updated, s.Failed,
		s.AttachmentsUploaded, s.AttachmentFailures, s.MissingIDs, s.Duration.Round(time.Millisecond),
	)
}
