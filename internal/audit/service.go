// Package audit records migration runs in the history ledger.
package audit

import (
	"errors"
	"unicode/utf8"

	log "github.com/sirupsen/logrus"

	"github.com/mrlokans/vaultbridge/internal/bitwarden"
	"github.com/mrlokans/vaultbridge/internal/database/runs"
	"github.com/mrlokans/vaultbridge/internal/entities"
	"github.com/mrlokans/vaultbridge/internal/migration"
)

const maxErrorLength = 500

// Service provides run bookkeeping. A nil *Service records nothing, so
// callers need no branching when history is disabled.
type Service struct {
	repo *runs.Repository
}

func NewService(repo *runs.Repository) *Service {
	return &Service{repo: repo}
}

// Begin records the start of a run. Failures are logged, not returned:
// history must never block a migration.
func (s *Service) Begin(sourceFile, organizationID string) *entities.MigrationRun {
	if s == nil {
		return nil
	}
	run, err := s.repo.Start(sourceFile, organizationID)
	if err != nil {
		log.Warnf("Failed to record run start: %v", err)
		return nil
	}
	return run
}

// Finish stores the outcome of run. secrets are masked out of the error text.
func (s *Service) Finish(run *entities.MigrationRun, summary *migration.Summary, dryRun bool, runErr error, secrets ...string) {
	if s == nil || run == nil {
		return
	}
	if summary != nil {
		run.Parsed = summary.Parsed
		run.Created = summary.Created
		run.Skipped = summary.Skipped
		run.Updated = summary.Updated
		run.Failed = summary.Failed
		run.AttachmentsSent = summary.AttachmentsUploaded
		run.AttachmentFailures = summary.AttachmentFailures
		run.MissingIDs = summary.MissingIDs
	}
	run.Status = StatusOf(dryRun, runErr)
	if runErr != nil {
		run.ErrorMsg = truncateRunes(bitwarden.Sanitize(runErr.Error(), secrets...), maxErrorLength)
	}
	if err := s.repo.Finish(run); err != nil {
		log.Warnf("Failed to record run %s: %v", run.RunID, err)
	}
}

// truncateRunes cuts text to at most n characters without splitting one.
func truncateRunes(text string, n int) string {
	if utf8.RuneCountInString(text) <= n {
		return text
	}
	return string([]rune(text)[:n])
}

// Recent lists the latest runs, most recent first.
func (s *Service) Recent(limit int) ([]entities.MigrationRun, error) {
	if s == nil {
		return nil, nil
	}
	return s.repo.List(limit)
}

// StatusOf classifies a run outcome. Attachment failures leave the created
// items in place and count as partial.
func StatusOf(dryRun bool, err error) entities.RunStatus {
	if err != nil {
		var stageErr *migration.StageError
		if errors.As(err, &stageErr) && stageErr.Stage == migration.StageAttachments {
			return entities.RunStatusPartial
		}
		return entities.RunStatusFailed
	}
	if dryRun {
		return entities.RunStatusDryRun
	}
	return entities.RunStatusCompleted
}
