package entities

import "time"

type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusPartial   RunStatus = "partial" // attachments failed
	RunStatusFailed    RunStatus = "failed"
	RunStatusDryRun    RunStatus = "dry_run"
)

type MigrationRun struct {
	ID                 uint       `gorm:"primaryKey" json:"id"`
	RunID              string     `gorm:"uniqueIndex;size:36" json:"run_id"`
	SourceFile         string     `gorm:"size:512" json:"source_file"`
	OrganizationID     string     `gorm:"index;size:64" json:"organization_id,omitempty"`
	Parsed             int        `json:"parsed"`
	Created            int        `json:"created"`
	Skipped            int        `json:"skipped"`
	Updated            int        `json:"updated"`
	Failed             int        `json:"failed"`
	AttachmentsSent    int        `json:"attachments_sent"`
	AttachmentFailures int        `json:"attachment_failures"`
	MissingIDs         int        `json:"missing_ids"`
	Status             RunStatus  `gorm:"index;size:20" json:"status"`
	ErrorMsg           string     `gorm:"size:500" json:"error_msg,omitempty"`
	StartedAt          time.Time  `gorm:"index" json:"started_at"`
	FinishedAt         *time.Time `json:"finished_at,omitempty"`
}

func (MigrationRun) TableName() string {
	return "migration_runs"
}

// Duration returns the elapsed time of a finished run, or zero while it is running.
func (r *MigrationRun) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}
