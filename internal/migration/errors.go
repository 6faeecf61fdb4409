package migration

import "fmt"

type Stage string

const (
	StageSource      Stage = "source"
	StageSession     Stage = "session"
	StageDedup       Stage = "dedup"
	StageImport      Stage = "import"
	StageRecover     Stage = "recover"
	StageAttachments Stage = "attachments"
)

// StageError names the phase in which a run stopped.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
