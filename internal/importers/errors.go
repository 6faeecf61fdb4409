package importers

import (
	"errors"
	"fmt"
)

var (
	ErrReferenceCycle       = errors.New("reference cycle")
	ErrUnsupportedReference = errors.New("unsupported reference")
	ErrMissingReference     = errors.New("referenced entry not found")
	ErrMalformedReference   = errors.New("malformed reference")
	ErrInvalidPasskey       = errors.New("invalid passkey private key")
	ErrNilEntry             = errors.New("nil entry")
)

// ResolutionError is a per-entry failure. It is logged and absorbed: the
// entry either keeps its literal value or is skipped, never the whole run.
type ResolutionError struct {
	SourceID string
	Title    string
	Err      error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("entry %q (%s): %v", e.Title, e.SourceID, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}
