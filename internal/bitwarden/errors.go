package bitwarden

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/multierr"
)

// ErrSessionClosed indicates an operation on a session that is closed or failed
var ErrSessionClosed = errors.New("bitwarden session is closed")

// ErrInvalidTransition indicates an illegal session state change
var ErrInvalidTransition = errors.New("invalid session state transition")

// ErrReadyTimeout indicates bw serve did not become reachable in time
var ErrReadyTimeout = errors.New("bw serve did not become ready in time")

// ErrServeExited indicates bw serve exited while the session depended on it
var ErrServeExited = errors.New("bw serve exited unexpectedly")

// TransportError is a fatal failure talking to bw serve. Detail is always sanitized.
type TransportError struct {
	Op         string
	Stage      State
	StatusCode int
	Detail     string
	Err        error
}

func (e *TransportError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "bitwarden %s failed", e.Op)
	if e.Stage != "" {
		fmt.Fprintf(&b, " during %s", e.Stage)
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": HTTP %d", e.StatusCode)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if e.Detail != "" {
		fmt.Fprintf(&b, ": %s", e.Detail)
	}
	return b.String()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ImportError is a failed bulk import. Output is sanitized.
type ImportError struct {
	ExitCode int
	Output   string
	Err      error
}

func (e *ImportError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("bw import failed (exit %d): %v", e.ExitCode, e.Err)
	}
	return fmt.Sprintf("bw import failed (exit %d): %s", e.ExitCode, e.Output)
}

func (e *ImportError) Unwrap() error {
	return e.Err
}

// UploadError is one failed attachment upload.
type UploadError struct {
	Index      int
	ItemID     string
	Filename   string
	StatusCode int
	Message    string
}

func (e *UploadError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upload %q to item %s: HTTP %d: %s", e.Filename, e.ItemID, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("upload %q to item %s: %s", e.Filename, e.ItemID, e.Message)
}

// UploadFailures aggregates every failed upload of one batch, in job order.
type UploadFailures struct {
	Total    int
	Failures []*UploadError
	errs     error
}

func (e *UploadFailures) Error() string {
	return fmt.Sprintf("%d of %d attachment uploads failed: %v", len(e.Failures), e.Total, e.errs)
}

func (e *UploadFailures) Unwrap() []error {
	return multierr.Errors(e.errs)
}
