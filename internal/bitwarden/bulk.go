package bitwarden

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"go.uber.org/multierr"
)

const importFilePattern = "vaultbridge-import-*.json"

type ImportOptions struct {
	OrganizationID string
	SessionToken   string
	// Secrets are masked in any command output carried by errors.
	Secrets []string
}

// BulkImporter creates every item of an import document in one operation.
type BulkImporter interface {
	Import(ctx context.Context, doc *ImportDocument, opts ImportOptions) error
}

// CommandRunner runs argv with extra environment and returns its combined output.
type CommandRunner func(ctx context.Context, argv []string, env []string) ([]byte, int, error)

// CLIImporter writes the document to a private temp file and runs
// `bw import bitwardenjson <file>`. The file is removed whatever the outcome.
type CLIImporter struct {
	Command []string
	Fs      afero.Fs
	TempDir string
	Run     CommandRunner
}

func NewCLIImporter(command []string) *CLIImporter {
	return &CLIImporter{
		Command: command,
		Fs:      afero.NewOsFs(),
		Run:     runCommand,
	}
}

func (c *CLIImporter) Import(ctx context.Context, doc *ImportDocument, opts ImportOptions) error {
	path, err := c.writeDocument(doc)
	if err != nil {
		return err
	}
	defer func() {
		if err := c.Fs.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warnf("Failed to remove import file %s: %v", path, err)
		}
	}()

	argv := append([]string(nil), c.Command...)
	argv = append(argv, "import")
	if opts.OrganizationID != "" {
		argv = append(argv, "--organizationid", opts.OrganizationID)
	}
	argv = append(argv, "bitwardenjson", path)

	log.Printf("Importing %d items with bw import", len(doc.Items))
	output, exitCode, err := c.Run(ctx, argv, []string{"BW_SESSION=" + opts.SessionToken})
	if err != nil {
		secrets := append([]string{opts.SessionToken}, opts.Secrets...)
		return &ImportError{ExitCode: exitCode, Output: Sanitize(string(output), secrets...), Err: err}
	}
	log.Debugf("bw import output: %s", Sanitize(string(output), opts.SessionToken))
	return nil
}

func (c *CLIImporter) writeDocument(doc *ImportDocument) (string, error) {
	dir := c.TempDir
	if dir == "" {
		dir = os.TempDir()
	}
	f, err := afero.TempFile(c.Fs, dir, importFilePattern)
	if err != nil {
		return "", fmt.Errorf("failed to create import file: %w", err)
	}
	path := f.Name()

	encodeErr := json.NewEncoder(f).Encode(doc)
	closeErr := f.Close()
	if err := multierr.Combine(encodeErr, closeErr); err != nil {
		_ = c.Fs.Remove(path)
		return "", fmt.Errorf("failed to write import file: %w", err)
	}
	if err := c.Fs.Chmod(path, 0o600); err != nil {
		_ = c.Fs.Remove(path)
		return "", fmt.Errorf("failed to restrict import file: %w", err)
	}
	return path, nil
}

func runCommand(ctx context.Context, argv []string, env []string) ([]byte, int, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), env...)
	output, err := cmd.CombinedOutput()
	exitCode := 0
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		exitCode = exitErr.ExitCode()
	}
	return output, exitCode, err
}
