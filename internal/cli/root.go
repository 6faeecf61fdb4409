// Package cli wires the vaultbridge commands.
package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/mrlokans/vaultbridge/internal/config"
)

const (
	ExitFailure = 1
	ExitConfig  = 2
)

// ExitError carries the process exit status for an error.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

func configError(err error) error {
	return &ExitError{Code: ExitConfig, Err: err}
}

// BuildInfo is stamped at build time via ldflags.
type BuildInfo struct {
	Version string
	Commit  string
}

// NewRootCommand assembles the command tree.
func NewRootCommand(info BuildInfo) *cobra.Command {
	root := &cobra.Command{
		Use:   "vaultbridge",
		Short: "Migrate KeePass databases into Bitwarden",
		Long: `vaultbridge copies the entries of a KeePass (KDBX) database into a Bitwarden
vault through a local "bw serve" session. Runs are idempotent: entries that
already exist in the target folder or collection are skipped.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return configError(err)
	})
	root.PersistentFlags().String("log-level", config.DefaultLogLevel, "Log level (debug, info, warn, error)")

	root.AddCommand(
		newMigrateCommand(),
		newHistoryCommand(),
		newStubServeCommand(),
		newVersionCommand(info),
	)
	return root
}

// Execute runs the command line and returns the process exit status.
func Execute(info BuildInfo) int {
	return run(NewRootCommand(info), os.Args[1:], os.Stderr)
}

func run(root *cobra.Command, args []string, stderr io.Writer) int {
	root.SetArgs(args)
	err := root.Execute()
	if err == nil {
		return 0
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		if exitErr.Err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", exitErr.Err)
		}
		return exitErr.Code
	}
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return ExitFailure
}
