package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/mrlokans/vaultbridge/internal/audit"
	"github.com/mrlokans/vaultbridge/internal/bitwarden"
	"github.com/mrlokans/vaultbridge/internal/config"
	"github.com/mrlokans/vaultbridge/internal/database"
	"github.com/mrlokans/vaultbridge/internal/database/runs"
	"github.com/mrlokans/vaultbridge/internal/dedup"
	"github.com/mrlokans/vaultbridge/internal/importers"
	"github.com/mrlokans/vaultbridge/internal/keepass"
	"github.com/mrlokans/vaultbridge/internal/logging"
	"github.com/mrlokans/vaultbridge/internal/migration"
	"github.com/mrlokans/vaultbridge/internal/scheduler"
)

// passwordPrompt reads a secret interactively.
type passwordPrompt func(label string) (string, error)

var errNoTerminal = errors.New("stdin is not a terminal")

func terminalPrompt(label string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errNoTerminal
	}
	fmt.Fprintf(os.Stderr, "%s: ", label)
	secret, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(secret), nil
}

type migrateCommand struct {
	prompt passwordPrompt
	open   func(ctx context.Context, cfg bitwarden.SessionConfig) (migration.Target, error)
}

func openSession(ctx context.Context, cfg bitwarden.SessionConfig) (migration.Target, error) {
	session, err := bitwarden.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return session, nil
}

func newMigrateCommand() *cobra.Command {
	return (&migrateCommand{prompt: terminalPrompt, open: openSession}).command()
}

func (m *migrateCommand) command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate FILE",
		Short: "Migrate a KeePass database into Bitwarden",
		Long: `Reads FILE, resolves field references, and creates every entry that does not
yet exist in the target vault. Passwords not given by flag or environment
(VAULTBRIDGE_KEEPASS_PASSWORD, VAULTBRIDGE_BITWARDEN_PASSWORD) are prompted for.

Pass --bitwarden-org to migrate into an organization. --bitwarden-collection
takes a collection id, or "auto" to create one collection per top-level group.`,
		Example: `  vaultbridge migrate vault.kdbx
  vaultbridge migrate vault.kdbx --bitwarden-org ORG_ID --bitwarden-collection auto
  vaultbridge migrate vault.kdbx --dry-run --skip-expired
  vaultbridge migrate vault.kdbx --schedule "0 * * * *" --history-db runs.db`,
		Args: cobra.MaximumNArgs(1),
		RunE: m.run,
	}

	f := cmd.Flags()
	f.String("keepass-password", "", "KeePass master password")
	f.String("keepass-keyfile", "", "KeePass key file")
	f.String("bitwarden-password", "", "Bitwarden master password")
	f.String("bitwarden-org", "", "Bitwarden organization id")
	f.String("bitwarden-collection", "", `Collection id, or "auto" for one collection per top-level group`)
	f.String("import-tags", "", "Only migrate entries carrying one of these comma-separated tags")
	f.Bool("skip-expired", false, "Skip entries whose expiry time has passed")
	f.Bool("include-recycle-bin", false, "Also migrate entries in the recycle bin")
	f.Bool("migrate-metadata", true, "Store tags, expiry and timestamps as custom fields")
	f.Bool("path-to-name", false, "Prefix entry names with their group path")
	f.Int("path-to-name-skip", config.DefaultPathToNameSkip, "Leading group levels left out of the name prefix")
	f.Int("attachment-concurrency", config.DefaultAttachmentConcurrency, "Parallel attachment uploads")
	f.String("bw-binary", config.DefaultBitwardenBinary, "Bitwarden CLI executable")
	f.Duration("serve-startup-timeout", config.DefaultServeStartupTimeout, "How long to wait for bw serve to come up")
	f.Duration("http-timeout", config.DefaultHTTPTimeout, "Timeout for each bw serve request")
	f.String("history-db", "", "Record runs in this sqlite file")
	f.String("schedule", "", "Re-run on this cron schedule until interrupted")
	f.Bool("dry-run", false, "Show what would be created without changing the vault")
	return cmd
}

func (m *migrateCommand) run(cmd *cobra.Command, args []string) error {
	cfg, err := config.NewConfig(cmd.Flags())
	if err != nil {
		return configError(err)
	}
	if len(args) == 1 {
		cfg.KeePass.File = args[0]
	}
	if err := logging.Setup(cfg.LogLevel); err != nil {
		return configError(err)
	}
	if err := cfg.Validate(); err != nil {
		return configError(err)
	}
	if cfg.Schedule.Cron != "" {
		if err := scheduler.ValidateSchedule(cfg.Schedule.Cron); err != nil {
			return configError(fmt.Errorf("invalid schedule %q: %w", cfg.Schedule.Cron, err))
		}
	}
	if err := m.promptMissing(cfg); err != nil {
		return configError(err)
	}

	history, closeHistory, err := openHistory(cfg.History.DatabasePath)
	if err != nil {
		return err
	}
	defer closeHistory()

	out := cmd.OutOrStdout()
	if cfg.Schedule.Cron == "" {
		return m.runOnce(contextOf(cmd), cfg, history, out)
	}

	ctx, stop := signal.NotifyContext(contextOf(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()
	s := scheduler.NewMigrationScheduler(cfg.Schedule.Cron, func(ctx context.Context) error {
		return m.runOnce(ctx, cfg, history, out)
	})
	return s.Run(ctx)
}

func contextOf(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func (m *migrateCommand) promptMissing(cfg *config.Config) error {
	if cfg.KeePass.Password == "" && cfg.KeePass.KeyFile == "" {
		pw, err := m.prompt("KeePass password")
		if err != nil {
			return fmt.Errorf("keepass password not set: %w", err)
		}
		cfg.KeePass.Password = pw
	}
	if cfg.Bitwarden.Password == "" {
		pw, err := m.prompt("Bitwarden password")
		if err != nil {
			return fmt.Errorf("bitwarden password not set: %w", err)
		}
		cfg.Bitwarden.Password = pw
	}
	return nil
}

// openHistory returns a nil service when history is disabled.
func openHistory(path string) (*audit.Service, func(), error) {
	if path == "" {
		return nil, func() {}, nil
	}
	db, err := database.NewDatabase(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open history database: %w", err)
	}
	closeFn := func() {
		if err := db.Close(); err != nil {
			log.Warnf("Failed to close history database: %v", err)
		}
	}
	return audit.NewService(runs.NewRepository(db.DB)), closeFn, nil
}

// interrupt remembers the first signal that stopped a session.
type interrupt struct {
	mu  sync.Mutex
	sig os.Signal
}

func (i *interrupt) set(sig os.Signal) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.sig == nil {
		i.sig = sig
	}
}

func (i *interrupt) get() os.Signal {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.sig
}

// signalExitCode follows the shell convention of 128 + signal number.
func signalExitCode(sig os.Signal) int {
	if s, ok := sig.(syscall.Signal); ok {
		return 128 + int(s)
	}
	return ExitFailure
}

func (m *migrateCommand) runOnce(parent context.Context, cfg *config.Config, history *audit.Service, out io.Writer) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	var stopped interrupt
	sessionCfg := bitwarden.SessionConfig{
		Password:       cfg.Bitwarden.Password,
		OrganizationID: cfg.Bitwarden.OrganizationID,
		Command:        []string{cfg.Bitwarden.Binary},
		StartupTimeout: cfg.Bitwarden.ServeStartupTimeout,
		HTTPTimeout:    cfg.Bitwarden.HTTPTimeout,
		OnSignal: func(sig os.Signal) {
			stopped.set(sig)
			cancel()
		},
	}
	scope := dedup.Scope{OrganizationID: cfg.Bitwarden.OrganizationID}
	if !cfg.AutoCollections() {
		scope.CollectionID = cfg.Bitwarden.CollectionID
		sessionCfg.CollectionID = cfg.Bitwarden.CollectionID
	}

	migrator := migration.NewMigrator(
		keepass.NewSource(cfg.KeePass.File, cfg.KeePass.Password, cfg.KeePass.KeyFile),
		func(ctx context.Context) (migration.Target, error) { return m.open(ctx, sessionCfg) },
		migration.Options{
			Scope:                 scope,
			AutoCollections:       cfg.AutoCollections(),
			AttachmentConcurrency: cfg.Migration.AttachmentConcurrency,
			DryRun:                cfg.Migration.DryRun,
			Resolver: importers.ResolverOptions{
				IncludeRecycleBin: cfg.Migration.IncludeRecycleBin,
				SkipExpired:       cfg.Migration.SkipExpired,
				MigrateMetadata:   cfg.Migration.MigrateMetadata,
				PathToName:        cfg.Migration.PathToName,
				PathToNameSkip:    cfg.Migration.PathToNameSkip,
				ImportTags:        cfg.Migration.ImportTags,
			},
		},
	)

	record := history.Begin(cfg.KeePass.File, cfg.Bitwarden.OrganizationID)
	summary, err := migrator.Run(ctx)
	history.Finish(record, summary, cfg.Migration.DryRun, err, cfg.KeePass.Password, cfg.Bitwarden.Password)

	printSummary(out, summary, cfg.Migration.DryRun)

	if sig := stopped.get(); sig != nil {
		return &ExitError{Code: signalExitCode(sig), Err: fmt.Errorf("interrupted by %s", sig)}
	}
	return err
}

func printSummary(out io.Writer, s *migration.Summary, dryRun bool) {
	if s == nil {
		return
	}
	fmt.Fprintln(out, "Migration summary")
	fmt.Fprintln(out, "=================")
	fmt.Fprintf(out, "Entries read:          %d\n", s.Parsed)
	fmt.Fprintf(out, "After resolution:      %d (%d merged)\n", s.Resolved, s.Merged)
	if dryRun {
		fmt.Fprintf(out, "Would create:          %d\n", s.WouldCreate)
	} else {
		fmt.Fprintf(out, "Created:               %d\n", s.Created)
	}
	fmt.Fprintf(out, "Already present:       %d\n", s.Skipped)
	if s.Updated > 0 {
		fmt.Fprintf(out, "Added to collections:  %d\n", s.Updated)
	}
	fmt.Fprintf(out, "Failed:                %d\n", s.Failed)
	fmt.Fprintf(out, "Attachments uploaded:  %d\n", s.AttachmentsUploaded)
	if s.AttachmentFailures > 0 {
		fmt.Fprintf(out, "Attachments failed:    %d\n", s.AttachmentFailures)
	}
	if s.MissingIDs > 0 {
		fmt.Fprintf(out, "Items not found again: %d\n", s.MissingIDs)
	}
	if s.Warnings > 0 {
		fmt.Fprintf(out, "Warnings:              %d\n", s.Warnings)
	}
	fmt.Fprintf(out, "Duration:              %v\n", s.Duration.Round(time.Millisecond))
}
