package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var (
	ErrMissingSourceFile     = errors.New("keepass file is required")
	ErrCollectionWithoutOrg  = errors.New("bitwarden collection requires bitwarden organization")
	ErrInvalidConcurrency    = errors.New("attachment concurrency must be at least 1")
	ErrInvalidPathToNameSkip = errors.New("path-to-name skip must not be negative")
)

type (
	Config struct {
		KeePass
		Bitwarden
		Migration
		History
		Schedule
		Global
	}

	KeePass struct {
		File     string
		Password string
		KeyFile  string
	}
	Bitwarden struct {
		Password            string
		OrganizationID      string
		CollectionID        string // fixed collection id, or "auto"
		Binary              string
		ServeStartupTimeout time.Duration
		HTTPTimeout         time.Duration
	}
	Migration struct {
		ImportTags            []string
		SkipExpired           bool
		IncludeRecycleBin     bool
		MigrateMetadata       bool
		PathToName            bool
		PathToNameSkip        int
		AttachmentConcurrency int
		DryRun                bool
	}
	History struct {
		DatabasePath string // empty disables run history
	}
	Schedule struct {
		Cron string // empty runs once
	}
	Global struct {
		LogLevel string
	}
)

// flagKeys maps configuration keys to the command-line flags that override them.
var flagKeys = map[string]string{
	"keepass_password":       "keepass-password",
	"keepass_keyfile":        "keepass-keyfile",
	"bitwarden_password":     "bitwarden-password",
	"bitwarden_org":          "bitwarden-org",
	"bitwarden_collection":   "bitwarden-collection",
	"import_tags":            "import-tags",
	"skip_expired":           "skip-expired",
	"include_recycle_bin":    "include-recycle-bin",
	"migrate_metadata":       "migrate-metadata",
	"path_to_name":           "path-to-name",
	"path_to_name_skip":      "path-to-name-skip",
	"attachment_concurrency": "attachment-concurrency",
	"bw_binary":              "bw-binary",
	"serve_startup_timeout":  "serve-startup-timeout",
	"http_timeout":           "http-timeout",
	"history_db":             "history-db",
	"schedule":               "schedule",
	"log_level":              "log-level",
	"dry_run":                "dry-run",
}

// NewConfig reads configuration from VAULTBRIDGE_* environment variables,
// overridden by any flags present in flags. flags may be nil.
func NewConfig(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	v.SetDefault("keepass_file", "")
	v.SetDefault("keepass_password", "")
	v.SetDefault("keepass_keyfile", "")
	v.SetDefault("bitwarden_password", "")
	v.SetDefault("bitwarden_org", "")
	v.SetDefault("bitwarden_collection", "")
	v.SetDefault("import_tags", "")
	v.SetDefault("skip_expired", false)
	v.SetDefault("include_recycle_bin", false)
	v.SetDefault("migrate_metadata", true)
	v.SetDefault("path_to_name", false)
	v.SetDefault("path_to_name_skip", DefaultPathToNameSkip)
	v.SetDefault("attachment_concurrency", DefaultAttachmentConcurrency)
	v.SetDefault("bw_binary", DefaultBitwardenBinary)
	v.SetDefault("serve_startup_timeout", DefaultServeStartupTimeout)
	v.SetDefault("http_timeout", DefaultHTTPTimeout)
	v.SetDefault("history_db", "")
	v.SetDefault("schedule", "")
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("dry_run", false)

	if flags != nil {
		for key, name := range flagKeys {
			flag := flags.Lookup(name)
			if flag == nil {
				continue
			}
			if err := v.BindPFlag(key, flag); err != nil {
				return nil, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}

	cfg := &Config{
		KeePass: KeePass{
			File:     v.GetString("keepass_file"),
			Password: v.GetString("keepass_password"),
			KeyFile:  v.GetString("keepass_keyfile"),
		},
		Bitwarden: Bitwarden{
			Password:            v.GetString("bitwarden_password"),
			OrganizationID:      v.GetString("bitwarden_org"),
			CollectionID:        v.GetString("bitwarden_collection"),
			Binary:              v.GetString("bw_binary"),
			ServeStartupTimeout: v.GetDuration("serve_startup_timeout"),
			HTTPTimeout:         v.GetDuration("http_timeout"),
		},
		Migration: Migration{
			ImportTags:            splitList(v.GetString("import_tags")),
			SkipExpired:           v.GetBool("skip_expired"),
			IncludeRecycleBin:     v.GetBool("include_recycle_bin"),
			MigrateMetadata:       v.GetBool("migrate_metadata"),
			PathToName:            v.GetBool("path_to_name"),
			PathToNameSkip:        v.GetInt("path_to_name_skip"),
			AttachmentConcurrency: v.GetInt("attachment_concurrency"),
			DryRun:                v.GetBool("dry_run"),
		},
		History: History{
			DatabasePath: v.GetString("history_db"),
		},
		Schedule: Schedule{
			Cron: v.GetString("schedule"),
		},
		Global: Global{
			LogLevel: v.GetString("log_level"),
		},
	}
	return cfg, nil
}

// Validate checks the settings a migration run depends on.
func (c *Config) Validate() error {
	if c.KeePass.File == "" {
		return ErrMissingSourceFile
	}
	if c.Bitwarden.CollectionID != "" && c.Bitwarden.OrganizationID == "" {
		return ErrCollectionWithoutOrg
	}
	if c.Migration.AttachmentConcurrency < 1 {
		return ErrInvalidConcurrency
	}
	if c.Migration.PathToNameSkip < 0 {
		return ErrInvalidPathToNameSkip
	}
	return nil
}

// AutoCollections reports whether collections are derived from top-level folders.
func (c *Config) AutoCollections() bool {
	return c.Bitwarden.OrganizationID != "" && strings.EqualFold(c.Bitwarden.CollectionID, CollectionAuto)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
