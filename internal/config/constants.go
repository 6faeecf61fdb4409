package config

import "time"

const (
	// EnvPrefix prefixes every environment variable read by the configuration.
	EnvPrefix = "VAULTBRIDGE"

	// CollectionAuto resolves one organization collection per top-level folder.
	CollectionAuto = "auto"

	DefaultBitwardenBinary       = "bw"
	DefaultServeStartupTimeout   = 60 * time.Second
	DefaultHTTPTimeout           = 60 * time.Second
	DefaultAttachmentConcurrency = 4
	DefaultPathToNameSkip        = 1
	DefaultLogLevel              = "info"
)
