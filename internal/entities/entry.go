package entities

import (
	"strings"
	"time"
)

// Property is a custom string field stored on a source entry, kept in source order.
type Property struct {
	Name      string
	Value     string
	Protected bool
}

// Attachment is a named binary payload that travels with an entry.
type Attachment struct {
	Filename string
	Data     []byte
}

// RawEntry is one record as read from the source vault, before any reference
// resolution or filtering.
type RawEntry struct {
	UUID         string // upper-case hex, no dashes
	Title        string
	Username     string
	Password     string
	URL          string
	Notes        string
	OTP          string
	Tags         []string
	Properties   []Property
	Binaries     []Attachment
	GroupPath    []string // group names below the root group
	InRecycleBin bool
	Expires      bool
	ExpiryTime   *time.Time
	CreatedAt    *time.Time
	ModifiedAt   *time.Time
}

// IsExpired reports whether the entry has an expiry time that lies before now.
func (e *RawEntry) IsExpired(now time.Time) bool {
	return e.Expires && e.ExpiryTime != nil && e.ExpiryTime.Before(now)
}

// HasTag reports whether any of the entry's tags matches one of the given tags.
func (e *RawEntry) HasTag(tags []string) bool {
	for _, want := range tags {
		for _, have := range e.Tags {
			if strings.EqualFold(strings.TrimSpace(have), strings.TrimSpace(want)) {
				return true
			}
		}
	}
	return false
}

type CustomField struct {
	Name      string
	Value     string
	Protected bool
}

// PasskeyCredential holds the KeePassXC passkey attributes of an entry.
type PasskeyCredential struct {
	CredentialID  string
	PrivateKeyPEM string
	RelyingParty  string
	UserHandle    string
	Username      string
}

// CanonicalEntry is a fully resolved record ready to be mapped onto the target.
type CanonicalEntry struct {
	SourceID    string
	Title       string
	Username    string
	Password    string
	URLs        []string
	Notes       string
	Tags        []string
	TOTP        string
	Fields      []CustomField
	Passkey     *PasskeyCredential
	Attachments []Attachment
	FolderPath  []string
	ExpiresAt   *time.Time
	Expired     bool
	CreatedAt   *time.Time
	ModifiedAt  *time.Time
}

// FolderName returns the folder path joined with "/", or "" for root entries.
func (e *CanonicalEntry) FolderName() string {
	return strings.Join(e.FolderPath, "/")
}

// TopLevelFolder returns the first folder path segment, or "" for root entries.
func (e *CanonicalEntry) TopLevelFolder() string {
	if len(e.FolderPath) == 0 {
		return ""
	}
	return e.FolderPath[0]
}

// AddURL appends url unless it is empty or already present.
func (e *CanonicalEntry) AddURL(url string) bool {
	if url == "" {
		return false
	}
	for _, existing := range e.URLs {
		if existing == url {
			return false
		}
	}
	e.URLs = append(e.URLs, url)
	return true
}
