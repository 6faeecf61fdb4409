// Package keepass reads KDBX databases and flattens their entries into
// entities.RawEntry records.
package keepass

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tobischo/gokeepasslib/v3"
	w "github.com/tobischo/gokeepasslib/v3/wrappers"

	"github.com/mrlokans/vaultbridge/internal/entities"
)

var ErrEmptyDatabase = errors.New("keepass database has no root group")

// Standard entry keys; everything else is a custom property.
const (
	keyTitle    = "Title"
	keyUserName = "UserName"
	keyPassword = "Password"
	keyURL      = "URL"
	keyNotes    = "Notes"
	keyOTP      = "otp"
)

var reservedKeys = map[string]bool{
	keyTitle:    true,
	keyUserName: true,
	keyPassword: true,
	keyURL:      true,
	keyNotes:    true,
	keyOTP:      true,
}

type Database struct {
	db *gokeepasslib.Database
}

// Open decodes and unlocks the KDBX file at path. keyFile may be empty.
func Open(path, password, keyFile string) (*Database, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open keepass file: %w", err)
	}
	defer file.Close()

	creds, err := credentials(password, keyFile)
	if err != nil {
		return nil, err
	}

	db := gokeepasslib.NewDatabase()
	db.Credentials = creds
	if err := gokeepasslib.NewDecoder(file).Decode(db); err != nil {
		return nil, fmt.Errorf("failed to decode keepass file: %w", err)
	}
	if err := db.UnlockProtectedEntries(); err != nil {
		return nil, fmt.Errorf("failed to unlock protected entries: %w", err)
	}
	return &Database{db: db}, nil
}

// Source opens the file lazily so that a bad password surfaces from Entries.
type Source struct {
	Path     string
	Password string
	KeyFile  string
}

func NewSource(path, password, keyFile string) *Source {
	return &Source{Path: path, Password: password, KeyFile: keyFile}
}

func (s *Source) Entries() ([]entities.RawEntry, error) {
	db, err := Open(s.Path, s.Password, s.KeyFile)
	if err != nil {
		return nil, err
	}
	return db.Entries()
}

func credentials(password, keyFile string) (*gokeepasslib.DBCredentials, error) {
	if keyFile == "" {
		return gokeepasslib.NewPasswordCredentials(password), nil
	}
	var (
		creds *gokeepasslib.DBCredentials
		err   error
	)
	if password == "" {
		creds, err = gokeepasslib.NewKeyCredentials(keyFile)
	} else {
		creds, err = gokeepasslib.NewPasswordAndKeyCredentials(password, keyFile)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	return creds, nil
}

// Entries walks every group depth-first and returns all entries in source order.
// Entries under the recycle bin group are flagged rather than dropped.
func (d *Database) Entries() ([]entities.RawEntry, error) {
	if d.db.Content == nil || d.db.Content.Root == nil || len(d.db.Content.Root.Groups) == 0 {
		return nil, ErrEmptyDatabase
	}

	var recycleBin *gokeepasslib.UUID
	if meta := d.db.Content.Meta; meta != nil && meta.RecycleBinEnabled.Bool {
		id := meta.RecycleBinUUID
		recycleBin = &id
	}

	var out []entities.RawEntry
	for i := range d.db.Content.Root.Groups {
		root := &d.db.Content.Root.Groups[i]
		// The root group's own name is not part of folder paths.
		out = walk(d.db, root, nil, false, recycleBin, out)
	}
	log.Debugf("Read %d entries from keepass database", len(out))
	return out, nil
}

func walk(db *gokeepasslib.Database, group *gokeepasslib.Group, path []string, inBin bool, recycleBin *gokeepasslib.UUID, out []entities.RawEntry) []entities.RawEntry {
	if recycleBin != nil && group.UUID == *recycleBin {
		inBin = true
	}
	for i := range group.Entries {
		out = append(out, convertEntry(db, &group.Entries[i], path, inBin))
	}
	for i := range group.Groups {
		child := &group.Groups[i]
		childPath := append(append([]string(nil), path...), child.Name)
		out = walk(db, child, childPath, inBin, recycleBin, out)
	}
	return out
}

func convertEntry(db *gokeepasslib.Database, e *gokeepasslib.Entry, path []string, inBin bool) entities.RawEntry {
	raw := entities.RawEntry{
		UUID:         FormatUUID(e.UUID),
		Title:        e.GetContent(keyTitle),
		Username:     e.GetContent(keyUserName),
		Password:     e.GetContent(keyPassword),
		URL:          e.GetContent(keyURL),
		Notes:        e.GetContent(keyNotes),
		OTP:          e.GetContent(keyOTP),
		Tags:         SplitTags(e.Tags),
		GroupPath:    path,
		InRecycleBin: inBin,
		Expires:      e.Times.Expires.Bool,
		ExpiryTime:   timeOf(e.Times.ExpiryTime),
		CreatedAt:    timeOf(e.Times.CreationTime),
		ModifiedAt:   timeOf(e.Times.LastModificationTime),
	}

	for _, value := range e.Values {
		if reservedKeys[value.Key] {
			continue
		}
		raw.Properties = append(raw.Properties, entities.Property{
			Name:      value.Key,
			Value:     value.Value.Content,
			Protected: value.Value.Protected.Bool,
		})
	}

	if db != nil {
		for i := range e.Binaries {
			ref := &e.Binaries[i]
			binary := ref.Find(db)
			if binary == nil {
				log.Warnf("Entry %q references missing binary %q", raw.Title, ref.Name)
				continue
			}
			data, err := binary.GetContentBytes()
			if err != nil {
				log.Warnf("Entry %q: failed to read binary %q: %v", raw.Title, ref.Name, err)
				continue
			}
			raw.Binaries = append(raw.Binaries, entities.Attachment{Filename: ref.Name, Data: data})
		}
	}
	return raw
}

// FormatUUID renders an entry UUID as upper-case hex without dashes, the form
// used inside {REF:...} markers.
func FormatUUID(id gokeepasslib.UUID) string {
	return strings.ToUpper(hex.EncodeToString(id[:]))
}

// SplitTags splits a KeePass tag string; both ";" and "," act as separators.
func SplitTags(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool { return r == ';' || r == ',' })
	var tags []string
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			tags = append(tags, f)
		}
	}
	return tags
}

func timeOf(t *w.TimeWrapper) *time.Time {
	if t == nil || t.Time.IsZero() {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
