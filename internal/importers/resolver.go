package importers

import (
	"errors"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/mrlokans/vaultbridge/internal/entities"
)

const (
	// PasskeyPrefix marks the KeePassXC passkey attributes of an entry.
	PasskeyPrefix = "KPEX_PASSKEY_"

	passkeyCredentialID = PasskeyPrefix + "CREDENTIAL_ID"
	passkeyPrivateKey   = PasskeyPrefix + "PRIVATE_KEY_PEM"
	passkeyRelyingParty = PasskeyPrefix + "RELYING_PARTY"
	passkeyUserHandle   = PasskeyPrefix + "USER_HANDLE"
	passkeyUsername     = PasskeyPrefix + "USERNAME"

	ExpiredNotePrefix = "[EXPIRED] "
	UntitledName      = "_untitled"
	pathSeparator     = " / "

	progressEvery = 25
)

// Metadata field names added when metadata migration is enabled.
const (
	FieldTags     = "KeePass Tags"
	FieldExpires  = "Expires"
	FieldCreated  = "Created"
	FieldModified = "Modified"
)

type ResolverOptions struct {
	IncludeRecycleBin bool
	SkipExpired       bool
	MigrateMetadata   bool
	PathToName        bool
	PathToNameSkip    int
	ImportTags        []string
	Now               func() time.Time
}

type ResolveResult struct {
	Entries           []*entities.CanonicalEntry
	Merged            int
	SkippedRecycleBin int
	SkippedExpired    int
	SkippedByTag      int
	Warnings          []error
}

// Resolver turns raw source entries into canonical entries: it applies the
// filters, dereferences {REF:...} markers and folds references that point at
// the same credentials into their target.
type Resolver struct {
	opts ResolverOptions
}

func NewResolver(opts ResolverOptions) *Resolver {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Resolver{opts: opts}
}

func (r *Resolver) Resolve(raw []entities.RawEntry) *ResolveResult {
	result := &ResolveResult{}
	now := r.opts.Now()

	byUUID := make(map[string]*entities.RawEntry, len(raw))
	for i := range raw {
		byUUID[strings.ToUpper(raw[i].UUID)] = &raw[i]
	}

	canonical := make(map[string]*entities.CanonicalEntry, len(raw))
	var deferred []*entities.RawEntry

	for i := range raw {
		e := &raw[i]
		if (i+1)%progressEvery == 0 {
			log.Debugf("Resolving entries: %d/%d", i+1, len(raw))
		}
		if !r.keep(e, now, result) {
			continue
		}
		if isReference(e.Username) || isReference(e.Password) {
			deferred = append(deferred, e)
			continue
		}
		// The tag filter selects literal entries only; references follow
		// whatever they point at.
		if len(r.opts.ImportTags) > 0 && !e.HasTag(r.opts.ImportTags) {
			result.SkippedByTag++
			continue
		}
		entry := r.newBuilder(e, e.Username, e.Password, now).build()
		canonical[entry.SourceID] = entry
		result.Entries = append(result.Entries, entry)
	}

	for _, e := range deferred {
		username, userTarget := r.resolveField(e, e.Username, byUUID, result)
		password, passTarget := r.resolveField(e, e.Password, byUUID, result)

		var targets []*entities.CanonicalEntry
		for _, t := range []*entities.RawEntry{userTarget, passTarget} {
			if t == nil {
				continue
			}
			if c, ok := canonical[strings.ToUpper(t.UUID)]; ok {
				targets = append(targets, c)
			}
		}

		if mergeable(targets, username, password) {
			for _, t := range targets {
				t.AddURL(e.URL)
			}
			result.Merged++
			log.Debugf("Merged reference entry %q into %q", e.Title, targets[0].Title)
			continue
		}

		entry := r.newBuilder(e, username, password, now).build()
		result.Entries = append(result.Entries, entry)
	}

	return result
}

func (r *Resolver) keep(e *entities.RawEntry, now time.Time, result *ResolveResult) bool {
	if e.InRecycleBin && !r.opts.IncludeRecycleBin {
		result.SkippedRecycleBin++
		return false
	}
	if r.opts.SkipExpired && e.IsExpired(now) {
		result.SkippedExpired++
		return false
	}
	return true
}

// resolveField dereferences value. On failure the literal marker is kept and a
// warning recorded.
func (r *Resolver) resolveField(e *entities.RawEntry, value string, byUUID map[string]*entities.RawEntry, result *ResolveResult) (string, *entities.RawEntry) {
	if !isReference(value) {
		return value, nil
	}
	resolved, target, err := dereference(value, byUUID)
	if err != nil {
		warning := &ResolutionError{SourceID: e.UUID, Title: e.Title, Err: err}
		if errors.Is(err, ErrReferenceCycle) {
			log.Warnf("Keeping literal value: %v", warning)
		} else {
			log.Warnf("Could not resolve reference: %v", warning)
		}
		result.Warnings = append(result.Warnings, warning)
		return value, nil
	}
	return resolved, target
}

func mergeable(targets []*entities.CanonicalEntry, username, password string) bool {
	if len(targets) == 0 {
		return false
	}
	for _, t := range targets {
		if t.Username != username || t.Password != password {
			return false
		}
	}
	return true
}

// entryBuilder holds the mutable state for converting exactly one entry.
type entryBuilder struct {
	opts     ResolverOptions
	raw      *entities.RawEntry
	username string
	password string
	now      time.Time
	passkey  map[string]string
}

func (r *Resolver) newBuilder(raw *entities.RawEntry, username, password string, now time.Time) *entryBuilder {
	return &entryBuilder{
		opts:     r.opts,
		raw:      raw,
		username: username,
		password: password,
		now:      now,
		passkey:  make(map[string]string),
	}
}

func (b *entryBuilder) build() *entities.CanonicalEntry {
	raw := b.raw
	entry := &entities.CanonicalEntry{
		SourceID:   strings.ToUpper(raw.UUID),
		Title:      b.title(),
		Username:   b.username,
		Password:   b.password,
		Notes:      raw.Notes,
		TOTP:       raw.OTP,
		FolderPath: append([]string(nil), raw.GroupPath...),
		ExpiresAt:  raw.ExpiryTime,
		Expired:    raw.IsExpired(b.now),
		CreatedAt:  raw.CreatedAt,
		ModifiedAt: raw.ModifiedAt,
	}
	if !raw.Expires {
		entry.ExpiresAt = nil
	}
	if entry.Expired {
		entry.Notes = ExpiredNotePrefix + entry.Notes
	}
	entry.AddURL(raw.URL)

	seenTags := make(map[string]bool)
	for _, tag := range raw.Tags {
		if !seenTags[tag] {
			seenTags[tag] = true
			entry.Tags = append(entry.Tags, tag)
		}
	}

	for _, p := range raw.Properties {
		if strings.HasPrefix(p.Name, PasskeyPrefix) {
			b.passkey[p.Name] = p.Value
			continue
		}
		entry.Fields = append(entry.Fields, entities.CustomField{Name: p.Name, Value: p.Value, Protected: p.Protected})
	}
	entry.Passkey = b.passkeyCredential()

	if b.opts.MigrateMetadata {
		entry.Fields = append(entry.Fields, b.metadataFields(entry)...)
	}

	for _, bin := range raw.Binaries {
		entry.Attachments = append(entry.Attachments, entities.Attachment{Filename: bin.Filename, Data: bin.Data})
	}
	return entry
}

func (b *entryBuilder) title() string {
	title := b.raw.Title
	if title == "" {
		title = UntitledName
	}
	if !b.opts.PathToName {
		return title
	}
	skip := b.opts.PathToNameSkip
	if skip > len(b.raw.GroupPath) {
		skip = len(b.raw.GroupPath)
	}
	var prefix strings.Builder
	for _, segment := range b.raw.GroupPath[skip:] {
		prefix.WriteString(segment)
		prefix.WriteString(pathSeparator)
	}
	return prefix.String() + title
}

func (b *entryBuilder) passkeyCredential() *entities.PasskeyCredential {
	id, key := b.passkey[passkeyCredentialID], b.passkey[passkeyPrivateKey]
	if id == "" || key == "" {
		if len(b.passkey) > 0 {
			log.Warnf("Entry %q has incomplete passkey attributes, skipping passkey", b.raw.Title)
		}
		return nil
	}
	return &entities.PasskeyCredential{
		CredentialID:  id,
		PrivateKeyPEM: key,
		RelyingParty:  b.passkey[passkeyRelyingParty],
		UserHandle:    b.passkey[passkeyUserHandle],
		Username:      b.passkey[passkeyUsername],
	}
}

func (b *entryBuilder) metadataFields(entry *entities.CanonicalEntry) []entities.CustomField {
	var fields []entities.CustomField
	if len(entry.Tags) > 0 {
		fields = append(fields, entities.CustomField{Name: FieldTags, Value: strings.Join(entry.Tags, ", ")})
	}
	if entry.ExpiresAt != nil {
		fields = append(fields, entities.CustomField{Name: FieldExpires, Value: entry.ExpiresAt.Format(time.RFC3339)})
	}
	if entry.CreatedAt != nil {
		fields = append(fields, entities.CustomField{Name: FieldCreated, Value: entry.CreatedAt.Format(time.RFC3339)})
	}
	if entry.ModifiedAt != nil {
		fields = append(fields, entities.CustomField{Name: FieldModified, Value: entry.ModifiedAt.Format(time.RFC3339)})
	}
	return fields
}
