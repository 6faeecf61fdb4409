package importers

import (
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	log "github.com/sirupsen/logrus"

	"github.com/mrlokans/vaultbridge/internal/bitwarden"
	"github.com/mrlokans/vaultbridge/internal/entities"
)

const (
	// MaxInlineLength is the longest value, in characters, stored inline on an item.
	MaxInlineLength = 10000

	notesAttachment   = "notes.txt"
	defaultAttachment = "attachment"
)

// MappedEntry is a canonical entry expressed as a target item plus the
// attachments to upload once the item exists.
type MappedEntry struct {
	Entry       *entities.CanonicalEntry
	Item        bitwarden.Item
	Attachments []entities.Attachment
	Warnings    []error
}

type FieldMapper struct{}

func NewFieldMapper() *FieldMapper {
	return &FieldMapper{}
}

// Map converts one canonical entry. Values over MaxInlineLength move into
// text attachments; a passkey that cannot be decoded is dropped with a warning.
func (m *FieldMapper) Map(entry *entities.CanonicalEntry) (*MappedEntry, error) {
	if entry == nil {
		return nil, &ResolutionError{Err: ErrNilEntry}
	}

	mapped := &MappedEntry{Entry: entry}
	login := &bitwarden.Login{
		Username: entry.Username,
		Password: entry.Password,
		TOTP:     bitwarden.StringPtr(entry.TOTP),
		URIs:     make([]bitwarden.URI, 0, len(entry.URLs)),
	}
	for _, u := range entry.URLs {
		login.URIs = append(login.URIs, bitwarden.URI{URI: u})
	}

	item := bitwarden.Item{
		Type:   bitwarden.ItemTypeLogin,
		Name:   entry.Title,
		Fields: []bitwarden.Field{},
		Login:  login,
	}

	if exceedsInline(entry.Notes) {
		mapped.Attachments = append(mapped.Attachments, entities.Attachment{Filename: notesAttachment, Data: []byte(entry.Notes)})
	} else {
		item.Notes = bitwarden.StringPtr(entry.Notes)
	}

	for _, f := range entry.Fields {
		if exceedsInline(f.Value) {
			mapped.Attachments = append(mapped.Attachments, entities.Attachment{Filename: f.Name + ".txt", Data: []byte(f.Value)})
			continue
		}
		fieldType := bitwarden.FieldTypeText
		if f.Protected {
			fieldType = bitwarden.FieldTypeHidden
		}
		item.Fields = append(item.Fields, bitwarden.Field{Name: f.Name, Value: f.Value, Type: fieldType})
	}

	for _, a := range entry.Attachments {
		name := a.Filename
		if name == "" {
			name = defaultAttachment
		}
		mapped.Attachments = append(mapped.Attachments, entities.Attachment{Filename: name, Data: a.Data})
	}

	if entry.Passkey != nil {
		cred, err := fido2Credential(entry)
		if err != nil {
			warning := &ResolutionError{SourceID: entry.SourceID, Title: entry.Title, Err: err}
			log.Warnf("Dropping passkey: %v", warning)
			mapped.Warnings = append(mapped.Warnings, warning)
		} else {
			login.Fido2Credentials = []bitwarden.Fido2Credential{cred}
		}
	}

	mapped.Item = item
	return mapped, nil
}

func exceedsInline(value string) bool {
	return utf8.RuneCountInString(value) > MaxInlineLength
}

func fido2Credential(entry *entities.CanonicalEntry) (bitwarden.Fido2Credential, error) {
	pk := entry.Passkey
	key, err := PEMToBase64URL(pk.PrivateKeyPEM)
	if err != nil {
		return bitwarden.Fido2Credential{}, err
	}

	username := pk.Username
	if username == "" {
		username = entry.Username
	}
	var created *string
	if entry.CreatedAt != nil {
		s := entry.CreatedAt.UTC().Format(time.RFC3339)
		created = &s
	}

	return bitwarden.Fido2Credential{
		CredentialID:    pk.CredentialID,
		KeyType:         "public-key",
		KeyAlgorithm:    "ECDSA",
		KeyCurve:        "P-256",
		KeyValue:        key,
		RpID:            pk.RelyingParty,
		RpName:          pk.RelyingParty,
		UserHandle:      pk.UserHandle,
		UserName:        username,
		UserDisplayName: username,
		Counter:         "0",
		Discoverable:    "true",
		CreationDate:    created,
	}, nil
}

// PEMToBase64URL extracts the DER bytes of a PEM block and re-encodes them as
// unpadded URL-safe base64.
func PEMToBase64URL(pemText string) (string, error) {
	if block, _ := pem.Decode([]byte(strings.TrimSpace(pemText))); block != nil {
		return base64.RawURLEncoding.EncodeToString(block.Bytes), nil
	}

	// Tolerate bodies whose line breaks were flattened on export.
	var body strings.Builder
	for _, line := range strings.Split(pemText, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "-----") {
			continue
		}
		body.WriteString(line)
	}
	der, err := base64.StdEncoding.DecodeString(body.String())
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPasskey, err)
	}
	if len(der) == 0 {
		return "", fmt.Errorf("%w: empty key", ErrInvalidPasskey)
	}
	return base64.RawURLEncoding.EncodeToString(der), nil
}
