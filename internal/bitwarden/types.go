package bitwarden

type ItemType int

const (
	ItemTypeLogin ItemType = 1
)

type FieldType int

const (
	FieldTypeText   FieldType = 0
	FieldTypeHidden FieldType = 1
)

type URI struct {
	URI   string `json:"uri"`
	Match *int   `json:"match"`
}

type Field struct {
	Name  string    `json:"name"`
	Value string    `json:"value"`
	Type  FieldType `json:"type"`
}

// Fido2Credential is a passkey record. The target stores every attribute as a string.
type Fido2Credential struct {
	CredentialID    string  `json:"credentialId"`
	KeyType         string  `json:"keyType"`
	KeyAlgorithm    string  `json:"keyAlgorithm"`
	KeyCurve        string  `json:"keyCurve"`
	KeyValue        string  `json:"keyValue"`
	RpID            string  `json:"rpId"`
	RpName          string  `json:"rpName"`
	UserHandle      string  `json:"userHandle"`
	UserName        string  `json:"userName"`
	UserDisplayName string  `json:"userDisplayName"`
	Counter         string  `json:"counter"`
	Discoverable    string  `json:"discoverable"`
	CreationDate    *string `json:"creationDate"`
}

type Login struct {
	URIs             []URI             `json:"uris"`
	Username         string            `json:"username"`
	Password         string            `json:"password"`
	TOTP             *string           `json:"totp"`
	Fido2Credentials []Fido2Credential `json:"fido2Credentials,omitempty"`
}

// Item is a vault item, both as submitted and as listed. Server-populated
// fields are empty on submission.
type Item struct {
	ID             string   `json:"id,omitempty"`
	OrganizationID *string  `json:"organizationId"`
	CollectionIDs  []string `json:"collectionIds"`
	FolderID       *string  `json:"folderId"`
	Type           ItemType `json:"type"`
	Name           string   `json:"name"`
	Notes          *string  `json:"notes"`
	Favorite       bool     `json:"favorite"`
	Fields         []Field  `json:"fields"`
	Login          *Login   `json:"login,omitempty"`
	CreationDate   string   `json:"creationDate,omitempty"`
	RevisionDate   string   `json:"revisionDate,omitempty"`
}

// InOrganization reports whether the item is owned by org.
func (i *Item) InOrganization(org string) bool {
	return i.OrganizationID != nil && *i.OrganizationID == org
}

type Folder struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Collection struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organizationId"`
	Name           string `json:"name"`
}

// ItemFilter narrows an item listing. Empty fields are not sent.
type ItemFilter struct {
	FolderID       string
	OrganizationID string
	CollectionID   string
}

// AttachmentJob uploads one file to an existing item.
type AttachmentJob struct {
	ItemID   string
	Filename string
	Data     []byte
}

// ImportFolder is a folder record inside an import document; its id only has
// meaning within that document.
type ImportFolder struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type ImportCollection struct {
	ID             string  `json:"id"`
	OrganizationID string  `json:"organizationId"`
	Name           string  `json:"name"`
	ExternalID     *string `json:"externalId"`
}

// ImportDocument is the unencrypted bitwarden JSON export format consumed by
// the bulk import command.
type ImportDocument struct {
	Encrypted   bool               `json:"encrypted"`
	Folders     []ImportFolder     `json:"folders"`
	Collections []ImportCollection `json:"collections,omitempty"`
	Items       []Item             `json:"items"`
}

// StringPtr returns nil for an empty string.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
