package importers

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/mrlokans/vaultbridge/internal/entities"
)

const referenceMarker = "{REF:"

var referencePattern = regexp.MustCompile(`^\{REF:([A-Za-z])@([A-Za-z]):([^}]*)\}$`)

var uuidPattern = regexp.MustCompile(`^[0-9A-Fa-f]{32}$`)

// reference is a parsed {REF:<field>@<mode>:<value>} marker.
type reference struct {
	Field byte // 'U' or 'P'
	UUID  string
}

func isReference(value string) bool {
	return strings.Contains(value, referenceMarker)
}

func parseReference(value string) (reference, error) {
	m := referencePattern.FindStringSubmatch(strings.TrimSpace(value))
	if m == nil {
		return reference{}, fmt.Errorf("%w: %q", ErrMalformedReference, value)
	}
	field := strings.ToUpper(m[1])[0]
	mode := strings.ToUpper(m[2])
	if field != 'U' && field != 'P' {
		return reference{}, fmt.Errorf("%w: field %q", ErrUnsupportedReference, m[1])
	}
	if mode != "I" {
		return reference{}, fmt.Errorf("%w: lookup mode %q", ErrUnsupportedReference, m[2])
	}
	id := strings.ReplaceAll(m[3], "-", "")
	if !uuidPattern.MatchString(id) {
		return reference{}, fmt.Errorf("%w: uuid %q", ErrMalformedReference, m[3])
	}
	return reference{Field: field, UUID: strings.ToUpper(id)}, nil
}

func (r reference) valueOf(e *entities.RawEntry) string {
	if r.Field == 'U' {
		return e.Username
	}
	return e.Password
}

// dereference follows value through chained references until it reaches a
// literal. It returns the literal and the entry that holds it.
func dereference(value string, byUUID map[string]*entities.RawEntry) (string, *entities.RawEntry, error) {
	seen := make(map[string]bool)
	var target *entities.RawEntry
	for isReference(value) {
		ref, err := parseReference(value)
		if err != nil {
			return "", nil, err
		}
		key := fmt.Sprintf("%c:%s", ref.Field, ref.UUID)
		if seen[key] {
			return "", nil, fmt.Errorf("%w at %s", ErrReferenceCycle, ref.UUID)
		}
		seen[key] = true

		next, ok := byUUID[ref.UUID]
		if !ok {
			return "", nil, fmt.Errorf("%w: %s", ErrMissingReference, ref.UUID)
		}
		target = next
		value = ref.valueOf(next)
	}
	return value, target, nil
}
