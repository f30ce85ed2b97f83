package subscription

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	modelKeyPattern    = regexp.MustCompile(`^\w+/`)
	relationKeyPattern = regexp.MustCompile(`^(\w+)\((\w+)=(.+)\)$`)
)

// IsModelKey reports whether key names a single model ("listing/12").
// Every other key is a relation key.
func IsModelKey(key string) bool {
	return modelKeyPattern.MatchString(key)
}

// ModelKey builds the key of a model.
func ModelKey(typ, id string) string {
	return typ + "/" + id
}

// KeyType returns the type prefix of a model key, or "" for relation keys.
func KeyType(key string) string {
	if !IsModelKey(key) {
		return ""
	}
	typ, _, _ := strings.Cut(key, "/")
	return typ
}

// RelationKey is the parsed form of "type(field=id)": every model of Type
// whose Field references ID.
type RelationKey struct {
	Type  string
	Field string
	ID    string
}

// String returns the key in wire form.
func (k RelationKey) String() string {
	return fmt.Sprintf("%s(%s=%s)", k.Type, k.Field, k.ID)
}

// ParseRelationKey parses a relation key.
func ParseRelationKey(key string) (RelationKey, bool) {
	m := relationKeyPattern.FindStringSubmatch(key)
	if m == nil {
		return RelationKey{}, false
	}
	return RelationKey{Type: m[1], Field: m[2], ID: m[3]}, true
}
