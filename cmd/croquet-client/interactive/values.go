package interactive

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseAssignments parses "field=value" arguments into a data map.
func ParseAssignments(args []string) (map[string]any, error) {
	data := make(map[string]any, len(args))
	for _, arg := range args {
		field, raw, ok := strings.Cut(arg, "=")
		if !ok || field == "" {
			return nil, fmt.Errorf("expected field=value, got %q", arg)
		}
		data[field] = ParseValue(raw)
	}
	return data, nil
}

// ParseValue types a command-line value: integers, floats, booleans and null
// are recognized; everything else stays a string.
func ParseValue(raw string) any {
	switch raw {
	case "true":
		return true
	case "false":
		return false
	case "null":
		return nil
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return raw
}
