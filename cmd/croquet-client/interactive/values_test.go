package interactive

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseValue(t *testing.T) {
	tests := []struct {
		raw  string
		want any
	}{
		{"42", int64(42)},
		{"-7", int64(-7)},
		{"2.5", 2.5},
		{"true", true},
		{"false", false},
		{"null", nil},
		{"bike", "bike"},
		{"", ""},
		{"listing/1", "listing/1"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseValue(tt.raw), tt.raw)
	}
}

func TestParseAssignments(t *testing.T) {
	data, err := ParseAssignments([]string{"title=red=bike", "price=120", "sold=false"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"title": "red=bike", "price": int64(120), "sold": false}, data)

	_, err = ParseAssignments([]string{"title"})
	assert.Error(t, err)
	_, err = ParseAssignments([]string{"=x"})
	assert.Error(t, err)
}
