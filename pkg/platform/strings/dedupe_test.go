package strings

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDedupeAndTrim(t *testing.T) {
	tests := []struct {
		name     string
		input    []string
		expected []string
	}{
		{name: "nil slice", input: nil, expected: nil},
		{name: "empty slice", input: []string{}, expected: []string{}},
		{name: "trims and drops empties", input: []string{" a ", "", "  ", "b"}, expected: []string{"a", "b"}},
		{name: "keeps first occurrence order", input: []string{"b", "a", "b", " a"}, expected: []string{"b", "a"}},
		{name: "case sensitive", input: []string{"A", "a"}, expected: []string{"A", "a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, DedupeAndTrim(tt.input))
		})
	}
}

func TestDedupeAndTrimLower(t *testing.T) {
	got := DedupeAndTrimLower([]string{" SQLMap ", "sqlmap", "Nikto", ""})
	assert.Equal(t, []string{"sqlmap", "nikto"}, got)
}

func TestSplitList(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{name: "empty", input: "", expected: nil},
		{name: "blank", input: "  ", expected: nil},
		{name: "single", input: "kafka:9092", expected: []string{"kafka:9092"}},
		{name: "multiple with noise", input: "a:9092, b:9092,,a:9092", expected: []string{"a:9092", "b:9092"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, SplitList(tt.input))
		})
	}
}
