package resolve

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValue_ExactMatch(t *testing.T) {
	mappings := map[string]string{"Acme Corp": "ACME CORPORATION"}
	assert.Equal(t, "ACME CORPORATION", Value("Acme Corp", mappings, nil))
}

func TestValue_NoMatchPassesThrough(t *testing.T) {
	mappings := map[string]string{"Acme Corp": "ACME CORPORATION"}
	assert.Equal(t, "Unknown Ltd", Value("Unknown Ltd", mappings, nil))
	assert.Equal(t, "something", Value("something", map[string]string{}, nil))
}

func TestValue_PrefixMatch(t *testing.T) {
	prefix := map[string]string{"Acme": "ACME CORPORATION"}
	assert.Equal(t, "ACME CORPORATION", Value("Acme Ltd", nil, prefix))
}

func TestValue_LongestPrefixWins(t *testing.T) {
	prefix := map[string]string{
		"75":     "IDF",
		"75 001": "Paris 1er",
	}
	assert.Equal(t, "Paris 1er", Value("75 001 Paris", nil, prefix))
	assert.Equal(t, "IDF", Value("75200 Autre", nil, prefix))
}

func TestValue_ExactBeatsPrefix(t *testing.T) {
	mappings := map[string]string{"Acme Corp": "EXACT MATCH"}
	prefix := map[string]string{"Acme": "PREFIX MATCH"}
	assert.Equal(t, "EXACT MATCH", Value("Acme Corp", mappings, prefix))
}

func TestValue_PrefixNoMatch(t *testing.T) {
	prefix := map[string]string{"Xyz": "XYZ CORP"}
	assert.Equal(t, "Acme Ltd", Value("Acme Ltd", nil, prefix))
}

func TestValue_PrefixLongerThanValue(t *testing.T) {
	prefix := map[string]string{"Acme Corporation": "ACME"}
	assert.Equal(t, "Acme", Value("Acme", nil, prefix))
}

func TestNullableValue_NilPassesThrough(t *testing.T) {
	assert.Nil(t, NullableValue(nil, map[string]string{"a": "b"}, nil))
}

func TestNullableValue_Resolves(t *testing.T) {
	v := "Acme Corp"
	got := NullableValue(&v, map[string]string{"Acme Corp": "ACME"}, nil)
	if assert.NotNil(t, got) {
		assert.Equal(t, "ACME", *got)
	}
}

func TestExpandCanonical_WithAliases(t *testing.T) {
	reverse := map[string][]string{"ACME CORPORATION": {"Acme Corp", "Acme Ltd"}}
	assert.Equal(t,
		[]string{"ACME CORPORATION", "Acme Corp", "Acme Ltd"},
		ExpandCanonical("ACME CORPORATION", reverse))
}

func TestExpandCanonical_NoAliases(t *testing.T) {
	assert.Equal(t, []string{"ACME"}, ExpandCanonical("ACME", map[string][]string{}))
	assert.Equal(t, []string{"ACME"}, ExpandCanonical("ACME", map[string][]string{"ACME": {}}))
}

func TestExpandCanonical_SortedAndDeduplicated(t *testing.T) {
	reverse := map[string][]string{"BETA": {"Zeta", "Alpha", "Gamma"}}
	assert.Equal(t, []string{"Alpha", "BETA", "Gamma", "Zeta"}, ExpandCanonical("BETA", reverse))

	reverse = map[string][]string{"ACME": {"ACME", "Acme Corp"}}
	assert.Equal(t, []string{"ACME", "Acme Corp"}, ExpandCanonical("ACME", reverse))
}
