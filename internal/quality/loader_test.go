package quality

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidators(t *testing.T) {
	tests := []struct {
		name    string
		def     ValidatorDefinition
		content string
		fails   bool
	}{
		{"min length ok", ValidatorDefinition{Type: ValidatorMinLength, Min: 3}, "abcd", false},
		{"min length short", ValidatorDefinition{Type: ValidatorMinLength, Min: 5}, "  ab  ", true},
		{"min length counts runes", ValidatorDefinition{Type: ValidatorMinLength, Min: 3}, "日本語", false},
		{"max length ok", ValidatorDefinition{Type: ValidatorMaxLength, Max: 4}, "abcd", false},
		{"max length long", ValidatorDefinition{Type: ValidatorMaxLength, Max: 3}, "abcd", true},
		{"sections present", ValidatorDefinition{Type: ValidatorRequiredSections, Sections: []string{"Summary", "Options"}}, "# Summary\ntext\n## options\n", false},
		{"section missing", ValidatorDefinition{Type: ValidatorRequiredSections, Sections: []string{"Risks"}}, "# Summary\n", true},
		{"forbidden phrase", ValidatorDefinition{Type: ValidatorForbiddenPhrases, Phrases: []string{"As an AI"}}, "well, as an ai I think", true},
		{"forbidden phrase case sensitive", ValidatorDefinition{Type: ValidatorForbiddenPhrases, Phrases: []string{"As an AI"}, CaseSensitive: true}, "as an ai", false},
		{"placeholder todo", ValidatorDefinition{Type: ValidatorPlaceholder}, "Budget: TODO", true},
		{"placeholder braces", ValidatorDefinition{Type: ValidatorPlaceholder}, "Hello {{name}}", true},
		{"placeholder bracket", ValidatorDefinition{Type: ValidatorPlaceholder}, "[insert figure]", true},
		{"no placeholder", ValidatorDefinition{Type: ValidatorPlaceholder}, "Todos are fine as a word", false},
		{"valid json", ValidatorDefinition{Type: ValidatorValidJSON}, ` {"a":1} `, false},
		{"invalid json", ValidatorDefinition{Type: ValidatorValidJSON}, `{"a":`, true},
		{"keys present", ValidatorDefinition{Type: ValidatorJSONRequiredKeys, Keys: []string{"a", "b"}}, `{"a":1,"b":"x"}`, false},
		{"key null", ValidatorDefinition{Type: ValidatorJSONRequiredKeys, Keys: []string{"a"}}, `{"a":null}`, true},
		{"keys on array", ValidatorDefinition{Type: ValidatorJSONRequiredKeys, Keys: []string{"a"}}, `[1]`, true},
		{"pattern match", ValidatorDefinition{Type: ValidatorPattern, Pattern: `^\{`}, `{}`, false},
		{"pattern miss", ValidatorDefinition{Type: ValidatorPattern, Pattern: `^\{`, Message: "must be an object"}, `[]`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := Compile(tt.def)
			require.NoError(t, err)
			issue := v.Validate(tt.content)
			if tt.fails {
				require.NotNil(t, issue)
				assert.Equal(t, SeverityError, issue.Severity, "severity defaults to error")
				assert.NotEmpty(t, issue.Message)
			} else {
				assert.Nil(t, issue)
			}
		})
	}
}

func TestCompile_Errors(t *testing.T) {
	bad := []ValidatorDefinition{
		{Type: "unknown"},
		{Type: ValidatorMinLength},
		{Type: ValidatorMaxLength},
		{Type: ValidatorRequiredSections},
		{Type: ValidatorForbiddenPhrases},
		{Type: ValidatorJSONRequiredKeys},
		{Type: ValidatorPattern},
		{Type: ValidatorPattern, Pattern: "("},
		{Type: ValidatorValidJSON, Severity: "fatal"},
	}
	for _, def := range bad {
		_, err := Compile(def)
		assert.Error(t, err, "%+v", def)
	}
}

func TestParseRules(t *testing.T) {
	data := []byte(`
schema_version: "1"
content_type: draft
validators:
  - type: valid_json
  - type: min_length
    min: 10
    severity: warning
`)
	f, err := ParseRules(data, "draft.yaml")
	require.NoError(t, err)
	assert.Equal(t, "draft", f.ContentType)
	assert.Equal(t, "draft.yaml", f.Source())
	require.Len(t, f.Validators, 2)
	assert.Equal(t, SeverityWarning, f.Validators[1].Severity)
}

func TestParseRules_Invalid(t *testing.T) {
	cases := map[string]string{
		"unknown field":   "content_type: x\nvalidators:\n  - type: valid_json\n    bogus: 1\n",
		"no content type": "validators:\n  - type: valid_json\n",
		"no validators":   "content_type: x\n",
		"bad version":     "schema_version: \"9\"\ncontent_type: x\nvalidators:\n  - type: valid_json\n",
		"bad yaml":        "content_type: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseRules([]byte(doc), name)
			assert.Error(t, err)
		})
	}
}

func TestLoader_LoadDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yaml"), []byte("content_type: b\nvalidators:\n  - type: valid_json\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yml"), []byte("content_type: a\nvalidators:\n  - type: placeholder\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644))

	files, err := NewLoader(dir).Load()
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "a", files[0].ContentType)
	assert.Equal(t, "b", files[1].ContentType)
}

func TestLoader_MissingDirFallsBackToDefaults(t *testing.T) {
	files, err := NewLoader(filepath.Join(t.TempDir(), "nope")).Load()
	require.NoError(t, err)
	assert.NotEmpty(t, files)

	types := map[string]bool{}
	for _, f := range files {
		types[f.ContentType] = true
	}
	for _, ct := range []string{"analysis", "research", "draft", "review", "critique", "summary", "translation"} {
		assert.True(t, types[ct], ct)
	}
}

func TestLoader_InvalidFileFails(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "x.yaml"), []byte("content_type: x\nvalidators:\n  - type: nope\n"), 0644))
	_, err := NewLoader(dir).Load()
	assert.ErrorContains(t, err, "unknown validator type")
}

func TestResultCache_LRUAndTTL(t *testing.T) {
	c := NewResultCache(2, time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.Set("a", &Result{Confidence: 1})
	c.Set("b", &Result{Confidence: 0.9})
	_, ok := c.Get("a")
	require.True(t, ok)
	c.Set("c", &Result{Confidence: 0.8})

	_, ok = c.Get("b")
	assert.False(t, ok, "least recently used entry evicted")
	_, ok = c.Get("a")
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok = c.Get("c")
	assert.False(t, ok, "expired")
	assert.Equal(t, 1, c.Stats().Size)
}
