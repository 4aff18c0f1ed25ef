package quality

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/msageha/govflow/templates"
)

const RuleSchemaVersion = "1"

// Loader reads rule files from a directory.
type Loader struct {
	dir string
}

func NewLoader(dir string) *Loader {
	return &Loader{dir: dir}
}

func (l *Loader) Dir() string { return l.dir }

// Load reads every *.yaml / *.yml file in the directory in name order. A
// missing directory yields the built-in rules.
func (l *Loader) Load() ([]RuleFile, error) {
	if l.dir == "" {
		return DefaultRules()
	}
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultRules()
		}
		return nil, fmt.Errorf("read rules dir %s: %w", l.dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !hasExtension(e.Name(), ".yaml", ".yml") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	files := make([]RuleFile, 0, len(names))
	for _, name := range names {
		path := filepath.Join(l.dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		f, err := ParseRules(data, path)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, nil
}

// ParseRules decodes and validates one rule document. Unknown fields are
// rejected so typos do not silently disable a validator.
func ParseRules(data []byte, source string) (RuleFile, error) {
	var f RuleFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return RuleFile{}, fmt.Errorf("failed to parse %s: %w", source, err)
	}
	f.source = source
	if f.SchemaVersion == "" {
		f.SchemaVersion = RuleSchemaVersion
	}
	if err := ValidateRuleFile(f); err != nil {
		return RuleFile{}, fmt.Errorf("%s: %w", source, err)
	}
	return f, nil
}

// ValidateRuleFile checks structure and that every validator compiles.
func ValidateRuleFile(f RuleFile) error {
	if f.SchemaVersion != "" && f.SchemaVersion != RuleSchemaVersion {
		return fmt.Errorf("unsupported schema version: %s", f.SchemaVersion)
	}
	if f.ContentType == "" {
		return fmt.Errorf("content_type is required")
	}
	if len(f.Validators) == 0 {
		return fmt.Errorf("content type %s: must have at least one validator", f.ContentType)
	}
	for i, def := range f.Validators {
		if _, err := Compile(def); err != nil {
			return fmt.Errorf("content type %s, validator %d: %w", f.ContentType, i, err)
		}
	}
	return nil
}

// DefaultRules returns the rule files shipped in templates/quality.
func DefaultRules() ([]RuleFile, error) {
	var files []RuleFile
	err := fs.WalkDir(templates.FS, "quality", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !hasExtension(path, ".yaml", ".yml") {
			return nil
		}
		data, err := fs.ReadFile(templates.FS, path)
		if err != nil {
			return err
		}
		f, err := ParseRules(data, "templates/"+path)
		if err != nil {
			return err
		}
		files = append(files, f)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

func hasExtension(path string, extensions ...string) bool {
	ext := filepath.Ext(path)
	for _, e := range extensions {
		if ext == e {
			return true
		}
	}
	return false
}
