package quality

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// MinLength fails content shorter than Min runes (ignoring surrounding space).
type MinLength struct {
	Min      int
	Severity Severity
}

func (v *MinLength) Name() string { return string(ValidatorMinLength) }

func (v *MinLength) Validate(content string) *Issue {
	n := utf8.RuneCountInString(strings.TrimSpace(content))
	if n >= v.Min {
		return nil
	}
	return &Issue{Validator: v.Name(), Severity: v.Severity,
		Message: fmt.Sprintf("content has %d characters, minimum is %d", n, v.Min)}
}

type MaxLength struct {
	Max      int
	Severity Severity
}

func (v *MaxLength) Name() string { return string(ValidatorMaxLength) }

func (v *MaxLength) Validate(content string) *Issue {
	n := utf8.RuneCountInString(content)
	if n <= v.Max {
		return nil
	}
	return &Issue{Validator: v.Name(), Severity: v.Severity,
		Message: fmt.Sprintf("content has %d characters, maximum is %d", n, v.Max)}
}

// RequiredSections requires a markdown heading for each section name.
type RequiredSections struct {
	Sections []string
	Severity Severity
	patterns []*regexp.Regexp
}

func NewRequiredSections(sections []string, sev Severity) *RequiredSections {
	v := &RequiredSections{Sections: sections, Severity: sev}
	for _, s := range sections {
		v.patterns = append(v.patterns, regexp.MustCompile(`(?mi)^#{1,6}\s*`+regexp.QuoteMeta(s)+`\b`))
	}
	return v
}

func (v *RequiredSections) Name() string { return string(ValidatorRequiredSections) }

func (v *RequiredSections) Validate(content string) *Issue {
	var missing []string
	for i, re := range v.patterns {
		if !re.MatchString(content) {
			missing = append(missing, v.Sections[i])
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return &Issue{Validator: v.Name(), Severity: v.Severity,
		Message: "missing sections: " + strings.Join(missing, ", ")}
}

type ForbiddenPhrases struct {
	Phrases       []string
	CaseSensitive bool
	Severity      Severity
}

func (v *ForbiddenPhrases) Name() string { return string(ValidatorForbiddenPhrases) }

func (v *ForbiddenPhrases) Validate(content string) *Issue {
	haystack := content
	if !v.CaseSensitive {
		haystack = strings.ToLower(content)
	}
	var found []string
	for _, p := range v.Phrases {
		needle := p
		if !v.CaseSensitive {
			needle = strings.ToLower(p)
		}
		if needle != "" && strings.Contains(haystack, needle) {
			found = append(found, p)
		}
	}
	if len(found) == 0 {
		return nil
	}
	return &Issue{Validator: v.Name(), Severity: v.Severity,
		Message: "forbidden phrases present: " + strings.Join(found, ", ")}
}

var placeholderRegex = regexp.MustCompile(`(?i)\b(TODO|TBD|FIXME|XXX)\b|lorem ipsum|\[(insert|placeholder)[^\]]*\]|\{\{[^}]*\}\}`)

// Placeholder flags unfinished template text.
type Placeholder struct {
	Severity Severity
}

func (v *Placeholder) Name() string { return string(ValidatorPlaceholder) }

func (v *Placeholder) Validate(content string) *Issue {
	m := placeholderRegex.FindString(content)
	if m == "" {
		return nil
	}
	return &Issue{Validator: v.Name(), Severity: v.Severity,
		Message: fmt.Sprintf("placeholder text %q found", m)}
}

type ValidJSON struct {
	Severity Severity
}

func (v *ValidJSON) Name() string { return string(ValidatorValidJSON) }

func (v *ValidJSON) Validate(content string) *Issue {
	if json.Valid([]byte(strings.TrimSpace(content))) {
		return nil
	}
	return &Issue{Validator: v.Name(), Severity: v.Severity, Message: "content is not valid JSON"}
}

// JSONRequiredKeys requires a JSON object carrying every key with a
// non-null value. Content that is not a JSON object reports every key.
type JSONRequiredKeys struct {
	Keys     []string
	Severity Severity
}

func (v *JSONRequiredKeys) Name() string { return string(ValidatorJSONRequiredKeys) }

func (v *JSONRequiredKeys) Validate(content string) *Issue {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &obj); err != nil {
		obj = nil
	}
	var missing []string
	for _, k := range v.Keys {
		raw, ok := obj[k]
		if !ok || string(raw) == "null" {
			missing = append(missing, k)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return &Issue{Validator: v.Name(), Severity: v.Severity,
		Message: "missing keys: " + strings.Join(missing, ", ")}
}

// Pattern requires the content to match a regular expression.
type Pattern struct {
	Label    string
	Regex    *regexp.Regexp
	Severity Severity
	Message  string
}

func (v *Pattern) Name() string {
	if v.Label != "" {
		return v.Label
	}
	return string(ValidatorPattern)
}

func (v *Pattern) Validate(content string) *Issue {
	if v.Regex.MatchString(content) {
		return nil
	}
	msg := v.Message
	if msg == "" {
		msg = fmt.Sprintf("content does not match %s", v.Regex.String())
	}
	return &Issue{Validator: v.Name(), Severity: v.Severity, Message: msg}
}

// Compile builds the validator a definition describes.
func Compile(def ValidatorDefinition) (Validator, error) {
	sev := def.Severity
	if sev == "" {
		sev = SeverityError
	}
	if !sev.valid() {
		return nil, fmt.Errorf("invalid severity: %s", def.Severity)
	}
	switch def.Type {
	case ValidatorMinLength:
		if def.Min <= 0 {
			return nil, fmt.Errorf("min_length requires positive min")
		}
		return &MinLength{Min: def.Min, Severity: sev}, nil
	case ValidatorMaxLength:
		if def.Max <= 0 {
			return nil, fmt.Errorf("max_length requires positive max")
		}
		return &MaxLength{Max: def.Max, Severity: sev}, nil
	case ValidatorRequiredSections:
		if len(def.Sections) == 0 {
			return nil, fmt.Errorf("required_sections requires sections")
		}
		return NewRequiredSections(def.Sections, sev), nil
	case ValidatorForbiddenPhrases:
		if len(def.Phrases) == 0 {
			return nil, fmt.Errorf("forbidden_phrases requires phrases")
		}
		return &ForbiddenPhrases{Phrases: def.Phrases, CaseSensitive: def.CaseSensitive, Severity: sev}, nil
	case ValidatorPlaceholder:
		return &Placeholder{Severity: sev}, nil
	case ValidatorValidJSON:
		return &ValidJSON{Severity: sev}, nil
	case ValidatorJSONRequiredKeys:
		if len(def.Keys) == 0 {
			return nil, fmt.Errorf("json_required_keys requires keys")
		}
		return &JSONRequiredKeys{Keys: def.Keys, Severity: sev}, nil
	case ValidatorPattern:
		if def.Pattern == "" {
			return nil, fmt.Errorf("pattern requires pattern")
		}
		re, err := regexp.Compile(def.Pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid regex pattern: %w", err)
		}
		return &Pattern{Label: def.Name, Regex: re, Severity: sev, Message: def.Message}, nil
	default:
		return nil, fmt.Errorf("unknown validator type: %s", def.Type)
	}
}
