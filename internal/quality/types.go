package quality

import (
	"time"

	"github.com/msageha/govflow/internal/model"
)

// Severity represents the severity level of a validator finding
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Weight is the confidence penalty one issue of this severity costs.
func (s Severity) Weight() float64 {
	switch s {
	case SeverityWarning:
		return 0.1
	case SeverityError:
		return 0.35
	case SeverityCritical:
		return 1
	default:
		return 0
	}
}

// Blocking reports whether an issue of this severity fails the gate outright.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

func (s Severity) valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}

// Issue is a single validator finding.
type Issue struct {
	Validator string   `json:"validator"`
	Severity  Severity `json:"severity"`
	Message   string   `json:"message"`
}

// Validator checks one property of generated content. It returns nil when
// the content is acceptable.
type Validator interface {
	Name() string
	Validate(content string) *Issue
}

// Thresholds decide pass and review outcomes from the confidence score.
type Thresholds struct {
	MinConfidence   float64
	ReviewThreshold float64
}

func ThresholdsFromConfig(c model.QualityConfig) Thresholds {
	return Thresholds{MinConfidence: c.MinConfidence, ReviewThreshold: c.ReviewThreshold}
}

// Result represents the outcome of checking one piece of content
type Result struct {
	ContentType    string
	Passed         bool
	Confidence     float64
	RequiresReview bool
	Issues         []Issue
	CacheHit       bool
	Duration       time.Duration
}

// ModelIssues converts the findings for storage on a SpecialistOutput.
func (r *Result) ModelIssues() []model.QualityIssue {
	if len(r.Issues) == 0 {
		return nil
	}
	out := make([]model.QualityIssue, len(r.Issues))
	for i, is := range r.Issues {
		out[i] = model.QualityIssue{Validator: is.Validator, Severity: string(is.Severity), Message: is.Message}
	}
	return out
}

// Summary joins the blocking findings into one line.
func (r *Result) Summary() string {
	s := ""
	for _, is := range r.Issues {
		if !is.Severity.Blocking() {
			continue
		}
		if s != "" {
			s += "; "
		}
		s += is.Validator + ": " + is.Message
	}
	return s
}

// ValidatorType names a built-in validator in rule files.
type ValidatorType string

const (
	ValidatorMinLength        ValidatorType = "min_length"
	ValidatorMaxLength        ValidatorType = "max_length"
	ValidatorRequiredSections ValidatorType = "required_sections"
	ValidatorForbiddenPhrases ValidatorType = "forbidden_phrases"
	ValidatorPlaceholder      ValidatorType = "placeholder"
	ValidatorValidJSON        ValidatorType = "valid_json"
	ValidatorJSONRequiredKeys ValidatorType = "json_required_keys"
	ValidatorPattern          ValidatorType = "pattern"
)

// RuleFile is one YAML rule document binding validators to a content type.
type RuleFile struct {
	SchemaVersion string                `yaml:"schema_version" json:"schema_version"`
	ContentType   string                `yaml:"content_type" json:"content_type"`
	Description   string                `yaml:"description,omitempty" json:"description,omitempty"`
	Validators    []ValidatorDefinition `yaml:"validators" json:"validators"`

	source string
}

// Source is the file the rules were read from, if any.
func (f RuleFile) Source() string { return f.source }

// ValidatorDefinition configures one built-in validator.
type ValidatorDefinition struct {
	Type          ValidatorType `yaml:"type" json:"type"`
	Name          string        `yaml:"name,omitempty" json:"name,omitempty"`
	Severity      Severity      `yaml:"severity,omitempty" json:"severity,omitempty"`
	Min           int           `yaml:"min,omitempty" json:"min,omitempty"`
	Max           int           `yaml:"max,omitempty" json:"max,omitempty"`
	Sections      []string      `yaml:"sections,omitempty" json:"sections,omitempty"`
	Phrases       []string      `yaml:"phrases,omitempty" json:"phrases,omitempty"`
	Keys          []string      `yaml:"keys,omitempty" json:"keys,omitempty"`
	Pattern       string        `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	CaseSensitive bool          `yaml:"case_sensitive,omitempty" json:"case_sensitive,omitempty"`
	Message       string        `yaml:"message,omitempty" json:"message,omitempty"`
}
