// Package quality scores generated content against pluggable validators
// registered per content type.
package quality

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Gate is the validator registry and scoring engine.
type Gate struct {
	mu         sync.RWMutex
	validators map[string][]Validator
	thresholds Thresholds
	checksum   string
	generation uint64
	cache      *ResultCache
	group      singleflight.Group
}

type GateOption func(*Gate)

// WithCache replaces the default result cache. A nil cache disables caching.
func WithCache(c *ResultCache) GateOption {
	return func(g *Gate) { g.cache = c }
}

func NewGate(th Thresholds, opts ...GateOption) *Gate {
	g := &Gate{
		validators: make(map[string][]Validator),
		thresholds: th,
		cache:      NewResultCache(256, 5*time.Minute),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Register adds a validator for a content type.
func (g *Gate) Register(contentType string, v Validator) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.validators[contentType] = append(g.validators[contentType], v)
	g.generation++
	g.checksum = "gen-" + strconv.FormatUint(g.generation, 10)
	g.clearCache()
}

// LoadRules compiles every rule file and, only if all compile, replaces the
// registry with the result.
func (g *Gate) LoadRules(files []RuleFile) error {
	next := make(map[string][]Validator)
	for _, f := range files {
		if err := ValidateRuleFile(f); err != nil {
			return err
		}
		for i, def := range f.Validators {
			v, err := Compile(def)
			if err != nil {
				return fmt.Errorf("%s: validator %d: %w", f.ContentType, i, err)
			}
			next[f.ContentType] = append(next[f.ContentType], v)
		}
	}

	data, err := json.Marshal(files)
	if err != nil {
		return fmt.Errorf("failed to marshal rules: %w", err)
	}
	sum := sha256.Sum256(data)

	g.mu.Lock()
	defer g.mu.Unlock()
	g.validators = next
	g.generation++
	g.checksum = hex.EncodeToString(sum[:])
	g.clearCache()
	return nil
}

func (g *Gate) clearCache() {
	if g.cache != nil {
		g.cache.Clear()
	}
}

// Checksum identifies the active rule set.
func (g *Gate) Checksum() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.checksum
}

// ContentTypes lists the content types with at least one validator.
func (g *Gate) ContentTypes() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.validators))
	for ct := range g.validators {
		out = append(out, ct)
	}
	sort.Strings(out)
	return out
}

func (g *Gate) Thresholds() Thresholds { return g.thresholds }

func (g *Gate) CacheStats() CacheStats {
	if g.cache == nil {
		return CacheStats{}
	}
	return g.cache.Stats()
}

// Check runs every validator registered for contentType. Identical
// concurrent checks share one evaluation.
func (g *Gate) Check(ctx context.Context, contentType, content string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.RLock()
	validators := g.validators[contentType]
	checksum := g.checksum
	g.mu.RUnlock()

	sum := sha256.Sum256([]byte(content))
	key := contentType + ":" + checksum + ":" + hex.EncodeToString(sum[:])

	if g.cache != nil {
		if cached, ok := g.cache.Get(key); ok {
			cached.CacheHit = true
			return cached, nil
		}
	}

	v, err, _ := g.group.Do(key, func() (interface{}, error) {
		start := time.Now()
		r := Score(contentType, runValidators(validators, content), g.thresholds)
		r.Duration = time.Since(start)
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	r := v.(*Result)
	if g.cache != nil {
		g.cache.Set(key, r)
	}
	out := *r
	out.Issues = append([]Issue(nil), r.Issues...)
	return &out, nil
}

func runValidators(validators []Validator, content string) (issues []Issue) {
	for _, v := range validators {
		if is := safeValidate(v, content); is != nil {
			issues = append(issues, *is)
		}
	}
	return issues
}

// safeValidate turns a panicking validator into a critical finding.
func safeValidate(v Validator, content string) (is *Issue) {
	defer func() {
		if r := recover(); r != nil {
			is = &Issue{Validator: v.Name(), Severity: SeverityCritical, Message: fmt.Sprintf("validator panicked: %v", r)}
		}
	}()
	is = v.Validate(content)
	if is != nil && is.Validator == "" {
		is.Validator = v.Name()
	}
	return is
}

// Score aggregates findings: confidence is 1 minus the summed severity
// weights, clamped to [0,1]. Content passes when nothing blocking was found
// and confidence reaches MinConfidence; a pass needs review when any warning
// was raised or confidence is below ReviewThreshold.
func Score(contentType string, issues []Issue, th Thresholds) *Result {
	confidence := 1.0
	blocking, warned := false, false
	for _, is := range issues {
		confidence -= is.Severity.Weight()
		if is.Severity.Blocking() {
			blocking = true
		}
		if is.Severity == SeverityWarning {
			warned = true
		}
	}
	if confidence < 0 {
		confidence = 0
	}
	passed := !blocking && confidence >= th.MinConfidence
	return &Result{
		ContentType:    contentType,
		Passed:         passed,
		Confidence:     confidence,
		RequiresReview: passed && (warned || confidence < th.ReviewThreshold),
		Issues:         issues,
	}
}
