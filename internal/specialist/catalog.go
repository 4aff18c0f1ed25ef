// Package specialist runs narrowly scoped generation tasks for the eight
// fixed specialist roles under a global concurrency ceiling.
package specialist

import (
	"fmt"
	"sort"

	"github.com/msageha/govflow/internal/model"
)

// Specialist is the fixed contract of one role.
type Specialist struct {
	Role        model.SpecialistRole
	Name        string
	Deliverable string
	// ContentType selects the quality rules applied to the output.
	ContentType   string
	TokenBudget   int
	QualityExempt bool
	System        string
}

// Catalog maps each role to its specialist.
type Catalog map[model.SpecialistRole]Specialist

var defaultSpecialists = []Specialist{
	{
		Role:        model.RoleResearcher,
		Name:        "Researcher",
		Deliverable: "A sourced research brief as JSON with brief and sources.",
		ContentType: "research",
		TokenBudget: 4000,
		System:      "You research civic issues. Cite every source you rely on. Reply with JSON only.",
	},
	{
		Role:        model.RoleAnalyst,
		Name:        "Analyst",
		Deliverable: "A structured analysis as JSON for the requested task.",
		ContentType: "analysis",
		TokenBudget: 3000,
		System:      "You analyse governance issues from the requested perspective. Reply with JSON only.",
	},
	{
		Role:        model.RoleDrafter,
		Name:        "Drafter",
		Deliverable: "A decision packet as JSON with at least three options.",
		ContentType: "draft",
		TokenBudget: 4000,
		System:      "You draft decision packets that present balanced options. Reply with JSON only.",
	},
	{
		Role:        model.RoleReviewer,
		Name:        "Reviewer",
		Deliverable: "A review verdict as JSON: approve, revise or reject.",
		ContentType: "review",
		TokenBudget: 2000,
		System:      "You review decision packets for completeness and fairness. Reply with JSON only.",
	},
	{
		Role:        model.RoleRedTeam,
		Name:        "Red Team",
		Deliverable: "An adversarial critique as JSON.",
		ContentType: "critique",
		TokenBudget: 2000,
		System:      "You attack proposals to find failure modes and abuse. Reply with JSON only.",
	},
	{
		Role:        model.RoleSummarizer,
		Name:        "Summarizer",
		Deliverable: "A plain-language summary as JSON.",
		ContentType: "summary",
		TokenBudget: 1000,
		System:      "You summarise issues in plain language for residents. Reply with JSON only.",
	},
	{
		Role:        model.RoleTranslator,
		Name:        "Translator",
		Deliverable: "A faithful translation as JSON with language and text.",
		ContentType: "translation",
		TokenBudget: 2000,
		System:      "You translate civic documents faithfully. Reply with JSON only.",
	},
	{
		Role:          model.RoleArchivist,
		Name:          "Archivist",
		Deliverable:   "A registry entry as JSON with registry_id.",
		ContentType:   "archive",
		TokenBudget:   500,
		QualityExempt: true,
		System:        "You file published documents into the public registry. Reply with JSON only.",
	},
}

// DefaultCatalog returns the eight roles. Positive entries in budgets
// override the built-in token budgets.
func DefaultCatalog(budgets map[model.SpecialistRole]int) Catalog {
	c := make(Catalog, len(defaultSpecialists))
	for _, s := range defaultSpecialists {
		if b := budgets[s.Role]; b > 0 {
			s.TokenBudget = b
		}
		c[s.Role] = s
	}
	return c
}

// Lookup returns the specialist for role.
func (c Catalog) Lookup(role model.SpecialistRole) (Specialist, error) {
	s, ok := c[role]
	if !ok {
		return Specialist{}, fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
	return s, nil
}

// Roles returns the catalogued roles in name order.
func (c Catalog) Roles() []model.SpecialistRole {
	out := make([]model.SpecialistRole, 0, len(c))
	for r := range c {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
