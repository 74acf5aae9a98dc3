package workflow

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrUnknownTemplate is returned when a template identifier is not registered.
var ErrUnknownTemplate = errors.New("workflow: unknown template")

// Template is a named linear stage list with optional barrier groups.
type Template struct {
	ID          string            `yaml:"id" json:"id"`
	Description string            `yaml:"description,omitempty" json:"description,omitempty"`
	Stages      []string          `yaml:"stages" json:"stages"`
	Barriers    []TemplateBarrier `yaml:"barriers,omitempty" json:"barriers,omitempty"`
}

// TemplateBarrier names stages of a template that complete as one group. Stage
// names refer to the qualified ids produced by expansion (REVIEW, TEST:2).
type TemplateBarrier struct {
	Group  string   `yaml:"group" json:"group"`
	Stages []string `yaml:"stages" json:"stages"`
}

// TemplateSet indexes templates by ID.
type TemplateSet map[string]Template

// Built-in template identifiers.
const (
	TemplateQuickDev  = "quick-dev"
	TemplateFullDev   = "full-dev"
	TemplateFix       = "fix"
	TemplateSecureDev = "secure-dev"
	TemplateIterate   = "iterate"
	TemplateDocs      = "docs"
)

// DefaultTemplates returns the built-in template catalog.
func DefaultTemplates() TemplateSet {
	return TemplateSet{
		TemplateQuickDev: {
			ID:          TemplateQuickDev,
			Description: "implement, review and test a small change",
			Stages:      []string{"DEV", "REVIEW", "TEST"},
		},
		TemplateFullDev: {
			ID:          TemplateFullDev,
			Description: "plan, implement, verify in parallel, then document",
			Stages:      []string{"PLAN", "DEV", "REVIEW", "TEST", "DOCS"},
			Barriers:    []TemplateBarrier{{Group: "verify", Stages: []string{"REVIEW", "TEST"}}},
		},
		TemplateFix: {
			ID:          TemplateFix,
			Description: "apply a focused fix",
			Stages:      []string{"FIX"},
		},
		TemplateSecureDev: {
			ID:          TemplateSecureDev,
			Description: "full development flow with a security audit in the verify group",
			Stages:      []string{"PLAN", "DEV", "REVIEW", "SECURITY", "TEST", "DOCS"},
			Barriers:    []TemplateBarrier{{Group: "verify", Stages: []string{"REVIEW", "SECURITY", "TEST"}}},
		},
		TemplateIterate: {
			ID:          TemplateIterate,
			Description: "two implement/review rounds followed by tests",
			Stages:      []string{"DEV", "REVIEW", "DEV", "REVIEW", "TEST"},
		},
		TemplateDocs: {
			ID:          TemplateDocs,
			Description: "documentation only",
			Stages:      []string{"DOCS"},
		},
	}
}

// Lookup returns the template for id.
func (s TemplateSet) Lookup(id string) (Template, error) {
	key := strings.TrimSpace(id)
	tpl, ok := s[key]
	if !ok {
		return Template{}, fmt.Errorf("%w: %q", ErrUnknownTemplate, id)
	}
	return tpl.Clone(), nil
}

// IDs returns the registered template identifiers in order.
func (s TemplateSet) IDs() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Merge returns a copy of s with override's templates replacing same-named
// entries.
func (s TemplateSet) Merge(override TemplateSet) TemplateSet {
	out := make(TemplateSet, len(s)+len(override))
	for id, tpl := range s {
		out[id] = tpl.Clone()
	}
	for id, tpl := range override {
		out[id] = tpl.Clone()
	}
	return out
}

// Clone returns a deep copy of the template.
func (t Template) Clone() Template {
	clone := t
	clone.Stages = append([]string(nil), t.Stages...)
	if len(t.Barriers) > 0 {
		clone.Barriers = make([]TemplateBarrier, len(t.Barriers))
		for i, b := range t.Barriers {
			clone.Barriers[i] = TemplateBarrier{Group: b.Group, Stages: append([]string(nil), b.Stages...)}
		}
	}
	return clone
}

// StageTypes parses the template's stage list.
func (t Template) StageTypes() ([]StageType, error) {
	out := make([]StageType, 0, len(t.Stages))
	for _, raw := range t.Stages {
		id, err := ParseStageID(raw)
		if err != nil {
			return nil, fmt.Errorf("template %s: %w", t.ID, err)
		}
		if !id.Known() {
			return nil, fmt.Errorf("template %s: %w: %s", t.ID, ErrUnknownStage, id.Base)
		}
		out = append(out, id.Base)
	}
	return out, nil
}

// Validate ensures the template can be expanded.
func (t Template) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return errors.New("template id is required")
	}
	if len(t.Stages) == 0 {
		return fmt.Errorf("template %s: at least one stage is required", t.ID)
	}
	if _, err := t.StageTypes(); err != nil {
		return err
	}
	seen := map[string]struct{}{}
	for i, barrier := range t.Barriers {
		group := strings.TrimSpace(barrier.Group)
		if group == "" {
			return fmt.Errorf("template %s: barriers[%d] missing group", t.ID, i)
		}
		if _, dup := seen[group]; dup {
			return fmt.Errorf("template %s: duplicate barrier group %s", t.ID, group)
		}
		seen[group] = struct{}{}
		if len(barrier.Stages) < 2 {
			return fmt.Errorf("template %s: barrier %s needs at least two stages", t.ID, group)
		}
		for _, raw := range barrier.Stages {
			if _, err := ParseStageID(raw); err != nil {
				return fmt.Errorf("template %s: barrier %s: %w", t.ID, group, err)
			}
		}
	}
	return nil
}

// Normalized trims identifiers and upper-cases stage names.
func (t Template) Normalized() (Template, error) {
	out := t.Clone()
	out.ID = strings.TrimSpace(out.ID)
	out.Description = strings.TrimSpace(out.Description)
	for i, raw := range out.Stages {
		out.Stages[i] = strings.ToUpper(strings.TrimSpace(raw))
	}
	for i := range out.Barriers {
		out.Barriers[i].Group = strings.TrimSpace(out.Barriers[i].Group)
		for j, raw := range out.Barriers[i].Stages {
			if id, err := ParseStageID(raw); err == nil {
				out.Barriers[i].Stages[j] = id.String()
			}
		}
	}
	if err := out.Validate(); err != nil {
		return Template{}, err
	}
	return out, nil
}
