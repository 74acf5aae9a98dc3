package builder

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kingrea/stageflow/internal/workflow"
)

// Source records how a graph was produced.
type Source string

const (
	SourceTemplate Source = "template"
	SourceAdHoc    Source = "adhoc"
	SourceFallback Source = "fallback"
)

// Request asks for a graph from a template (optionally with a stage override)
// or from an ad hoc graph. Graph takes precedence when both are set.
type Request struct {
	TemplateID string
	Stages     []workflow.StageType
	Graph      workflow.RawDAG
}

// Result is always a usable graph; Annotations explain any fallback.
type Result struct {
	DAG         workflow.DAG
	TemplateID  string
	Source      Source
	Fixes       []string
	Notes       []string
	Annotations []string
}

// Builder turns classification requests into validated graphs.
type Builder struct {
	templates workflow.TemplateSet
	fallback  string
	logger    *slog.Logger
}

// Option customises a Builder.
type Option func(*Builder)

// WithFallback overrides the template used when a request cannot be built.
func WithFallback(templateID string) Option {
	return func(b *Builder) {
		if strings.TrimSpace(templateID) != "" {
			b.fallback = strings.TrimSpace(templateID)
		}
	}
}

// WithLogger sets the logger used for fallback warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Builder) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// New constructs a Builder over the template catalog. A nil catalog uses the
// built-in templates.
func New(templates workflow.TemplateSet, opts ...Option) *Builder {
	if templates == nil {
		templates = workflow.DefaultTemplates()
	}
	b := &Builder{
		templates: templates,
		fallback:  workflow.TemplateQuickDev,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Templates exposes the catalog the builder expands.
func (b *Builder) Templates() workflow.TemplateSet {
	return b.templates
}

// Build produces a graph for req. Ad hoc graphs are repaired, validated and
// enriched; templates are expanded and validated. Any failure falls back to
// the fallback template with an annotation, so Build never fails.
func (b *Builder) Build(req Request) Result {
	if req.Graph != nil {
		res, err := b.buildAdHoc(req.Graph)
		if err == nil {
			return res
		}
		return b.fallbackResult(err, res.Fixes)
	}
	templateID := strings.TrimSpace(req.TemplateID)
	if templateID == "" {
		return b.fallbackResult(errors.New("no template requested"), nil)
	}
	dag, err := TemplateToDAG(b.templates, templateID, req.Stages)
	if err == nil {
		err = joinErrors(ValidateDAG(dag))
	}
	if err != nil {
		return b.fallbackResult(fmt.Errorf("template %s: %w", templateID, err), nil)
	}
	return Result{DAG: dag, TemplateID: templateID, Source: SourceTemplate}
}

func (b *Builder) buildAdHoc(raw workflow.RawDAG) (Result, error) {
	repaired, ok := RepairDAG(raw)
	if !ok {
		return Result{Fixes: repaired.Fixes}, errors.New("ad hoc graph is empty or cyclic after repair")
	}
	if err := joinErrors(ValidateDAG(repaired.DAG)); err != nil {
		return Result{Fixes: repaired.Fixes}, fmt.Errorf("ad hoc graph invalid after repair: %w", err)
	}
	enriched, notes := EnrichCustomDAG(repaired.DAG)
	if err := joinErrors(ValidateDAG(enriched)); err != nil {
		return Result{Fixes: repaired.Fixes}, fmt.Errorf("ad hoc graph invalid after enrichment: %w", err)
	}
	return Result{DAG: enriched, Source: SourceAdHoc, Fixes: repaired.Fixes, Notes: notes}, nil
}

func (b *Builder) fallbackResult(cause error, fixes []string) Result {
	annotation := fmt.Sprintf("fell back to %s: %v", b.fallback, cause)
	dag, err := TemplateToDAG(b.templates, b.fallback, nil)
	templateID := b.fallback
	if err != nil || len(ValidateDAG(dag)) > 0 {
		// configured fallback unusable, use the built-in catalog
		templateID = workflow.TemplateQuickDev
		dag, _ = TemplateToDAG(workflow.DefaultTemplates(), templateID, nil)
		annotation = fmt.Sprintf("fell back to built-in %s: %v", templateID, cause)
	}
	b.logger.Warn("graph build fell back", "template", templateID, "cause", cause.Error())
	return Result{
		DAG:         dag,
		TemplateID:  templateID,
		Source:      SourceFallback,
		Fixes:       fixes,
		Annotations: []string{annotation},
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}
