package protocol

import (
	"fmt"
	"strings"

	"github.com/kingrea/stageflow/internal/workflow"
)

// sanitizedClose replaces the marker terminator inside free text.
const sanitizedClose = "-- >"

// ValidateRoute normalises r with the default limits.
func ValidateRoute(r Route) (Route, []string) {
	return defaultParser.ValidateRoute(r)
}

// ValidateRoute repairs malformed fields and returns one warning per repair.
// A valid route comes back unchanged with no warnings.
func (p *Parser) ValidateRoute(r Route) (Route, []string) {
	var warnings []string
	warn := func(format string, args ...any) {
		warnings = append(warnings, fmt.Sprintf(format, args...))
	}

	verdict, ok := workflow.ParseVerdict(string(r.Verdict))
	if !ok {
		warn("unknown verdict %q, treating as PASS", r.Verdict)
		verdict = workflow.VerdictPass
	}
	r.Verdict = verdict

	kind, ok := ParseKind(string(r.Route))
	if !ok {
		kind = RouteNext
		if verdict.Failed() {
			kind = RouteDev
		}
		warn("unknown route %q, using %s", r.Route, kind)
	}
	r.Route = kind

	if verdict.Failed() {
		severity := workflow.ParseSeverity(string(r.Severity))
		if !severity.Valid() {
			if r.Severity == "" {
				warn("FAIL without severity, assuming MEDIUM")
			} else {
				warn("unknown severity %q, assuming MEDIUM", r.Severity)
			}
			severity = workflow.SeverityMedium
		}
		r.Severity = severity
	} else if r.Severity != workflow.SeverityNone {
		warn("PASS carries severity %q, dropped", r.Severity)
		r.Severity = workflow.SeverityNone
	}

	r.BarrierGroup = strings.TrimSpace(r.BarrierGroup)
	if kind == RouteBarrier && r.BarrierGroup == "" {
		warn("BARRIER route without group, using %q", DefaultBarrierGroup)
		r.BarrierGroup = DefaultBarrierGroup
	}

	if strings.Contains(r.Hint, MarkerClose) {
		warn("hint contains marker terminator, sanitised")
		r.Hint = strings.ReplaceAll(r.Hint, MarkerClose, sanitizedClose)
	}
	if hint, cut := truncate(r.Hint, p.cfg.HintMaxLength); cut {
		warn("hint truncated to %d characters", p.cfg.HintMaxLength)
		r.Hint = hint
	}
	if strings.Contains(r.ContextFile, MarkerClose) {
		warn("context file contains marker terminator, sanitised")
		r.ContextFile = strings.ReplaceAll(r.ContextFile, MarkerClose, sanitizedClose)
	}
	return r, warnings
}

// truncate cuts s to limit runes.
func truncate(s string, limit int) (string, bool) {
	runes := []rune(s)
	if len(runes) <= limit {
		return s, false
	}
	return string(runes[:limit]), true
}
