package protocol

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/kingrea/stageflow/internal/workflow"
)

const (
	// DefaultMinInferenceLength is the shortest output content inference runs on.
	DefaultMinInferenceLength = 200
	// DefaultHintMaxLength caps hints carried in a route.
	DefaultHintMaxLength = 500
	// DefaultMaxOutputBytes is how much of a worker's last message is read.
	// Results sit at the end of the output, so only the tail is kept.
	DefaultMaxOutputBytes = 1 << 20
)

// Config tunes parsing and validation.
type Config struct {
	MinInferenceLength int
	HintMaxLength      int
	MaxOutputBytes     int
}

// DefaultConfig returns the built-in limits.
func DefaultConfig() Config {
	return Config{
		MinInferenceLength: DefaultMinInferenceLength,
		HintMaxLength:      DefaultHintMaxLength,
		MaxOutputBytes:     DefaultMaxOutputBytes,
	}
}

func (c Config) withDefaults() Config {
	if c.MinInferenceLength <= 0 {
		c.MinInferenceLength = DefaultMinInferenceLength
	}
	if c.HintMaxLength <= 0 {
		c.HintMaxLength = DefaultHintMaxLength
	}
	if c.MaxOutputBytes <= 0 {
		c.MaxOutputBytes = DefaultMaxOutputBytes
	}
	return c
}

// MaxOutputBytes returns how many bytes of worker output the parser reads.
func (p *Parser) MaxOutputBytes() int {
	return p.cfg.MaxOutputBytes
}

// Parser parses and validates worker results.
type Parser struct {
	cfg Config
}

// New returns a parser. Zero limits fall back to the defaults.
func New(cfg Config) *Parser {
	return &Parser{cfg: cfg.withDefaults()}
}

var defaultParser = New(DefaultConfig())

// ParseRoute parses t with the default limits.
func ParseRoute(t Transcript) Result {
	return defaultParser.ParseRoute(t)
}

// ParseRoute reads the most recent worker message of t. The structured
// marker wins over the legacy token, which wins over inference.
func (p *Parser) ParseRoute(t Transcript) Result {
	text, ok := t.LastWorkerOutput()
	if !ok {
		return Result{Source: SourceNone}
	}
	return p.ParseText(text)
}

// ParseText parses one block of worker output. Output longer than
// MaxOutputBytes is cut to its tail at a line boundary.
func (p *Parser) ParseText(text string) Result {
	if strings.TrimSpace(text) == "" {
		return Result{Source: SourceNone}
	}
	text = tail(text, p.cfg.MaxOutputBytes)
	res := Result{HasOutput: true, Source: SourceNone}
	if route, ok := parseStructured(text); ok {
		res.Route, res.Source = route, SourceStructured
		return res
	}
	if route, ok := parseLegacy(text); ok {
		res.Route, res.Source = route, SourceLegacy
		return res
	}
	if route, ok := p.infer(text); ok {
		res.Route, res.Source = route, SourceInferred
	}
	return res
}

func tail(text string, limit int) string {
	if limit <= 0 || len(text) <= limit {
		return text
	}
	cut := text[len(text)-limit:]
	if i := strings.IndexByte(cut, '\n'); i >= 0 && i < len(cut)-1 {
		cut = cut[i+1:]
	}
	return cut
}

// rawRoute accepts any JSON scalar so one odd field does not sink the marker.
type rawRoute struct {
	Verdict      any `json:"verdict"`
	Route        any `json:"route"`
	Severity     any `json:"severity"`
	BarrierGroup any `json:"barrierGroup"`
	Hint         any `json:"hint"`
	ContextFile  any `json:"context_file"`
	// accepted alias
	ContextFileCamel any `json:"contextFile"`
}

func (r rawRoute) route() Route {
	out := Route{
		Verdict:      workflow.Verdict(strings.ToUpper(scalar(r.Verdict))),
		Route:        Kind(strings.ToUpper(scalar(r.Route))),
		Severity:     workflow.Severity(strings.ToUpper(scalar(r.Severity))),
		BarrierGroup: scalar(r.BarrierGroup),
		Hint:         scalar(r.Hint),
		ContextFile:  scalar(r.ContextFile),
	}
	if out.ContextFile == "" {
		out.ContextFile = scalar(r.ContextFileCamel)
	}
	return out
}

func scalar(v any) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(value)
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(value)
	default:
		return fmt.Sprint(value)
	}
}

// parseStructured scans lines backward for the latest marker that decodes.
// A marker may span several lines up to its closing delimiter.
func parseStructured(text string) (Route, bool) {
	lines := strings.Split(text, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := lines[i]
		for {
			start := strings.LastIndex(line, MarkerOpen)
			if start < 0 {
				break
			}
			tail := line[start+len(MarkerOpen):]
			if i+1 < len(lines) {
				tail += "\n" + strings.Join(lines[i+1:], "\n")
			}
			if route, ok := decodeMarker(tail); ok {
				return route, true
			}
			line = line[:start]
		}
	}
	return Route{}, false
}

func decodeMarker(tail string) (Route, bool) {
	end := strings.Index(tail, MarkerClose)
	if end < 0 {
		return Route{}, false
	}
	body := strings.TrimSpace(tail[:end])
	if !strings.HasPrefix(body, "{") {
		return Route{}, false
	}
	var raw rawRoute
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return Route{}, false
	}
	return raw.route(), true
}

var legacyPattern = regexp.MustCompile(`(?i)^(?:verdict\s*:\s*)?(pass|fail)(?:\s*:\s*([a-z]+))?$`)

// parseLegacy scans lines backward for a bare PASS / FAIL[:SEVERITY] token.
// FAIL with MEDIUM or LOW severity continues forward; bare FAIL is HIGH.
func parseLegacy(text string) (Route, bool) {
	lines := strings.Split(text, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		token := strings.Trim(strings.TrimSpace(lines[i]), "*_`> ")
		match := legacyPattern.FindStringSubmatch(token)
		if match == nil {
			continue
		}
		if strings.EqualFold(match[1], "pass") {
			return Route{Verdict: workflow.VerdictPass, Route: RouteNext}, true
		}
		severity := workflow.SeverityHigh
		if match[2] != "" {
			severity = workflow.ParseSeverity(match[2])
			if !severity.Valid() {
				continue
			}
		}
		route := Route{Verdict: workflow.VerdictFail, Severity: severity, Route: RouteDev}
		if !severity.Blocking() {
			route.Route = RouteNext
		}
		return route, true
	}
	return Route{}, false
}

var (
	issueCountPattern = regexp.MustCompile(`(?i)\b(\d+)\s+(critical|high)(?:[- ]severity|[- ]priority)?\s+(?:issues?|findings?|problems?|bugs?|vulnerabilit(?:y|ies)|defects?)\b`)
	headerPattern     = regexp.MustCompile(`(?m)^#{1,6}\s+(.+)$`)
	negativeHeadings  = []string{
		"issues found",
		"problems found",
		"blocking issues",
		"critical issues",
		"failures",
		"failing tests",
		"tests failed",
		"changes requested",
		"vulnerabilities found",
		"needs work",
	}
)

// infer guesses a verdict from a substantive report without a marker.
func (p *Parser) infer(text string) (Route, bool) {
	if len(strings.TrimSpace(text)) < p.cfg.MinInferenceLength {
		return Route{}, false
	}
	var critical, high int
	for _, match := range issueCountPattern.FindAllStringSubmatch(text, -1) {
		n, err := strconv.Atoi(match[1])
		if err != nil || n == 0 {
			continue
		}
		if strings.EqualFold(match[2], "critical") {
			critical += n
		} else {
			high += n
		}
	}
	switch {
	case critical > 0:
		return Route{
			Verdict:  workflow.VerdictFail,
			Route:    RouteDev,
			Severity: workflow.SeverityCritical,
			Hint:     fmt.Sprintf("inferred from report: %d critical issue(s)", critical),
		}, true
	case high > 0:
		return Route{
			Verdict:  workflow.VerdictFail,
			Route:    RouteDev,
			Severity: workflow.SeverityHigh,
			Hint:     fmt.Sprintf("inferred from report: %d high issue(s)", high),
		}, true
	}
	if heading, ok := negativeHeading(text); ok {
		return Route{
			Verdict:  workflow.VerdictFail,
			Route:    RouteNext,
			Severity: workflow.SeverityMedium,
			Hint:     fmt.Sprintf("inferred from report section %q", heading),
		}, true
	}
	return Route{Verdict: workflow.VerdictPass, Route: RouteNext}, true
}

func negativeHeading(text string) (string, bool) {
	for _, match := range headerPattern.FindAllStringSubmatch(text, -1) {
		heading := strings.TrimSpace(match[1])
		lower := strings.ToLower(heading)
		if strings.HasPrefix(lower, "no ") || strings.Contains(lower, " no ") || strings.HasPrefix(lower, "0 ") {
			continue
		}
		for _, phrase := range negativeHeadings {
			if strings.Contains(lower, phrase) {
				return heading, true
			}
		}
	}
	return "", false
}
