package workflow

import "strings"

// Severity grades a failing verdict.
type Severity string

const (
	SeverityNone     Severity = ""
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// severityRank is the single ordering used by barrier merges, retry policy and
// legacy conversion: CRITICAL > HIGH > MEDIUM > LOW.
var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// ParseSeverity normalises a severity name. Unknown values return SeverityNone.
func ParseSeverity(value string) Severity {
	s := Severity(strings.ToUpper(strings.TrimSpace(value)))
	if _, ok := severityRank[s]; ok {
		return s
	}
	return SeverityNone
}

// Valid reports whether s is one of the four known severities.
func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// Rank returns the position of s in the severity ordering (0 when unset).
func (s Severity) Rank() int {
	return severityRank[s]
}

// AtLeast reports whether s is as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// Blocking reports whether s is severe enough to force a recede under the
// legacy marker rules (HIGH and CRITICAL).
func (s Severity) Blocking() bool {
	return s.AtLeast(SeverityHigh)
}

// MaxSeverity returns the most severe of the given values.
func MaxSeverity(values ...Severity) Severity {
	best := SeverityNone
	for _, s := range values {
		if s.Rank() > best.Rank() {
			best = s
		}
	}
	return best
}
