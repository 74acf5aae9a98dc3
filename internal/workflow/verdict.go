package workflow

import "strings"

// Verdict is a worker's pass/fail judgement of a stage.
type Verdict string

const (
	VerdictPass Verdict = "PASS"
	VerdictFail Verdict = "FAIL"
)

// ParseVerdict normalises a verdict name, reporting false for unknown values.
func ParseVerdict(value string) (Verdict, bool) {
	switch v := Verdict(strings.ToUpper(strings.TrimSpace(value))); v {
	case VerdictPass, VerdictFail:
		return v, true
	}
	return "", false
}

// Failed reports whether v is a FAIL.
func (v Verdict) Failed() bool {
	return v == VerdictFail
}
