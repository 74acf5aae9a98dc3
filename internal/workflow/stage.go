package workflow

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ErrUnknownStage is returned when a stage identifier names an unrecognised
// stage type.
var ErrUnknownStage = errors.New("workflow: unknown stage type")

// StageType is the base name of a workflow stage (DEV, REVIEW, ...).
type StageType string

const (
	StagePlan     StageType = "PLAN"
	StageDev      StageType = "DEV"
	StageFix      StageType = "FIX"
	StageReview   StageType = "REVIEW"
	StageTest     StageType = "TEST"
	StageSecurity StageType = "SECURITY"
	StageDocs     StageType = "DOCS"
)

// StageKind classifies what a stage does inside a workflow.
type StageKind string

const (
	// KindImplementation stages produce work product and are valid recede targets.
	KindImplementation StageKind = "implementation"
	// KindQuality stages validate prior work and may fail.
	KindQuality       StageKind = "quality"
	KindPlanning      StageKind = "planning"
	KindDocumentation StageKind = "documentation"
)

// StageSpec describes a recognised stage type.
type StageSpec struct {
	Type        StageType
	Kind        StageKind
	Worker      string
	Description string
}

var stageCatalog = map[StageType]StageSpec{
	StagePlan:     {Type: StagePlan, Kind: KindPlanning, Worker: "planner", Description: "break the request into an implementation plan"},
	StageDev:      {Type: StageDev, Kind: KindImplementation, Worker: "developer", Description: "implement the requested change"},
	StageFix:      {Type: StageFix, Kind: KindImplementation, Worker: "developer", Description: "apply a focused fix"},
	StageReview:   {Type: StageReview, Kind: KindQuality, Worker: "reviewer", Description: "review the change for correctness and design"},
	StageTest:     {Type: StageTest, Kind: KindQuality, Worker: "tester", Description: "run and extend the test suite"},
	StageSecurity: {Type: StageSecurity, Kind: KindQuality, Worker: "security-auditor", Description: "audit the change for security issues"},
	StageDocs:     {Type: StageDocs, Kind: KindDocumentation, Worker: "doc-writer", Description: "update user and developer documentation"},
}

// LookupStage returns the catalog entry for a stage type.
func LookupStage(t StageType) (StageSpec, bool) {
	spec, ok := stageCatalog[t]
	return spec, ok
}

// StageTypes returns every recognised stage type sorted by name.
func StageTypes() []StageType {
	out := make([]StageType, 0, len(stageCatalog))
	for t := range stageCatalog {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Known reports whether t is a recognised stage type.
func (t StageType) Known() bool {
	_, ok := stageCatalog[t]
	return ok
}

// Kind returns the stage kind, or an empty kind for unknown types.
func (t StageType) Kind() StageKind {
	return stageCatalog[t].Kind
}

// IsQuality reports whether the stage type validates prior work.
func (t StageType) IsQuality() bool {
	return t.Kind() == KindQuality
}

// IsImplementation reports whether the stage type produces work product.
func (t StageType) IsImplementation() bool {
	return t.Kind() == KindImplementation
}

// StageID identifies a node in a workflow graph. The qualifier disambiguates
// repeated stage types within one workflow: DEV, DEV:2, DEV:3. A zero
// qualifier means the first (unqualified) instance.
type StageID struct {
	Base      StageType
	Qualifier int
}

// NewStageID returns the unqualified identifier for a stage type.
func NewStageID(base StageType) StageID {
	return StageID{Base: base}
}

// ParseStageID parses BASE or BASE:n. The base is upper-cased; it is not
// checked against the catalog (use Known for that).
func ParseStageID(value string) (StageID, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return StageID{}, fmt.Errorf("workflow: stage id is empty")
	}
	base, qualifier, hasQualifier := strings.Cut(trimmed, ":")
	base = strings.ToUpper(strings.TrimSpace(base))
	if base == "" {
		return StageID{}, fmt.Errorf("workflow: stage id %q has no base name", value)
	}
	id := StageID{Base: StageType(base)}
	if !hasQualifier {
		return id, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(qualifier))
	if err != nil || n < 1 {
		return StageID{}, fmt.Errorf("workflow: stage id %q has invalid qualifier", value)
	}
	if n > 1 {
		id.Qualifier = n
	}
	return id, nil
}

// MustParseStageID panics when value is not a valid stage id.
func MustParseStageID(value string) StageID {
	id, err := ParseStageID(value)
	if err != nil {
		panic(err)
	}
	return id
}

// String renders the canonical text form.
func (id StageID) String() string {
	if id.Qualifier > 1 {
		return fmt.Sprintf("%s:%d", id.Base, id.Qualifier)
	}
	return string(id.Base)
}

// IsZero reports whether the id is unset.
func (id StageID) IsZero() bool {
	return id.Base == ""
}

// Known reports whether the base is a recognised stage type.
func (id StageID) Known() bool {
	return id.Base.Known()
}

// Instance returns the 1-based instance number.
func (id StageID) Instance() int {
	if id.Qualifier > 1 {
		return id.Qualifier
	}
	return 1
}

// WithInstance returns the id for another instance of the same base.
func (id StageID) WithInstance(n int) StageID {
	if n <= 1 {
		return StageID{Base: id.Base}
	}
	return StageID{Base: id.Base, Qualifier: n}
}

// Less orders ids by base then instance.
func (id StageID) Less(other StageID) bool {
	if id.Base != other.Base {
		return id.Base < other.Base
	}
	return id.Instance() < other.Instance()
}

// MarshalText implements encoding.TextMarshaler so ids can key JSON maps.
func (id StageID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *StageID) UnmarshalText(text []byte) error {
	parsed, err := ParseStageID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// SortStageIDs sorts ids in place using the canonical order.
func SortStageIDs(ids []StageID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
}

// ContainsStage reports whether ids contains target.
func ContainsStage(ids []StageID, target StageID) bool {
	for _, id := range ids {
		if id == target {
			return true
		}
	}
	return false
}

// StageStrings converts ids to their text forms.
func StageStrings(ids []StageID) []string {
	if len(ids) == 0 {
		return nil
	}
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
