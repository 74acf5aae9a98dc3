package workflow

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// WorkerEntry binds a stage type to the worker responsible for it, captured in
// team/workers.json.
type WorkerEntry struct {
	Name  string    `json:"name"`
	Stage StageType `json:"stage"`
	Role  string    `json:"role,omitempty"`
}

type workersEnvelope struct {
	Workers []WorkerEntry `json:"workers"`
}

// LoadWorkers reads the worker roster from disk. Both a bare array and a
// {"workers": [...]} envelope are accepted.
func LoadWorkers(path string) ([]WorkerEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var envelope workersEnvelope
		if err := json.Unmarshal(trimmed, &envelope); err != nil {
			return nil, fmt.Errorf("failed to parse workers roster: %w", err)
		}
		return envelope.Workers, nil
	}
	var workers []WorkerEntry
	if err := json.Unmarshal(trimmed, &workers); err != nil {
		return nil, fmt.Errorf("failed to parse workers roster: %w", err)
	}
	return workers, nil
}

// SaveWorkers writes the worker roster to disk, preserving directory structure.
func SaveWorkers(path string, workers []WorkerEntry) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(workersEnvelope{Workers: workers}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Normalize ensures essential fields are present.
func (w WorkerEntry) Normalize() (WorkerEntry, error) {
	trimmed := strings.TrimSpace(w.Name)
	if trimmed == "" {
		return WorkerEntry{}, errors.New("worker entry missing name")
	}
	w.Name = trimmed
	w.Stage = StageType(strings.ToUpper(strings.TrimSpace(string(w.Stage))))
	if !w.Stage.Known() {
		return WorkerEntry{}, fmt.Errorf("worker %s: %w: %q", w.Name, ErrUnknownStage, w.Stage)
	}
	w.Role = strings.TrimSpace(w.Role)
	return w, nil
}

// Roster resolves the worker responsible for each stage.
type Roster struct {
	workers map[StageType]string
}

// DefaultRoster maps every stage type to its catalog worker.
func DefaultRoster() Roster {
	r := Roster{workers: make(map[StageType]string, len(stageCatalog))}
	for t, spec := range stageCatalog {
		r.workers[t] = spec.Worker
	}
	return r
}

// NewRoster layers entries over the defaults. Invalid entries are returned as
// errors and skipped.
func NewRoster(entries []WorkerEntry) (Roster, []error) {
	r := DefaultRoster()
	var errs []error
	for _, entry := range entries {
		normalized, err := entry.Normalize()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		r.workers[normalized.Stage] = normalized.Name
	}
	return r, errs
}

// WithOverrides returns a copy of r with stage name to worker overrides applied,
// as read from configuration.
func (r Roster) WithOverrides(overrides map[string]string) (Roster, []error) {
	entries := make([]WorkerEntry, 0, len(overrides))
	for stage, worker := range overrides {
		entries = append(entries, WorkerEntry{Name: worker, Stage: StageType(stage)})
	}
	out := Roster{workers: make(map[StageType]string, len(r.workers))}
	for t, name := range r.workers {
		out.workers[t] = name
	}
	var errs []error
	for _, entry := range entries {
		normalized, err := entry.Normalize()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out.workers[normalized.Stage] = normalized.Name
	}
	return out, errs
}

// WorkerFor returns the worker responsible for id. Qualified instances share
// their base stage's worker.
func (r Roster) WorkerFor(id StageID) string {
	if name, ok := r.workers[id.Base]; ok {
		return name
	}
	if spec, ok := stageCatalog[id.Base]; ok {
		return spec.Worker
	}
	return strings.ToLower(string(id.Base))
}

// Entries returns the roster content sorted by stage type.
func (r Roster) Entries() []WorkerEntry {
	out := make([]WorkerEntry, 0, len(r.workers))
	for _, t := range StageTypes() {
		if name, ok := r.workers[t]; ok {
			out = append(out, WorkerEntry{Name: name, Stage: t})
		}
	}
	return out
}
