package workflow

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// RawDAG is an externally supplied graph before repair: stage name mapped to a
// loosely typed node config (deps, onFail, maxRetries, next). JSON payloads
// decode through the same path since YAML is a superset.
type RawDAG map[string]any

// ParseRawDAG decodes an ad hoc graph from YAML or JSON bytes.
func ParseRawDAG(data []byte) (RawDAG, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("workflow: graph payload is empty")
	}
	var decoded map[string]any
	if err := yaml.Unmarshal(data, &decoded); err != nil {
		return nil, fmt.Errorf("workflow: decode graph: %w", err)
	}
	if nested, ok := decoded["dag"].(map[string]any); ok && len(decoded) == 1 {
		decoded = nested
	}
	return RawDAG(decoded), nil
}

// LoadRawDAGReader reads an ad hoc graph from r.
func LoadRawDAGReader(r io.Reader) (RawDAG, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("workflow: read graph: %w", err)
	}
	return ParseRawDAG(content)
}

// LoadRawDAGFile loads an ad hoc graph from path.
func LoadRawDAGFile(path string) (RawDAG, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("workflow: read %s: %w", path, err)
	}
	raw, parseErr := ParseRawDAG(content)
	if parseErr != nil {
		return nil, fmt.Errorf("workflow: %s: %w", path, parseErr)
	}
	return raw, nil
}

type templateFile struct {
	Templates []Template `yaml:"templates"`
}

// ParseTemplatesYAML decodes a template catalog of the form
// `templates: [{id, stages, barriers}]`.
func ParseTemplatesYAML(data []byte) (TemplateSet, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return TemplateSet{}, nil
	}
	var file templateFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("workflow: decode templates: %w", err)
	}
	out := make(TemplateSet, len(file.Templates))
	for i, tpl := range file.Templates {
		normalized, err := tpl.Normalized()
		if err != nil {
			return nil, fmt.Errorf("workflow: templates[%d]: %w", i, err)
		}
		if _, dup := out[normalized.ID]; dup {
			return nil, fmt.Errorf("workflow: duplicate template %s", normalized.ID)
		}
		out[normalized.ID] = normalized
	}
	return out, nil
}

// LoadTemplatesFile loads a template catalog from path and merges it over the
// built-in templates. A missing file yields the defaults.
func LoadTemplatesFile(path string) (TemplateSet, error) {
	defaults := DefaultTemplates()
	if path == "" {
		return defaults, nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return defaults, nil
		}
		return nil, fmt.Errorf("workflow: read %s: %w", path, err)
	}
	override, err := ParseTemplatesYAML(content)
	if err != nil {
		return nil, fmt.Errorf("workflow: %s: %w", path, err)
	}
	return defaults.Merge(override), nil
}
