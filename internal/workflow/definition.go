package workflow

import (
	"sort"
)

// DAG maps stage identifiers to their node configuration.
type DAG map[StageID]Node

// Node declares a stage's dependencies and routing hints.
type Node struct {
	Deps []StageID `json:"deps"`
	// OnFail is the implementation stage a failing quality stage recedes to.
	OnFail *StageID `json:"onFail,omitempty"`
	// MaxRetries overrides the policy retry ceiling for this stage.
	MaxRetries *int           `json:"maxRetries,omitempty"`
	Next       *StageID       `json:"next,omitempty"`
	Barrier    *BarrierConfig `json:"barrier,omitempty"`
}

// BarrierConfig is attached to every sibling of a parallel-completion group.
type BarrierConfig struct {
	Group    string    `json:"group"`
	Total    int       `json:"total"`
	Next     *StageID  `json:"next"`
	Siblings []StageID `json:"siblings"`
}

// Clone returns a deep copy of the node.
func (n Node) Clone() Node {
	clone := Node{
		Deps:       cloneStageIDs(n.Deps),
		OnFail:     cloneStageRef(n.OnFail),
		MaxRetries: cloneIntRef(n.MaxRetries),
		Next:       cloneStageRef(n.Next),
	}
	if n.Barrier != nil {
		b := n.Barrier.Clone()
		clone.Barrier = &b
	}
	return clone
}

// DependsOn reports whether the node lists id as a dependency.
func (n Node) DependsOn(id StageID) bool {
	return ContainsStage(n.Deps, id)
}

// Clone returns a deep copy of the barrier config.
func (b BarrierConfig) Clone() BarrierConfig {
	return BarrierConfig{
		Group:    b.Group,
		Total:    b.Total,
		Next:     cloneStageRef(b.Next),
		Siblings: cloneStageIDs(b.Siblings),
	}
}

// FirstSibling returns the sibling whose routing the group follows.
func (b BarrierConfig) FirstSibling() (StageID, bool) {
	if len(b.Siblings) == 0 {
		return StageID{}, false
	}
	return b.Siblings[0], true
}

// Clone returns a deep copy of the graph.
func (g DAG) Clone() DAG {
	if g == nil {
		return nil
	}
	out := make(DAG, len(g))
	for id, node := range g {
		out[id] = node.Clone()
	}
	return out
}

// Has reports whether id is a node of the graph.
func (g DAG) Has(id StageID) bool {
	_, ok := g[id]
	return ok
}

// IDs returns the node identifiers in canonical order.
func (g DAG) IDs() []StageID {
	ids := make([]StageID, 0, len(g))
	for id := range g {
		ids = append(ids, id)
	}
	SortStageIDs(ids)
	return ids
}

// Dependents returns the nodes that list id as a direct dependency.
func (g DAG) Dependents(id StageID) []StageID {
	var out []StageID
	for candidate, node := range g {
		if node.DependsOn(id) {
			out = append(out, candidate)
		}
	}
	SortStageIDs(out)
	return out
}

// HasKind reports whether any node's base stage has the given kind.
func (g DAG) HasKind(kind StageKind) bool {
	for id := range g {
		if id.Base.Kind() == kind {
			return true
		}
	}
	return false
}

// BarrierGroups returns each barrier group name mapped to its siblings.
func (g DAG) BarrierGroups() map[string][]StageID {
	groups := map[string][]StageID{}
	for id, node := range g {
		if node.Barrier == nil {
			continue
		}
		if _, seen := groups[node.Barrier.Group]; seen {
			continue
		}
		groups[node.Barrier.Group] = cloneStageIDs(node.Barrier.Siblings)
		if len(groups[node.Barrier.Group]) == 0 {
			groups[node.Barrier.Group] = []StageID{id}
		}
	}
	return groups
}

// NextInstance returns the first unused identifier for base.
func (g DAG) NextInstance(base StageType) StageID {
	id := NewStageID(base)
	for n := 2; g.Has(id); n++ {
		id = id.WithInstance(n)
	}
	return id
}

// Raw converts the graph back into its loosely typed external form. Barrier
// configs are omitted; they are inferred again on enrichment.
func (g DAG) Raw() RawDAG {
	raw := make(RawDAG, len(g))
	for id, node := range g {
		deps := make([]any, 0, len(node.Deps))
		for _, dep := range node.Deps {
			deps = append(deps, dep.String())
		}
		entry := map[string]any{"deps": deps}
		if node.OnFail != nil {
			entry["onFail"] = node.OnFail.String()
		}
		if node.Next != nil {
			entry["next"] = node.Next.String()
		}
		if node.MaxRetries != nil {
			entry["maxRetries"] = *node.MaxRetries
		}
		raw[id.String()] = entry
	}
	return raw
}

// StageRef returns a pointer to a copy of id, for optional node fields.
func StageRef(id StageID) *StageID {
	return &id
}

// IntRef returns a pointer to a copy of v.
func IntRef(v int) *int {
	return &v
}

func cloneStageIDs(values []StageID) []StageID {
	if values == nil {
		return nil
	}
	out := make([]StageID, len(values))
	copy(out, values)
	return out
}

func cloneStageRef(id *StageID) *StageID {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}

func cloneIntRef(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func mergeDependencies(existing, adds []StageID) []StageID {
	if len(adds) == 0 && len(existing) == 0 {
		return []StageID{}
	}
	set := map[StageID]struct{}{}
	for _, id := range existing {
		if id.IsZero() {
			continue
		}
		set[id] = struct{}{}
	}
	for _, id := range adds {
		if id.IsZero() {
			continue
		}
		set[id] = struct{}{}
	}
	out := make([]StageID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// MergeDependencies returns the sorted union of two dependency lists.
func MergeDependencies(existing, adds []StageID) []StageID {
	return mergeDependencies(existing, adds)
}

// SameDependencies reports whether a and b contain the same set of ids.
func SameDependencies(a, b []StageID) bool {
	if len(a) != len(b) {
		return false
	}
	left := mergeDependencies(a, nil)
	right := mergeDependencies(b, nil)
	if len(left) != len(right) {
		return false
	}
	for i := range left {
		if left[i] != right[i] {
			return false
		}
	}
	return true
}
