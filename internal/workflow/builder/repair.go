package builder

import (
	"fmt"
	"math"
	"sort"

	"github.com/kingrea/stageflow/internal/workflow"
	"github.com/kingrea/stageflow/internal/workflow/topology"
)

// Repair is the outcome of a best-effort graph repair.
type Repair struct {
	DAG   workflow.DAG
	Fixes []string
}

// RepairDAG fixes what it can in an externally supplied graph. Null or
// missing configs get empty deps, scalar deps become lists, bad or dangling
// edges are dropped, unknown stages are removed and invalid routing fields
// cleared. Supplied barrier configs are dropped; enrichment infers them. It reports false when nothing usable remains or a cycle survives.
// Running it on DAG.Raw() of a repaired graph yields no fixes.
func RepairDAG(raw workflow.RawDAG) (Repair, bool) {
	if len(raw) == 0 {
		return Repair{}, false
	}
	var fixes []string
	fixf := func(format string, args ...any) {
		fixes = append(fixes, fmt.Sprintf(format, args...))
	}

	keys := make([]string, 0, len(raw))
	for key := range raw {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	configs := make(map[workflow.StageID]any, len(keys))
	for _, key := range keys {
		id, err := workflow.ParseStageID(key)
		if err != nil || !id.Known() {
			fixf("dropped unknown stage %q", key)
			continue
		}
		if _, dup := configs[id]; dup {
			fixf("dropped duplicate stage %q (already declared as %s)", key, id)
			continue
		}
		configs[id] = raw[key]
	}
	if len(configs) == 0 {
		return Repair{Fixes: fixes}, false
	}

	dag := make(workflow.DAG, len(configs))
	for id := range configs {
		dag[id] = workflow.Node{}
	}
	ids := dag.IDs()
	for _, id := range ids {
		cfg, isMap := configs[id].(map[string]any)
		if !isMap {
			if configs[id] == nil {
				fixf("%s: null config replaced with empty deps", id)
			} else {
				fixf("%s: config is not an object, replaced with empty deps", id)
			}
			dag[id] = workflow.Node{Deps: []workflow.StageID{}}
			continue
		}
		node := workflow.Node{Deps: repairDeps(id, cfg, dag, fixf)}
		node.OnFail = repairRef(id, "onFail", cfg, dag, fixf)
		if node.OnFail != nil && !node.OnFail.Base.IsImplementation() {
			fixf("%s: onFail %s is not an implementation stage, cleared", id, node.OnFail)
			node.OnFail = nil
		}
		node.Next = repairRef(id, "next", cfg, dag, fixf)
		node.MaxRetries = repairMaxRetries(id, cfg, fixf)
		if _, present := cfg["barrier"]; present {
			fixf("%s: barrier config dropped, re-inferred from shared deps", id)
		}
		dag[id] = node
	}

	if _, err := topology.TopologicalSort(dag); err != nil {
		fixf("unrepairable: %v", err)
		return Repair{DAG: dag, Fixes: fixes}, false
	}
	return Repair{DAG: dag, Fixes: fixes}, true
}

func repairDeps(id workflow.StageID, cfg map[string]any, dag workflow.DAG, fixf func(string, ...any)) []workflow.StageID {
	value, present := cfg["deps"]
	var entries []any
	switch v := value.(type) {
	case nil:
		if present {
			fixf("%s: null deps replaced with empty list", id)
		} else {
			fixf("%s: missing deps replaced with empty list", id)
		}
		return []workflow.StageID{}
	case string:
		fixf("%s: scalar dep %q wrapped in a list", id, v)
		entries = []any{v}
	case []any:
		entries = v
	case []string:
		for _, s := range v {
			entries = append(entries, s)
		}
	default:
		fixf("%s: deps of type %T replaced with empty list", id, value)
		return []workflow.StageID{}
	}

	deps := make([]workflow.StageID, 0, len(entries))
	for _, entry := range entries {
		name, ok := entry.(string)
		if !ok {
			fixf("%s: dropped non-string dep %v", id, entry)
			continue
		}
		dep, err := workflow.ParseStageID(name)
		if err != nil || !dag.Has(dep) {
			fixf("%s: dropped dangling dep %q", id, name)
			continue
		}
		if dep == id {
			fixf("%s: dropped self dependency", id)
			continue
		}
		if workflow.ContainsStage(deps, dep) {
			fixf("%s: dropped duplicate dep %s", id, dep)
			continue
		}
		deps = append(deps, dep)
	}
	return deps
}

func repairRef(id workflow.StageID, field string, cfg map[string]any, dag workflow.DAG, fixf func(string, ...any)) *workflow.StageID {
	value, present := cfg[field]
	if !present || value == nil {
		return nil
	}
	name, ok := value.(string)
	if !ok {
		fixf("%s: %s of type %T cleared", id, field, value)
		return nil
	}
	ref, err := workflow.ParseStageID(name)
	if err != nil || !dag.Has(ref) {
		fixf("%s: %s %q does not exist, cleared", id, field, name)
		return nil
	}
	if ref == id {
		fixf("%s: %s points at itself, cleared", id, field)
		return nil
	}
	return workflow.StageRef(ref)
}

func repairMaxRetries(id workflow.StageID, cfg map[string]any, fixf func(string, ...any)) *int {
	value, present := cfg["maxRetries"]
	if !present || value == nil {
		return nil
	}
	var n int
	switch v := value.(type) {
	case int:
		n = v
	case int64:
		n = int(v)
	case uint64:
		n = int(v)
	case float64:
		if v != math.Trunc(v) {
			fixf("%s: maxRetries %v is not an integer, cleared", id, v)
			return nil
		}
		n = int(v)
	default:
		fixf("%s: maxRetries of type %T cleared", id, value)
		return nil
	}
	if n < 0 {
		fixf("%s: negative maxRetries %d cleared", id, n)
		return nil
	}
	return workflow.IntRef(n)
}
