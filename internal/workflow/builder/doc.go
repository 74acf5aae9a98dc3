// Package builder constructs workflow graphs from named templates or ad hoc
// definitions. Ad hoc graphs are repaired on a best-effort basis, validated
// and enriched with barrier groups and routing hints; anything unusable falls
// back to a minimal safe template so callers always receive a graph.
package builder
