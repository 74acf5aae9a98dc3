// Package topology orders workflow graphs and answers readiness questions:
// deterministic topological sort with a cycle witness, the ready set for a
// given status map, blueprint grouping into parallel steps, and descendant
// lookups used when a retry resets downstream work.
package topology
