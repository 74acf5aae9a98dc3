// Package engine holds the per-session workflow state machine. It persists a
// versioned WorkflowState, derives the lifecycle phase from it, applies the
// retry and crash policy to finished stages, and answers every lifecycle call
// with the next Action for the host.
package engine
