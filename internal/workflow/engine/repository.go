package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kingrea/stageflow/internal/store"
)

var (
	// ErrStateNotFound is returned when no persisted state exists yet.
	ErrStateNotFound = errors.New("workflow engine: state not found")
	// ErrSchemaVersion is returned for records written by another schema version.
	ErrSchemaVersion = errors.New("workflow engine: unsupported state schema version")
	// ErrCorruptState is returned for records that do not decode.
	ErrCorruptState = errors.New("workflow engine: corrupt state record")
)

// StateKeyPrefix namespaces workflow records in the shared store.
const StateKeyPrefix = "workflow"

// StateStore persists per-session workflow state snapshots.
type StateStore interface {
	Load(ctx context.Context, session string) (WorkflowState, error)
	Save(ctx context.Context, state WorkflowState) error
	Delete(ctx context.Context, session string) error
	Sessions(ctx context.Context) ([]string, error)
}

// Repository stores workflow state under workflow/<session>.
type Repository struct {
	store store.Store
}

// NewRepository wraps s.
func NewRepository(s store.Store) *Repository {
	return &Repository{store: s}
}

// StateKey returns the store key for session.
func StateKey(session string) string {
	return store.Join(StateKeyPrefix, session)
}

// Load reads the session's state. Only SchemaVersion is accepted.
func (r *Repository) Load(ctx context.Context, session string) (WorkflowState, error) {
	data, err := r.store.Get(ctx, StateKey(session))
	if errors.Is(err, store.ErrNotFound) {
		return WorkflowState{}, ErrStateNotFound
	}
	if err != nil {
		return WorkflowState{}, err
	}
	var header struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(data, &header); err != nil {
		return WorkflowState{}, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	if header.Version != SchemaVersion {
		return WorkflowState{}, fmt.Errorf("%w: got %d, want %d", ErrSchemaVersion, header.Version, SchemaVersion)
	}
	var state WorkflowState
	if err := json.Unmarshal(data, &state); err != nil {
		return WorkflowState{}, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	if state.SessionID == "" {
		state.SessionID = session
	}
	return state, nil
}

// Save writes the state with the current schema version.
func (r *Repository) Save(ctx context.Context, state WorkflowState) error {
	if strings.TrimSpace(state.SessionID) == "" {
		return errors.New("workflow engine: state has no session id")
	}
	state.Version = SchemaVersion
	encoded, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("workflow engine: encode state: %w", err)
	}
	return r.store.Put(ctx, StateKey(state.SessionID), append(encoded, '\n'))
}

// Delete removes the session's record.
func (r *Repository) Delete(ctx context.Context, session string) error {
	return r.store.Delete(ctx, StateKey(session))
}

// Sessions lists every session with a stored record.
func (r *Repository) Sessions(ctx context.Context) ([]string, error) {
	keys, err := r.store.Keys(ctx, StateKeyPrefix+"/")
	if err != nil {
		return nil, err
	}
	sessions := make([]string, 0, len(keys))
	for _, key := range keys {
		sessions = append(sessions, strings.TrimPrefix(key, StateKeyPrefix+"/"))
	}
	return sessions, nil
}

var _ StateStore = (*Repository)(nil)
