package barrier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kingrea/stageflow/internal/store"
)

// KeyPrefix namespaces barrier records in the shared store.
const KeyPrefix = "barrier"

// recordVersion is the current schema of the persisted barrier record.
const recordVersion = 1

// Repository persists one session's barrier groups.
type Repository interface {
	Load(ctx context.Context, session string) (Groups, error)
	Save(ctx context.Context, session string, groups Groups) error
	// Update loads the groups, applies fn and saves the result atomically.
	Update(ctx context.Context, session string, fn func(Groups) error) error
	Delete(ctx context.Context, session string) error
}

type record struct {
	Version int    `json:"version"`
	Groups  Groups `json:"groups"`
}

// StoreRepository keeps barrier groups under barrier/<session> in a store.Store.
type StoreRepository struct {
	store  store.Store
	logger *slog.Logger
}

// NewStoreRepository wraps s. A nil logger uses slog.Default.
func NewStoreRepository(s store.Store, logger *slog.Logger) *StoreRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreRepository{store: s, logger: logger}
}

// Key returns the store key for session.
func Key(session string) string {
	return store.Join(KeyPrefix, session)
}

// Load returns the session's groups. A missing record yields an empty set;
// an unreadable one is discarded so the barriers rerun fresh.
func (r *StoreRepository) Load(ctx context.Context, session string) (Groups, error) {
	data, err := r.store.Get(ctx, Key(session))
	if errors.Is(err, store.ErrNotFound) {
		return Groups{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("barrier: load %s: %w", session, err)
	}
	return r.decode(session, data), nil
}

// Save replaces the session's record. An empty set deletes it.
func (r *StoreRepository) Save(ctx context.Context, session string, groups Groups) error {
	if len(groups) == 0 {
		return r.Delete(ctx, session)
	}
	data, err := encode(groups)
	if err != nil {
		return err
	}
	if err := r.store.Put(ctx, Key(session), data); err != nil {
		return fmt.Errorf("barrier: save %s: %w", session, err)
	}
	return nil
}

// Update applies fn inside the store's read-modify-write.
func (r *StoreRepository) Update(ctx context.Context, session string, fn func(Groups) error) error {
	return r.store.Update(ctx, Key(session), func(current []byte, exists bool) ([]byte, error) {
		groups := Groups{}
		if exists {
			groups = r.decode(session, current)
		}
		if err := fn(groups); err != nil {
			return nil, err
		}
		if len(groups) == 0 {
			return nil, nil
		}
		return encode(groups)
	})
}

// Delete removes the session's record.
func (r *StoreRepository) Delete(ctx context.Context, session string) error {
	if err := r.store.Delete(ctx, Key(session)); err != nil {
		return fmt.Errorf("barrier: delete %s: %w", session, err)
	}
	return nil
}

func (r *StoreRepository) decode(session string, data []byte) Groups {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		r.logger.Warn("discarding corrupt barrier record", "session", session, "error", err)
		return Groups{}
	}
	if rec.Version != recordVersion {
		r.logger.Warn("discarding barrier record with unsupported version",
			"session", session, "version", rec.Version)
		return Groups{}
	}
	if rec.Groups == nil {
		return Groups{}
	}
	return rec.Groups
}

func encode(groups Groups) ([]byte, error) {
	data, err := json.Marshal(record{Version: recordVersion, Groups: groups})
	if err != nil {
		return nil, fmt.Errorf("barrier: encode groups: %w", err)
	}
	return data, nil
}

var _ Repository = (*StoreRepository)(nil)
