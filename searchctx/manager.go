package searchctx

import (
	"context"
	"log/slog"
	"net/url"
	"time"
)

// Manager resolves the effective search context from persisted state and
// the request URL. Persistence failures are logged and swallowed: losing
// navigation is acceptable, breaking a page view is not.
type Manager interface {
	// LoadContext resolves the effective context, overlaying sanitized URL
	// values onto any persisted state.
	LoadContext(ctx context.Context, values url.Values) Context

	// SaveResults persists a fresh context from one completed search.
	SaveResults(ctx context.Context, ids []string, params Params)

	// SaveContext persists the given context verbatim.
	SaveContext(ctx context.Context, c Context)

	// Clear drops the persisted context.
	Clear(ctx context.Context)
}

// overlay applies URL values on top of base. When the URL carries none of
// the known parameters, base passes through untouched; otherwise every
// field is replaced by its (possibly unset) URL value.
func overlay(base Params, values url.Values) (Params, bool) {
	if values.Get(ParamTerm) == "" && values.Get(ParamBounds) == "" && values.Get(ParamFilters) == "" {
		return base, false
	}
	merged := ParseValues(values)
	return merged, !merged.Equal(base)
}

// URLOnlyManager derives the context from the URL alone and persists
// nothing. Used when context storage is disabled by configuration.
type URLOnlyManager struct{}

// NewURLOnlyManager creates a URLOnlyManager.
func NewURLOnlyManager() *URLOnlyManager { return &URLOnlyManager{} }

func (m *URLOnlyManager) LoadContext(_ context.Context, values url.Values) Context {
	return Context{Params: ParseValues(values)}
}

func (m *URLOnlyManager) SaveResults(context.Context, []string, Params) {}

func (m *URLOnlyManager) SaveContext(context.Context, Context) {}

func (m *URLOnlyManager) Clear(context.Context) {}

// StoredManager persists the context through a Store.
type StoredManager struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewStoredManager creates a StoredManager over store.
func NewStoredManager(store Store, logger *slog.Logger) *StoredManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoredManager{store: store, logger: logger, now: time.Now}
}

// LoadContext loads the persisted context and overlays URL values. If the
// URL changes the parameters, the stale result list is discarded.
func (m *StoredManager) LoadContext(ctx context.Context, values url.Values) Context {
	stored, err := m.store.Load(ctx)
	if err != nil && err != ErrNoContext {
		m.logger.DebugContext(ctx, "failed to load search context", "error", err)
	}

	params, changed := overlay(stored.Params, values)
	if changed {
		return Context{Params: params}
	}
	stored.Params = params
	return stored
}

func (m *StoredManager) SaveResults(ctx context.Context, ids []string, params Params) {
	m.SaveContext(ctx, Context{
		ResultIDs: ids,
		Params:    params,
		Timestamp: m.now().UnixMilli(),
	})
}

func (m *StoredManager) SaveContext(ctx context.Context, c Context) {
	if err := m.store.Save(ctx, c); err != nil {
		m.logger.DebugContext(ctx, "failed to save search context", "error", err)
	}
}

func (m *StoredManager) Clear(ctx context.Context) {
	m.SaveContext(ctx, Context{})
}
