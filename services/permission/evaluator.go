package permission

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Source loads the complete role to permission mapping
type Source interface {
	Load(ctx context.Context) (map[string][]string, error)
}

// snapshot is immutable once published
type snapshot struct {
	roles    map[string]map[string]struct{}
	loadedAt time.Time
}

func compile(mapping map[string][]string, at time.Time) *snapshot {
	s := &snapshot{
		roles:    make(map[string]map[string]struct{}, len(mapping)),
		loadedAt: at,
	}
	for role, perms := range mapping {
		set := make(map[string]struct{}, len(perms))
		for _, p := range perms {
			if p != "" {
				set[p] = struct{}{}
			}
		}
		s.roles[role] = set
	}
	return s
}

// RefreshObserver is notified after each refresh attempt
type RefreshObserver func(err error)

// Evaluator answers whether a role set grants a permission.
// Reads are lock-free; Replace and Refresh publish a complete new snapshot.
type Evaluator struct {
	current  atomic.Pointer[snapshot]
	source   Source
	group    singleflight.Group
	clock    func() time.Time
	observer RefreshObserver
	logger   *zap.Logger
}

// Option configures an Evaluator
type Option func(*Evaluator)

// WithSource sets the source used by Refresh
func WithSource(src Source) Option {
	return func(e *Evaluator) {
		e.source = src
	}
}

// WithRefreshObserver registers a callback invoked after every refresh
func WithRefreshObserver(fn RefreshObserver) Option {
	return func(e *Evaluator) {
		e.observer = fn
	}
}

// NewEvaluator creates an Evaluator with an empty mapping; every check fails until a mapping is loaded
func NewEvaluator(logger *zap.Logger, opts ...Option) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Evaluator{
		clock:  time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.current.Store(compile(nil, time.Time{}))
	return e
}

// Check reports whether any of roles grants required.
// Empty roles, an empty requirement and unknown roles all deny.
func (e *Evaluator) Check(roles []string, required string) bool {
	if len(roles) == 0 || required == "" {
		return false
	}
	snap := e.current.Load()
	for _, role := range roles {
		if _, ok := snap.roles[role][required]; ok {
			return true
		}
	}
	return false
}

// Permissions returns the sorted union of permissions granted to roles
func (e *Evaluator) Permissions(roles []string) []string {
	snap := e.current.Load()
	seen := make(map[string]struct{})
	for _, role := range roles {
		for p := range snap.roles[role] {
			seen[p] = struct{}{}
		}
	}
	perms := make([]string, 0, len(seen))
	for p := range seen {
		perms = append(perms, p)
	}
	sort.Strings(perms)
	return perms
}

// Replace publishes a new mapping. In-flight checks finish against the snapshot they loaded.
func (e *Evaluator) Replace(mapping map[string][]string) {
	e.current.Store(compile(mapping, e.clock()))
}

// Refresh reloads the mapping from the configured source.
// Concurrent calls share one load; on failure the previous mapping stays in effect.
func (e *Evaluator) Refresh(ctx context.Context) error {
	if e.source == nil {
		return nil
	}

	_, err, _ := e.group.Do("refresh", func() (interface{}, error) {
		mapping, err := e.source.Load(ctx)
		if err == nil {
			e.Replace(mapping)
			e.logger.Info("permission mapping refreshed", zap.Int("roles", e.RoleCount()))
		} else {
			e.logger.Warn("permission refresh failed, keeping previous mapping", zap.Error(err))
		}
		if e.observer != nil {
			e.observer(err)
		}
		return nil, err
	})
	return err
}

// RoleCount returns the number of roles in the current mapping
func (e *Evaluator) RoleCount() int {
	return len(e.current.Load().roles)
}

// LoadedAt returns when the current mapping was published
func (e *Evaluator) LoadedAt() time.Time {
	return e.current.Load().loadedAt
}

// StartRefreshWorker reloads the mapping every interval until ctx is done
func (e *Evaluator) StartRefreshWorker(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.logger.Info("started permission refresh worker", zap.Duration("interval", interval))

	for {
		select {
		case <-ticker.C:
			_ = e.Refresh(ctx)
		case <-ctx.Done():
			e.logger.Info("stopping permission refresh worker")
			return
		}
	}
}
