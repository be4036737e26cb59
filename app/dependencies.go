package app

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/upb/api-gatekeeper/config"
	"github.com/upb/api-gatekeeper/internal/observability"
	"github.com/upb/api-gatekeeper/repositories"
	"github.com/upb/api-gatekeeper/repositories/memory"
	"github.com/upb/api-gatekeeper/repositories/postgres"
	"github.com/upb/api-gatekeeper/services"
	"github.com/upb/api-gatekeeper/services/audit"
	"github.com/upb/api-gatekeeper/services/permission"
	"github.com/upb/api-gatekeeper/services/pipeline"
	"github.com/upb/api-gatekeeper/services/ratelimit"
	"github.com/upb/api-gatekeeper/services/token"
	"go.uber.org/zap"
)

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config   *config.Config
	Logger   *zap.Logger
	DB       *postgres.DB   // nil unless a postgres source or sink is configured
	Redis    *redis.Client  // nil unless the redis limiter backend is configured
	Registry *prometheus.Registry
	Metrics  *observability.Metrics

	// Repository Factory
	RepoFactory *postgres.RepositoryFactory
	repos       *repositories.Repositories

	// Repositories
	Users           repositories.UserRepository
	AuditRecords    repositories.AuditRepository          // nil unless the postgres audit sink is configured
	RolePermissions repositories.RolePermissionRepository // nil unless roles are loaded from postgres

	// Gate
	Routes        *config.RouteTable
	Tokens        *token.Service
	Denylist      *token.MemoryDenylist
	Limiter       ratelimit.RateLimiter
	MemoryLimiter *ratelimit.Limiter // nil with the redis backend
	Permissions   *permission.Evaluator
	Audit         *audit.Logger
	Pipeline      *pipeline.Pipeline

	// Services
	Auth *services.AuthService
}

// NewDependencies creates and wires up all application dependencies.
// The audit logger is created but not started; the caller owns its lifecycle.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
	}

	steps := []struct {
		name string
		fn   func(ctx context.Context) error
	}{
		{"metrics", deps.initMetrics},
		{"database", deps.initDatabase},
		{"redis", deps.initRedis},
		{"routes", deps.initRoutes},
		{"tokens", deps.initTokens},
		{"rate limiter", deps.initRateLimiter},
		{"permissions", deps.initPermissions},
		{"users", deps.initUsers},
		{"audit", deps.initAudit},
		{"pipeline", deps.initPipeline},
	}

	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			_ = deps.Close(ctx)
			return nil, fmt.Errorf("failed to initialize %s: %w", step.name, err)
		}
	}

	logger.Info("all dependencies initialized successfully",
		zap.String("rate_limit_backend", cfg.RateLimit.Backend),
		zap.String("permissions_source", cfg.Permissions.Source),
		zap.String("users_source", cfg.Users.Source),
		zap.String("audit_sink", cfg.Audit.Sink),
		zap.Int("routes", len(deps.Routes.Routes)))
	return deps, nil
}

func (d *Dependencies) initMetrics(_ context.Context) error {
	d.Registry = prometheus.NewRegistry()
	d.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	d.Metrics = observability.NewMetrics(d.Registry)
	return nil
}

// initDatabase initializes the PostgreSQL connection and schema when any component needs it
func (d *Dependencies) initDatabase(ctx context.Context) error {
	if !d.Config.UsesDatabase() {
		return nil
	}

	factory, err := postgres.NewRepositoryFactory(d.Config, d.Logger)
	if err != nil {
		return fmt.Errorf("failed to create repository factory: %w", err)
	}
	d.RepoFactory = factory
	d.DB = factory.GetDB()

	if err := factory.InitSchema(ctx); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	d.repos = factory.NewRepositories()
	d.Logger.Info("repositories initialized")
	return nil
}

func (d *Dependencies) initRedis(ctx context.Context) error {
	if d.Config.RateLimit.Backend != config.BackendRedis {
		return nil
	}

	d.Redis = redis.NewClient(&redis.Options{
		Addr:     d.Config.Redis.Addr,
		Password: d.Config.Redis.Password,
		DB:       d.Config.Redis.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := d.Redis.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}

	d.Logger.Info("redis connection established", zap.String("addr", d.Config.Redis.Addr))
	return nil
}

func (d *Dependencies) initRoutes(_ context.Context) error {
	table, err := config.LoadRouteTable(d.Config.Routes.File, d.Config.RateLimit)
	if err != nil {
		return err
	}
	d.Routes = table
	return nil
}

func (d *Dependencies) initTokens(_ context.Context) error {
	cfg := token.Config{
		Issuer:    d.Config.Token.Issuer,
		ActiveKey: token.Key{ID: d.Config.Token.KeyID, Secret: []byte(d.Config.Token.Secret)},
	}
	for _, rs := range d.Config.Token.RetiredSecrets {
		cfg.RetiredKeys = append(cfg.RetiredKeys, token.Key{ID: rs.KeyID, Secret: []byte(rs.Secret)})
	}

	d.Denylist = token.NewMemoryDenylist(d.Logger)
	tokens, err := token.NewService(cfg,
		token.WithDenylist(d.Denylist),
		token.WithLogger(d.Logger))
	if err != nil {
		return err
	}
	d.Tokens = tokens

	d.Logger.Info("token service initialized",
		zap.String("active_kid", d.Config.Token.KeyID),
		zap.Strings("kids", tokens.KeyIDs()))
	return nil
}

func (d *Dependencies) initRateLimiter(_ context.Context) error {
	switch d.Config.RateLimit.Backend {
	case config.BackendRedis:
		d.Limiter = ratelimit.NewRedisLimiter(d.Redis, ratelimit.RedisConfig{
			KeyPrefix: d.Config.Redis.KeyPrefix,
			IdleTTL:   d.Config.RateLimit.BucketIdleTTL,
		}, d.Logger)
	default:
		d.MemoryLimiter = ratelimit.NewLimiter(ratelimit.Config{
			IdleTTL: d.Config.RateLimit.BucketIdleTTL,
		}, d.Logger)
		d.Limiter = d.MemoryLimiter
		d.Metrics.RegisterBucketGauge(d.MemoryLimiter.Stats)
	}
	return nil
}

// initPermissions loads the role mapping. A failed first load is fatal: the gate would deny everything.
func (d *Dependencies) initPermissions(ctx context.Context) error {
	var source permission.Source
	switch d.Config.Permissions.Source {
	case config.SourcePostgres:
		d.RolePermissions = d.repos.RolePermissions
		source = permission.NewRepositorySource(d.RolePermissions)
	default:
		source = permission.NewFileSource(d.Config.Permissions.File)
	}

	d.Permissions = permission.NewEvaluator(d.Logger,
		permission.WithSource(source),
		permission.WithRefreshObserver(d.Metrics.PermissionRefreshed))

	if err := d.Permissions.Refresh(ctx); err != nil {
		return fmt.Errorf("initial permission load failed: %w", err)
	}
	return nil
}

func (d *Dependencies) initUsers(_ context.Context) error {
	switch d.Config.Users.Source {
	case config.SourcePostgres:
		d.Users = d.repos.Users
	default:
		users, err := memory.LoadUserFile(d.Config.Users.File)
		if err != nil {
			return err
		}
		d.Logger.Info("loaded user directory", zap.Int("users", users.Len()))
		d.Users = users
	}

	d.Auth = services.NewAuthService(d.Users, d.Tokens, d.Config.Token.TTL, d.Logger)
	return nil
}

func (d *Dependencies) initAudit(_ context.Context) error {
	var sink audit.Sink
	switch d.Config.Audit.Sink {
	case config.SinkPostgres:
		d.AuditRecords = d.repos.AuditRecords
		sink = d.AuditRecords
	default:
		sink = audit.NewLogSink(d.Logger)
	}

	d.Audit = audit.NewLogger(sink, d.Logger, audit.Config{
		BufferSize:    d.Config.Audit.BufferSize,
		WorkerCount:   d.Config.Audit.WorkerCount,
		InsertTimeout: d.Config.Audit.InsertTimeout,
	}, audit.WithDropRecorder(d.Metrics))
	return nil
}

func (d *Dependencies) initPipeline(_ context.Context) error {
	p, err := pipeline.New(d.Tokens, d.Limiter, d.Permissions, d.Audit, pipeline.Config{
		Classes:      d.Routes.Classes,
		DefaultClass: config.DefaultRateLimitClass,
	}, d.Logger, pipeline.WithMetrics(d.Metrics))
	if err != nil {
		return err
	}
	d.Pipeline = p
	return nil
}

// Close gracefully shuts down all dependencies
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	var errs []error

	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close redis: %w", err))
		}
	}

	// Close database connection
	if d.RepoFactory != nil {
		if err := d.RepoFactory.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		} else {
			d.Logger.Info("database connection closed")
		}
	}

	// Sync logger
	if d.Logger != nil {
		_ = d.Logger.Sync()
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during shutdown: %v", errs)
	}

	return nil
}
