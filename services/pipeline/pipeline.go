// Package pipeline gates a request through authentication, rate limiting
// and authorization, in that order, and audits how it ended.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/upb/api-gatekeeper/models"
	"github.com/upb/api-gatekeeper/services"
	"github.com/upb/api-gatekeeper/services/ratelimit"
	"go.uber.org/zap"
)

// Stage names, in execution order
const (
	StageAuthenticate = "authenticate"
	StageRateLimit    = "rate_limit"
	StageAuthorize    = "authorize"
	StageHandler      = "handler"
)

// Authenticator turns a raw token into an identity
type Authenticator interface {
	Validate(raw string) (*models.Identity, error)
}

// Authorizer decides whether roles grant a permission
type Authorizer interface {
	Check(roles []string, required string) bool
}

// Auditor receives exactly one record per request
type Auditor interface {
	Record(rec *models.AuditRecord)
}

// MetricsRecorder receives decision and stage timing metrics
type MetricsRecorder interface {
	RecordDecision(route, outcome, kind string)
	ObserveStage(stage string, d time.Duration)
}

// Handler is the protected operation. It returns the status it produced.
type Handler func(ctx context.Context, identity *models.Identity) (int, error)

type limitKey struct{}

func withLimit(ctx context.Context, dec ratelimit.Decision) context.Context {
	return context.WithValue(ctx, limitKey{}, dec)
}

// LimitFromContext returns the rate limit decision that admitted the request.
// It is set only inside a Handler.
func LimitFromContext(ctx context.Context) (ratelimit.Decision, bool) {
	dec, ok := ctx.Value(limitKey{}).(ratelimit.Decision)
	return dec, ok
}

// Request carries what the pipeline needs from an inbound call
type Request struct {
	Token        string
	TokenPresent bool
	Route        models.RoutePolicy
	Method       string
	RequestID    string
	ClientIP     string
	UserAgent    string
}

// State is the per-request context passed between stages
type State struct {
	Request  Request
	Identity *models.Identity
	Limit    ratelimit.Decision
	Stage    string // last stage entered
}

type stage struct {
	name string
	run  func(p *Pipeline, ctx context.Context, st *State) *Denial
}

// stages is the fixed evaluation order
var stages = []stage{
	{name: StageAuthenticate, run: (*Pipeline).authenticate},
	{name: StageRateLimit, run: (*Pipeline).rateLimit},
	{name: StageAuthorize, run: (*Pipeline).authorize},
}

// Stages returns the stage names in evaluation order
func Stages() []string {
	names := make([]string, len(stages))
	for i, s := range stages {
		names[i] = s.name
	}
	return names
}

// Config holds the rate limit classes routes refer to
type Config struct {
	Classes      []models.RateLimitClass
	DefaultClass string
}

// Pipeline runs the gate stages for each request. It holds no per-request state.
type Pipeline struct {
	tokens       Authenticator
	limiter      ratelimit.RateLimiter
	perms        Authorizer
	auditor      Auditor
	classes      map[string]models.RateLimitClass
	defaultClass models.RateLimitClass
	metrics      MetricsRecorder
	clock        func() time.Time
	logger       *zap.Logger
}

// Option configures a Pipeline
type Option func(*Pipeline)

// WithClock overrides the time source used for latency
func WithClock(clock func() time.Time) Option {
	return func(p *Pipeline) {
		p.clock = clock
	}
}

// WithMetrics sets the metrics recorder
func WithMetrics(m MetricsRecorder) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// New creates a Pipeline
func New(tokens Authenticator, limiter ratelimit.RateLimiter, perms Authorizer, auditor Auditor, cfg Config, logger *zap.Logger, opts ...Option) (*Pipeline, error) {
	if tokens == nil || limiter == nil || perms == nil || auditor == nil {
		return nil, fmt.Errorf("pipeline requires token, rate limit, permission and audit components")
	}

	classes := make(map[string]models.RateLimitClass, len(cfg.Classes))
	for _, c := range cfg.Classes {
		if err := c.Validate(); err != nil {
			return nil, err
		}
		classes[c.Name] = c
	}
	def, ok := classes[cfg.DefaultClass]
	if !ok {
		return nil, fmt.Errorf("default rate limit class %q is not defined", cfg.DefaultClass)
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pipeline{
		tokens:       tokens,
		limiter:      limiter,
		perms:        perms,
		auditor:      auditor,
		classes:      classes,
		defaultClass: def,
		clock:        time.Now,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Evaluate runs the stages in order and stops at the first denial
func (p *Pipeline) Evaluate(ctx context.Context, req Request) (d Decision, st *State) {
	st = &State{Request: req}

	defer func() {
		if r := recover(); r != nil {
			d = p.deny(st, &Denial{
				Kind:   KindInternal,
				Reason: ReasonInternal,
				Err:    fmt.Errorf("panic in stage %s: %v", st.Stage, r),
			})
		}
	}()

	for _, s := range stages {
		if err := ctx.Err(); err != nil {
			return p.deny(st, &Denial{Kind: KindCanceled, Reason: ReasonCanceled, Err: err}), st
		}

		st.Stage = s.name
		start := p.clock()
		denial := s.run(p, ctx, st)
		if p.metrics != nil {
			p.metrics.ObserveStage(s.name, p.clock().Sub(start))
		}
		if denial != nil {
			return p.deny(st, denial), st
		}
	}

	return Allow(st.Identity, st.Limit.Remaining), st
}

// Run evaluates req, invokes handler if allowed, and records one audit record
func (p *Pipeline) Run(ctx context.Context, req Request, handler Handler) (d Decision) {
	start := p.clock()
	rec := models.NewAuditRecord(start, req.Route.Key(), req.Method).
		WithRequest(req.RequestID, req.ClientIP, req.UserAgent)

	var st *State
	defer func() {
		p.audit(rec, d, st, start)
	}()

	d, st = p.Evaluate(ctx, req)
	if !d.Allowed {
		return d
	}

	st.Stage = StageHandler
	d.Status, d.HandlerErr = p.invoke(withLimit(ctx, st.Limit), st.Identity, handler)
	if d.HandlerErr != nil {
		p.logger.Error("handler failed",
			zap.String("request_id", req.RequestID),
			zap.String("route", req.Route.Key()),
			zap.Error(d.HandlerErr))
	}
	return d
}

func (p *Pipeline) invoke(ctx context.Context, identity *models.Identity, handler Handler) (status int, err error) {
	defer func() {
		if r := recover(); r != nil {
			status = http.StatusInternalServerError
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, identity)
}

func (p *Pipeline) audit(rec *models.AuditRecord, d Decision, st *State, start time.Time) {
	if st != nil {
		rec.Stage = st.Stage
		if !st.Identity.IsAnonymous() {
			rec.WithSubject(st.Identity.UserID)
		}
	}

	if d.Allowed {
		status := d.Status
		if d.HandlerErr != nil || status >= http.StatusInternalServerError {
			status = http.StatusInternalServerError
			rec.Reason = ReasonHandlerFailed
		}
		if status == 0 {
			status = http.StatusOK
		}
		rec.Allow(status)
	} else {
		rec.Deny(string(d.Kind), d.Reason, d.Kind.StatusCode())
	}
	rec.Latency = p.clock().Sub(start)

	p.auditor.Record(rec)
	if p.metrics != nil {
		p.metrics.RecordDecision(rec.Route, string(d.Outcome()), string(d.Kind))
	}
}

func (p *Pipeline) deny(st *State, denial *Denial) Decision {
	if denial.Kind == KindInternal {
		p.logger.Error("pipeline stage failed",
			zap.String("stage", st.Stage),
			zap.String("request_id", st.Request.RequestID),
			zap.String("route", st.Request.Route.Key()),
			zap.Error(denial.Err))
	} else {
		p.logger.Debug("request denied",
			zap.String("stage", st.Stage),
			zap.String("kind", string(denial.Kind)),
			zap.String("reason", denial.Reason),
			zap.String("request_id", st.Request.RequestID),
			zap.String("route", st.Request.Route.Key()),
			zap.Error(denial.Err))
	}
	return Deny(denial, st.Identity)
}

func (p *Pipeline) authenticate(_ context.Context, st *State) *Denial {
	req := st.Request
	if !req.TokenPresent && req.Token == "" {
		if req.Route.AllowAnonymous {
			st.Identity = models.AnonymousIdentity()
			return nil
		}
		return &Denial{Kind: KindUnauthenticated, Reason: ReasonTokenMissing, Err: services.ErrTokenMissing}
	}

	identity, err := p.tokens.Validate(req.Token)
	if err != nil {
		return authDenial(err)
	}
	st.Identity = identity
	return nil
}

// authDenial keeps the specific token failure as the audit reason
func authDenial(err error) *Denial {
	switch {
	case errors.Is(err, services.ErrTokenExpired):
		return &Denial{Kind: KindUnauthenticated, Reason: ReasonTokenExpired, Err: err}
	case errors.Is(err, services.ErrTokenMalformed):
		return &Denial{Kind: KindUnauthenticated, Reason: ReasonTokenMalformed, Err: err}
	case services.IsUnauthenticatedError(err):
		return &Denial{Kind: KindUnauthenticated, Reason: ReasonTokenInvalid, Err: err}
	default:
		return &Denial{Kind: KindInternal, Reason: ReasonInternal, Err: err}
	}
}

func (p *Pipeline) rateLimit(ctx context.Context, st *State) *Denial {
	class := p.classFor(st.Request.Route)

	dec, err := p.limiter.Admit(ctx, RateLimitKey(st.Identity, st.Request.ClientIP, class.Name), ratelimit.LimitFromClass(class))
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return &Denial{Kind: KindCanceled, Reason: ReasonCanceled, Err: err}
		}
		return &Denial{Kind: KindInternal, Reason: ReasonInternal, Err: err}
	}

	st.Limit = dec
	if !dec.Allowed {
		return &Denial{
			Kind:       KindRateLimited,
			Reason:     ReasonRateLimited,
			RetryAfter: dec.RetryAfter,
			Err:        services.Wrap(services.ErrRateLimited, fmt.Errorf("class %s, retry after %s", class.Name, dec.RetryAfter)),
		}
	}
	return nil
}

func (p *Pipeline) authorize(_ context.Context, st *State) *Denial {
	required := st.Request.Route.RequiredPermission
	if required == "" {
		return nil
	}
	if !p.perms.Check(st.Identity.Roles, required) {
		return &Denial{
			Kind:   KindForbidden,
			Reason: ReasonPermissionDenied,
			Err:    services.Wrap(services.ErrPermissionDenied, fmt.Errorf("roles %v lack %q", st.Identity.Roles, required)),
		}
	}
	return nil
}

func (p *Pipeline) classFor(route models.RoutePolicy) models.RateLimitClass {
	if c, ok := p.classes[route.RateLimitClass]; ok {
		return c
	}
	return p.defaultClass
}

// RateLimitKey builds the bucket key: user:<id>|route:<class> for
// authenticated callers, ip:<ip>|route:<class> for anonymous ones
func RateLimitKey(identity *models.Identity, clientIP, class string) string {
	if identity.IsAnonymous() {
		return "ip:" + clientIP + "|route:" + class
	}
	return "user:" + identity.UserID + "|route:" + class
}
