package token

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/upb/api-gatekeeper/models"
	"github.com/upb/api-gatekeeper/services"
	"go.uber.org/zap"
)

// DefaultMaxRetiredKeys bounds how many previous secrets still validate after rotation
const DefaultMaxRetiredKeys = 3

// Key is a named HMAC secret
type Key struct {
	ID     string
	Secret []byte
}

// Claims represents the claims carried by an issued token
type Claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles"`
}

// Config holds configuration for the token Service
type Config struct {
	Issuer         string
	ActiveKey      Key
	RetiredKeys    []Key
	MaxRetiredKeys int
}

// Denylist reports revoked token IDs. Tokens are stateless unless one is configured.
type Denylist interface {
	IsRevoked(tokenID string) bool
}

// keyring is immutable once published; rotation swaps the whole value
type keyring struct {
	active  Key
	retired []Key
}

func (k *keyring) lookup(kid string) ([]byte, bool) {
	if k.active.ID == kid {
		return k.active.Secret, true
	}
	for _, r := range k.retired {
		if r.ID == kid {
			return r.Secret, true
		}
	}
	return nil, false
}

func (k *keyring) has(kid string) bool {
	_, ok := k.lookup(kid)
	return ok
}

// Service issues and validates HS256 tokens
type Service struct {
	keys       atomic.Pointer[keyring]
	rotateMu   sync.Mutex
	issuer     string
	maxRetired int
	clock      func() time.Time
	denylist   Denylist
	logger     *zap.Logger
}

// Option configures a Service
type Option func(*Service)

// WithClock overrides the time source used for issuing and expiry checks
func WithClock(clock func() time.Time) Option {
	return func(s *Service) {
		s.clock = clock
	}
}

// WithDenylist enables revocation checks on Validate
func WithDenylist(d Denylist) Option {
	return func(s *Service) {
		s.denylist = d
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// NewService creates a new token Service
func NewService(cfg Config, opts ...Option) (*Service, error) {
	if err := validateKey(cfg.ActiveKey); err != nil {
		return nil, err
	}

	s := &Service{
		issuer:     cfg.Issuer,
		maxRetired: cfg.MaxRetiredKeys,
		clock:      time.Now,
		logger:     zap.NewNop(),
	}
	if s.maxRetired <= 0 {
		s.maxRetired = DefaultMaxRetiredKeys
	}
	for _, opt := range opts {
		opt(s)
	}

	ring := &keyring{active: cfg.ActiveKey}
	for _, k := range cfg.RetiredKeys {
		if err := validateKey(k); err != nil {
			return nil, err
		}
		if ring.has(k.ID) {
			return nil, services.NewDomainError(services.ErrorTypeValidation, "duplicate key id", nil).
				WithDetail("kid", k.ID)
		}
		ring.retired = append(ring.retired, k)
	}
	if len(ring.retired) > s.maxRetired {
		ring.retired = ring.retired[:s.maxRetired]
	}
	s.keys.Store(ring)

	return s, nil
}

// Issue signs a token for the user carrying the given roles
func (s *Service) Issue(userID string, roles []string, ttl time.Duration) (*models.Token, error) {
	if userID == "" {
		return nil, services.Wrap(services.ErrInvalidArgument, errors.New("user id is required"))
	}
	if userID == models.AnonymousSubject {
		return nil, services.Wrap(services.ErrInvalidArgument, fmt.Errorf("user id %q is reserved", userID))
	}
	if ttl <= 0 {
		return nil, services.Wrap(services.ErrInvalidArgument, fmt.Errorf("ttl must be positive, got %s", ttl))
	}

	now := s.clock()
	issuedAt := now.Truncate(time.Second)
	// NumericDate has second resolution; exp is rounded up from the untruncated
	// clock so the token lives at least ttl
	expiresAt := now.Add(ttl)
	if rounded := expiresAt.Truncate(time.Second); rounded.Before(expiresAt) {
		expiresAt = rounded.Add(time.Second)
	}

	ring := s.keys.Load()
	tokenID := uuid.NewString()
	roleCopy := append([]string(nil), roles...)

	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tokenID,
			Issuer:    s.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Roles: roleCopy,
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tok.Header["kid"] = ring.active.ID

	raw, err := tok.SignedString(ring.active.Secret)
	if err != nil {
		return nil, services.WrapInternal("failed to sign token", err)
	}

	return &models.Token{
		Raw:       raw,
		ID:        tokenID,
		Subject:   userID,
		Roles:     roleCopy,
		IssuedAt:  issuedAt,
		ExpiresAt: expiresAt,
		KeyID:     ring.active.ID,
	}, nil
}

// Validate verifies the token signature, then its expiry, and returns the identity it carries.
// A token is valid iff its signature verifies under a current key and now < exp.
func (s *Service) Validate(tokenString string) (*models.Identity, error) {
	ring := s.keys.Load()

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.clock),
		jwt.WithExpirationRequired(),
		jwt.WithStrictDecoding(),
	}
	if s.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(s.issuer))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, errors.New("kid header not found")
		}
		secret, ok := ring.lookup(kid)
		if !ok {
			return nil, fmt.Errorf("unknown key id %q", kid)
		}
		return secret, nil
	}, parserOpts...)
	if err != nil {
		return nil, classify(err)
	}

	if claims.Subject == "" {
		return nil, services.Wrap(services.ErrTokenMalformed, errors.New("sub claim missing"))
	}

	if s.denylist != nil && claims.ID != "" && s.denylist.IsRevoked(claims.ID) {
		s.logger.Debug("rejected revoked token", zap.String("jti", claims.ID))
		return nil, services.Wrap(services.ErrTokenInvalid, errors.New("token revoked"))
	}

	return &models.Identity{
		UserID:    claims.Subject,
		Roles:     claims.Roles,
		TokenID:   claims.ID,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// classify maps parser errors onto the three token failure kinds
func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed),
		errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return services.Wrap(services.ErrTokenMalformed, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid),
		errors.Is(err, jwt.ErrTokenUnverifiable):
		return services.Wrap(services.ErrTokenInvalid, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return services.Wrap(services.ErrTokenExpired, err)
	default:
		return services.Wrap(services.ErrTokenInvalid, err)
	}
}

// Rotate makes key the active signing key. The previous active key keeps
// validating as a retired key until it falls off the retired list.
func (s *Service) Rotate(key Key) error {
	if err := validateKey(key); err != nil {
		return err
	}

	s.rotateMu.Lock()
	defer s.rotateMu.Unlock()

	current := s.keys.Load()
	if current.has(key.ID) {
		return services.Wrap(services.ErrInvalidArgument, fmt.Errorf("key id %q already in use", key.ID))
	}

	retired := make([]Key, 0, s.maxRetired)
	retired = append(retired, current.active)
	retired = append(retired, current.retired...)
	if len(retired) > s.maxRetired {
		retired = retired[:s.maxRetired]
	}

	s.keys.Store(&keyring{active: key, retired: retired})
	s.logger.Info("rotated token signing key",
		zap.String("active_kid", key.ID),
		zap.String("retired_kid", current.active.ID),
		zap.Int("retired_count", len(retired)))

	return nil
}

// Retire stops accepting tokens signed with a retired key
func (s *Service) Retire(keyID string) error {
	s.rotateMu.Lock()
	defer s.rotateMu.Unlock()

	current := s.keys.Load()
	if current.active.ID == keyID {
		return services.Wrap(services.ErrInvalidArgument, errors.New("cannot retire the active key"))
	}

	retired := make([]Key, 0, len(current.retired))
	for _, k := range current.retired {
		if k.ID != keyID {
			retired = append(retired, k)
		}
	}
	if len(retired) == len(current.retired) {
		return services.Wrap(services.ErrInvalidArgument, fmt.Errorf("unknown key id %q", keyID))
	}

	s.keys.Store(&keyring{active: current.active, retired: retired})
	s.logger.Info("retired token signing key", zap.String("kid", keyID))

	return nil
}

// KeyIDs returns the active key id followed by the retired ones
func (s *Service) KeyIDs() []string {
	ring := s.keys.Load()
	ids := []string{ring.active.ID}
	for _, k := range ring.retired {
		ids = append(ids, k.ID)
	}
	return ids
}

func validateKey(k Key) error {
	if k.ID == "" {
		return services.Wrap(services.ErrInvalidArgument, errors.New("key id is required"))
	}
	if len(k.Secret) == 0 {
		return services.Wrap(services.ErrInvalidArgument, fmt.Errorf("secret for key %q is empty", k.ID))
	}
	return nil
}
