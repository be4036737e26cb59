package token

import (
	"encoding/base64"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/api-gatekeeper/models"
	"github.com/upb/api-gatekeeper/services"
)

var testKey = Key{ID: "k1", Secret: []byte("test-secret-0123456789abcdef0123")}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func newTestService(t *testing.T, clock *fakeClock, opts ...Option) *Service {
	t.Helper()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	svc, err := NewService(Config{Issuer: "api-gatekeeper", ActiveKey: testKey}, opts...)
	require.NoError(t, err)
	return svc
}

// signRaw signs arbitrary claims with the given key, bypassing Issue
func signRaw(t *testing.T, method jwt.SigningMethod, key Key, claims jwt.Claims) string {
	t.Helper()
	tok := jwt.NewWithClaims(method, claims)
	tok.Header["kid"] = key.ID
	raw, err := tok.SignedString(key.Secret)
	require.NoError(t, err)
	return raw
}

func TestNewService(t *testing.T) {
	t.Run("requires active key id", func(t *testing.T) {
		_, err := NewService(Config{ActiveKey: Key{Secret: []byte("x")}})
		assert.ErrorIs(t, err, services.ErrInvalidArgument)
	})

	t.Run("requires active secret", func(t *testing.T) {
		_, err := NewService(Config{ActiveKey: Key{ID: "k1"}})
		assert.ErrorIs(t, err, services.ErrInvalidArgument)
	})

	t.Run("rejects duplicate retired key id", func(t *testing.T) {
		_, err := NewService(Config{
			ActiveKey:   testKey,
			RetiredKeys: []Key{{ID: "k1", Secret: []byte("other")}},
		})
		assert.True(t, services.IsValidationError(err))
	})

	t.Run("caps retired keys", func(t *testing.T) {
		svc, err := NewService(Config{
			ActiveKey:      testKey,
			MaxRetiredKeys: 2,
			RetiredKeys: []Key{
				{ID: "r1", Secret: []byte("a")},
				{ID: "r2", Secret: []byte("b")},
				{ID: "r3", Secret: []byte("c")},
			},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"k1", "r1", "r2"}, svc.KeyIDs())
	})
}

func TestService_Issue(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 400_000_000, time.UTC))
	svc := newTestService(t, clock)

	t.Run("truncates issued-at and rounds expiry up", func(t *testing.T) {
		tok, err := svc.Issue("u1", []string{"viewer"}, 1500*time.Millisecond)
		require.NoError(t, err)

		assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), tok.IssuedAt)
		assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 2, 0, time.UTC), tok.ExpiresAt)
		assert.True(t, tok.ExpiresAt.After(tok.IssuedAt))
		assert.Equal(t, "k1", tok.KeyID)
		assert.NotEmpty(t, tok.ID)
		assert.Len(t, strings.Split(tok.Raw, "."), 3)
	})

	t.Run("sub-second ttl still yields a later expiry", func(t *testing.T) {
		tok, err := svc.Issue("u1", nil, time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, time.Second, tok.TTL())
	})

	t.Run("token ids are unique", func(t *testing.T) {
		a, err := svc.Issue("u1", nil, time.Minute)
		require.NoError(t, err)
		b, err := svc.Issue("u1", nil, time.Minute)
		require.NoError(t, err)
		assert.NotEqual(t, a.ID, b.ID)
	})

	t.Run("invalid arguments", func(t *testing.T) {
		tests := []struct {
			name   string
			userID string
			ttl    time.Duration
		}{
			{"zero ttl", "u1", 0},
			{"negative ttl", "u1", -time.Second},
			{"empty user", "", time.Minute},
			{"reserved anonymous subject", models.AnonymousSubject, time.Minute},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				tok, err := svc.Issue(tt.userID, nil, tt.ttl)
				assert.Nil(t, tok)
				assert.ErrorIs(t, err, services.ErrInvalidArgument)
			})
		}
	})

	t.Run("caller cannot mutate issued roles", func(t *testing.T) {
		roles := []string{"viewer"}
		tok, err := svc.Issue("u1", roles, time.Minute)
		require.NoError(t, err)
		roles[0] = "admin"
		assert.Equal(t, []string{"viewer"}, tok.Roles)
	})
}

func TestService_RoundTrip(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	svc := newTestService(t, clock)

	tok, err := svc.Issue("alice", []string{"viewer", "editor"}, 15*time.Minute)
	require.NoError(t, err)

	id, err := svc.Validate(tok.Raw)
	require.NoError(t, err)
	assert.Equal(t, "alice", id.UserID)
	assert.Equal(t, []string{"viewer", "editor"}, id.Roles)
	assert.Equal(t, tok.ID, id.TokenID)
	assert.True(t, tok.ExpiresAt.Equal(id.ExpiresAt))
}

func TestService_RoundTripSubSecondIssue(t *testing.T) {
	issued := time.Date(2026, 3, 1, 10, 0, 0, 700_000_000, time.UTC)

	tests := []struct {
		name string
		ttl  time.Duration
	}{
		{"one second", time.Second},
		{"one and a half seconds", 1500 * time.Millisecond},
		{"fifteen minutes", 15 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock(issued)
			svc := newTestService(t, clock)

			tok, err := svc.Issue("alice", []string{"viewer"}, tt.ttl)
			require.NoError(t, err)
			assert.False(t, tok.ExpiresAt.Before(issued.Add(tt.ttl)), "expiry %s is earlier than issue+ttl", tok.ExpiresAt)

			for _, at := range []time.Time{issued.Add(tt.ttl / 2), issued.Add(tt.ttl - time.Millisecond)} {
				clock.Set(at)
				id, err := svc.Validate(tok.Raw)
				require.NoError(t, err, "validate at %s", at)
				assert.Equal(t, "alice", id.UserID)
			}
		})
	}
}

func TestService_Expiry(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := newFakeClock(start)
	svc := newTestService(t, clock)

	tok, err := svc.Issue("alice", []string{"viewer"}, 10*time.Second)
	require.NoError(t, err)

	t.Run("valid just before expiry", func(t *testing.T) {
		clock.Set(tok.ExpiresAt.Add(-time.Millisecond))
		_, err := svc.Validate(tok.Raw)
		assert.NoError(t, err)
	})

	t.Run("expired at exactly exp", func(t *testing.T) {
		clock.Set(tok.ExpiresAt)
		_, err := svc.Validate(tok.Raw)
		assert.ErrorIs(t, err, services.ErrTokenExpired)
	})

	t.Run("expired after exp", func(t *testing.T) {
		clock.Set(tok.ExpiresAt.Add(time.Hour))
		_, err := svc.Validate(tok.Raw)
		assert.ErrorIs(t, err, services.ErrTokenExpired)
		assert.NotErrorIs(t, err, services.ErrTokenInvalid)
	})
}

func TestService_Tamper(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	svc := newTestService(t, clock)

	tok, err := svc.Issue("alice", []string{"viewer"}, time.Minute)
	require.NoError(t, err)
	parts := strings.Split(tok.Raw, ".")
	require.Len(t, parts, 3)

	flipSignatureBit := func(t *testing.T) string {
		sig, err := base64.RawURLEncoding.DecodeString(parts[2])
		require.NoError(t, err)
		sig[0] ^= 0x01
		return parts[0] + "." + parts[1] + "." + base64.RawURLEncoding.EncodeToString(sig)
	}

	t.Run("flipped signature bit", func(t *testing.T) {
		_, err := svc.Validate(flipSignatureBit(t))
		assert.ErrorIs(t, err, services.ErrTokenInvalid)
	})

	t.Run("every bit of the last signature character", func(t *testing.T) {
		last := len(tok.Raw) - 1
		for bit := 0; bit < 8; bit++ {
			raw := []byte(tok.Raw)
			raw[last] ^= 1 << bit

			_, err := svc.Validate(string(raw))
			require.Error(t, err, "bit %d (%q) still validates", bit, raw[last])
			assert.True(t, services.IsUnauthenticatedError(err))
			assert.NotErrorIs(t, err, services.ErrTokenExpired)
		}
	})

	t.Run("modified payload", func(t *testing.T) {
		payload := base64.RawURLEncoding.EncodeToString(
			[]byte(`{"sub":"alice","roles":["admin"],"exp":4102444800,"iss":"api-gatekeeper"}`))
		_, err := svc.Validate(parts[0] + "." + payload + "." + parts[2])
		assert.ErrorIs(t, err, services.ErrTokenInvalid)
	})

	t.Run("tampered expired token is invalid, not expired", func(t *testing.T) {
		clock.Set(tok.ExpiresAt.Add(time.Hour))
		defer clock.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

		_, err := svc.Validate(flipSignatureBit(t))
		assert.ErrorIs(t, err, services.ErrTokenInvalid)
		assert.NotErrorIs(t, err, services.ErrTokenExpired)
	})

	t.Run("signed with a different secret", func(t *testing.T) {
		raw := signRaw(t, jwt.SigningMethodHS256, Key{ID: "k1", Secret: []byte("another-secret")}, &Claims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "alice",
				Issuer:    "api-gatekeeper",
				ExpiresAt: jwt.NewNumericDate(clock.Now().Add(time.Minute)),
			},
		})
		_, err := svc.Validate(raw)
		assert.ErrorIs(t, err, services.ErrTokenInvalid)
	})

	t.Run("wrong algorithm", func(t *testing.T) {
		raw := signRaw(t, jwt.SigningMethodHS512, testKey, &Claims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "alice",
				Issuer:    "api-gatekeeper",
				ExpiresAt: jwt.NewNumericDate(clock.Now().Add(time.Minute)),
			},
		})
		_, err := svc.Validate(raw)
		assert.ErrorIs(t, err, services.ErrTokenInvalid)
	})

	t.Run("unknown kid", func(t *testing.T) {
		raw := signRaw(t, jwt.SigningMethodHS256, Key{ID: "nope", Secret: testKey.Secret}, &Claims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "alice",
				Issuer:    "api-gatekeeper",
				ExpiresAt: jwt.NewNumericDate(clock.Now().Add(time.Minute)),
			},
		})
		_, err := svc.Validate(raw)
		assert.ErrorIs(t, err, services.ErrTokenInvalid)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		raw := signRaw(t, jwt.SigningMethodHS256, testKey, &Claims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "alice",
				Issuer:    "someone-else",
				ExpiresAt: jwt.NewNumericDate(clock.Now().Add(time.Minute)),
			},
		})
		_, err := svc.Validate(raw)
		assert.ErrorIs(t, err, services.ErrTokenInvalid)
	})
}

func TestService_Malformed(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	svc := newTestService(t, clock)

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"one segment", "abc"},
		{"two segments", "abc.def"},
		{"four segments", "a.b.c.d"},
		{"bad base64 header", "!!!.e30.c2ln"},
		{"header is not json", base64.RawURLEncoding.EncodeToString([]byte("nope")) + ".e30.c2ln"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := svc.Validate(tt.token)
			assert.Nil(t, id)
			assert.ErrorIs(t, err, services.ErrTokenMalformed)
		})
	}

	t.Run("missing sub", func(t *testing.T) {
		raw := signRaw(t, jwt.SigningMethodHS256, testKey, &Claims{
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    "api-gatekeeper",
				ExpiresAt: jwt.NewNumericDate(clock.Now().Add(time.Minute)),
			},
		})
		_, err := svc.Validate(raw)
		assert.ErrorIs(t, err, services.ErrTokenMalformed)
	})

	t.Run("missing exp", func(t *testing.T) {
		raw := signRaw(t, jwt.SigningMethodHS256, testKey, &Claims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject: "alice",
				Issuer:  "api-gatekeeper",
			},
		})
		_, err := svc.Validate(raw)
		assert.ErrorIs(t, err, services.ErrTokenMalformed)
	})
}

func TestService_Rotation(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	svc := newTestService(t, clock)

	old, err := svc.Issue("alice", []string{"viewer"}, time.Hour)
	require.NoError(t, err)

	require.NoError(t, svc.Rotate(Key{ID: "k2", Secret: []byte("second-secret")}))
	assert.Equal(t, []string{"k2", "k1"}, svc.KeyIDs())

	t.Run("token signed with retired key still validates", func(t *testing.T) {
		_, err := svc.Validate(old.Raw)
		assert.NoError(t, err)
	})

	t.Run("new tokens use the active key", func(t *testing.T) {
		tok, err := svc.Issue("alice", nil, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, "k2", tok.KeyID)
		_, err = svc.Validate(tok.Raw)
		assert.NoError(t, err)
	})

	t.Run("rejects reused key id", func(t *testing.T) {
		err := svc.Rotate(Key{ID: "k1", Secret: []byte("again")})
		assert.ErrorIs(t, err, services.ErrInvalidArgument)
	})

	t.Run("retired key falls off after max rotations", func(t *testing.T) {
		require.NoError(t, svc.Rotate(Key{ID: "k3", Secret: []byte("third")}))
		require.NoError(t, svc.Rotate(Key{ID: "k4", Secret: []byte("fourth")}))
		_, err := svc.Validate(old.Raw)
		require.NoError(t, err)

		require.NoError(t, svc.Rotate(Key{ID: "k5", Secret: []byte("fifth")}))
		assert.Equal(t, []string{"k5", "k4", "k3", "k2"}, svc.KeyIDs())

		_, err = svc.Validate(old.Raw)
		assert.ErrorIs(t, err, services.ErrTokenInvalid)
	})
}

func TestService_Retire(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	svc := newTestService(t, clock)

	old, err := svc.Issue("alice", nil, time.Hour)
	require.NoError(t, err)
	require.NoError(t, svc.Rotate(Key{ID: "k2", Secret: []byte("second-secret")}))

	assert.ErrorIs(t, svc.Retire("k2"), services.ErrInvalidArgument, "active key cannot be retired")
	assert.ErrorIs(t, svc.Retire("missing"), services.ErrInvalidArgument)

	require.NoError(t, svc.Retire("k1"))
	_, err = svc.Validate(old.Raw)
	assert.ErrorIs(t, err, services.ErrTokenInvalid)
}

func TestService_Denylist(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	denylist := NewMemoryDenylist(nil)
	denylist.clock = clock.Now
	svc := newTestService(t, clock, WithDenylist(denylist))

	tok, err := svc.Issue("alice", nil, time.Hour)
	require.NoError(t, err)
	other, err := svc.Issue("alice", nil, time.Hour)
	require.NoError(t, err)

	denylist.Revoke(tok.ID, tok.ExpiresAt)

	_, err = svc.Validate(tok.Raw)
	assert.ErrorIs(t, err, services.ErrTokenInvalid)

	_, err = svc.Validate(other.Raw)
	assert.NoError(t, err)
}

func TestService_ConcurrentValidateDuringRotation(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	svc := newTestService(t, clock)

	tok, err := svc.Issue("alice", nil, time.Hour)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Validate(tok.Raw); err != nil {
				errs <- err
			}
		}()
	}

	// one rotation keeps k1 in the retired set, so every validation must succeed
	require.NoError(t, svc.Rotate(Key{ID: "k2", Secret: []byte("second-secret")}))

	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("unexpected validation error: %v", err)
	}
}
