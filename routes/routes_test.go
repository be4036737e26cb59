package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/api-gatekeeper/app"
	"github.com/upb/api-gatekeeper/config"
	"github.com/upb/api-gatekeeper/services"
	"github.com/upb/api-gatekeeper/utils"
	"go.uber.org/zap"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func testConfig(t *testing.T, routesYAML string) *config.Config {
	t.Helper()
	dir := t.TempDir()

	hash, err := services.HashPassword("correct-horse")
	require.NoError(t, err)

	return &config.Config{
		Environment: "test",
		Observability: config.ObservabilityConfig{
			MetricsEnabled: true,
		},
		Token: config.TokenConfig{
			Secret: "0123456789abcdef0123456789abcdef",
			KeyID:  "primary",
			TTL:    15 * time.Minute,
			Issuer: "api-gatekeeper",
		},
		RateLimit: config.RateLimitConfig{
			DefaultCapacity:    3,
			DefaultRefillRate:  0.01,
			BucketIdleTTL:      time.Minute,
			SweepInterval:      time.Minute,
			Backend:            config.BackendMemory,
			LoginRequestsPerIP: 5,
		},
		Permissions: config.PermissionsConfig{
			Source: config.SourceFile,
			File: writeFile(t, dir, "roles.yaml", `
roles:
  viewer: [file:read]
  admin: [file:read, permission:refresh, ratelimit:read]
`),
			RefreshInterval: time.Minute,
		},
		Users: config.UsersConfig{
			Source: config.SourceFile,
			File: writeFile(t, dir, "users.yaml", `
users:
  - username: alice
    password_hash: "`+hash+`"
    roles: [viewer]
  - username: root
    password_hash: "`+hash+`"
    roles: [admin]
`),
		},
		Routes: config.RoutesConfig{File: writeFile(t, dir, "routes.yaml", routesYAML)},
		Audit: config.AuditConfig{
			Sink:          config.SinkLog,
			BufferSize:    64,
			WorkerCount:   1,
			InsertTimeout: time.Second,
		},
	}
}

const filesRoutes = `
routes:
  - name: files.list
    method: GET
    pattern: /files
    permission: file:read
  - name: files.delete
    method: DELETE
    pattern: /files/{id}
    permission: file:delete
  - name: status
    method: GET
    pattern: /status
    anonymous: true
`

func newServer(t *testing.T, cfg *config.Config) (*httptest.Server, *app.Dependencies) {
	t.Helper()
	ctx := context.Background()

	deps, err := app.NewDependencies(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, deps.Audit.Start())
	t.Cleanup(func() {
		_ = deps.Audit.Stop(time.Second)
		_ = deps.Close(ctx)
	})

	handler, err := SetupRoutes(deps)
	require.NoError(t, err)

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, deps
}

func login(t *testing.T, srv *httptest.Server, username string) string {
	t.Helper()
	resp, err := http.Post(srv.URL+LoginPath, "application/json",
		strings.NewReader(`{"username":"`+username+`","password":"correct-horse"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Data struct {
			AccessToken string `json:"access_token"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotEmpty(t, body.Data.AccessToken)
	return body.Data.AccessToken
}

func do(t *testing.T, method, url, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestSetupRoutes(t *testing.T) {
	cfg := testConfig(t, filesRoutes)
	cfg.RateLimit.DefaultCapacity = 50
	srv, _ := newServer(t, cfg)

	viewer := login(t, srv, "alice")
	admin := login(t, srv, "root")

	t.Run("configured route admits viewer through echo handler", func(t *testing.T) {
		resp := do(t, http.MethodGet, srv.URL+"/files", viewer)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.NotEmpty(t, resp.Header.Get("X-RateLimit-Remaining"))
		assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	})

	t.Run("missing permission is 403", func(t *testing.T) {
		resp := do(t, http.MethodDelete, srv.URL+"/files/7", viewer)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("no token is 401", func(t *testing.T) {
		resp := do(t, http.MethodGet, srv.URL+"/files", "")
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("anonymous route needs no token", func(t *testing.T) {
		resp := do(t, http.MethodGet, srv.URL+"/status", "")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("me lists resolved permissions", func(t *testing.T) {
		resp := do(t, http.MethodGet, srv.URL+MeRoute.Pattern, admin)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var body struct {
			Data struct {
				Permissions []string `json:"permissions"`
			} `json:"data"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, []string{"file:read", "permission:refresh", "ratelimit:read"}, body.Data.Permissions)
	})

	t.Run("admin endpoints require permission", func(t *testing.T) {
		assert.Equal(t, http.StatusForbidden, do(t, http.MethodGet, srv.URL+RateLimitStatsRoute.Pattern, viewer).StatusCode)
		assert.Equal(t, http.StatusOK, do(t, http.MethodGet, srv.URL+RateLimitStatsRoute.Pattern, admin).StatusCode)
		assert.Equal(t, http.StatusOK, do(t, http.MethodPost, srv.URL+RefreshPermissionsRoute.Pattern, admin).StatusCode)
	})

	t.Run("audit endpoints absent with log sink", func(t *testing.T) {
		resp := do(t, http.MethodGet, srv.URL+ListAuditRoute.Pattern, admin)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("unmatched path is 404", func(t *testing.T) {
		resp := do(t, http.MethodGet, srv.URL+"/nope", viewer)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("health and metrics", func(t *testing.T) {
		assert.Equal(t, http.StatusOK, do(t, http.MethodGet, srv.URL+"/healthz", "").StatusCode)
		assert.Equal(t, http.StatusOK, do(t, http.MethodGet, srv.URL+"/readyz", "").StatusCode)

		resp := do(t, http.MethodGet, srv.URL+"/metrics", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var sb bytes.Buffer
		_, err := sb.ReadFrom(resp.Body)
		require.NoError(t, err)
		assert.Contains(t, sb.String(), "gatekeeper_decisions_total")
		assert.Contains(t, sb.String(), "gatekeeper_ratelimit_buckets")
	})
}

func TestSetupRoutes_RateLimit(t *testing.T) {
	srv, _ := newServer(t, testConfig(t, filesRoutes))
	viewer := login(t, srv, "alice")

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, do(t, http.MethodGet, srv.URL+"/files", viewer).StatusCode, "request %d", i)
	}

	resp := do(t, http.MethodGet, srv.URL+"/files", viewer)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestSetupRoutes_LoginLimitedPerIP(t *testing.T) {
	cfg := testConfig(t, filesRoutes)
	cfg.RateLimit.LoginRequestsPerIP = 2
	srv, _ := newServer(t, cfg)

	attempt := func(t *testing.T, clientIP string) *http.Response {
		t.Helper()
		req, err := http.NewRequest(http.MethodPost, srv.URL+LoginPath,
			strings.NewReader(`{"username":"alice","password":"wrong-password"}`))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		if clientIP != "" {
			req.Header.Set("X-Real-IP", clientIP)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	statuses := make([]int, 0, 3)
	var last *http.Response
	for i := 0; i < 3; i++ {
		last = attempt(t, "198.51.100.7")
		statuses = append(statuses, last.StatusCode)
	}
	assert.Equal(t, []int{http.StatusUnauthorized, http.StatusUnauthorized, http.StatusTooManyRequests}, statuses)

	var body utils.ErrorResponse
	require.NoError(t, json.NewDecoder(last.Body).Decode(&body))
	assert.Equal(t, "rate_limit_exceeded", body.Error)
	assert.Equal(t, "Too many login attempts", body.Message)

	t.Run("other clients keep their own budget", func(t *testing.T) {
		assert.Equal(t, http.StatusUnauthorized, attempt(t, "198.51.100.8").StatusCode)
	})
}

func TestSetupRoutes_Upstream(t *testing.T) {
	var gotUser string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser = r.Header.Get("X-Gatekeeper-User")
		w.WriteHeader(http.StatusTeapot)
	}))
	defer upstream.Close()

	cfg := testConfig(t, filesRoutes)
	cfg.Upstream = config.UpstreamConfig{URL: upstream.URL, Timeout: time.Second}
	srv, deps := newServer(t, cfg)

	viewer := login(t, srv, "alice")
	resp := do(t, http.MethodGet, srv.URL+"/files", viewer)

	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
	assert.NotEmpty(t, gotUser)

	assert.Eventually(t, func() bool {
		return deps.Audit.GetStats().Recorded >= 1
	}, time.Second, 10*time.Millisecond)
}

func TestSetupRoutes_BuiltinConflict(t *testing.T) {
	cfg := testConfig(t, `
routes:
  - name: shadow
    method: GET
    pattern: /api/v1/auth/me
`)
	deps, err := app.NewDependencies(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer deps.Close(context.Background())

	_, err = SetupRoutes(deps)
	assert.Error(t, err)
}
