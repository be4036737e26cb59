package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/api-gatekeeper/models"
)

const routesYAML = `
rate_limit_classes:
  - name: reads
    capacity: 100
    refill_per_second: 10
  - name: writes
    capacity: 5
    refill_per_second: 0.5
routes:
  - name: files.list
    method: get
    pattern: /api/v1/files
    permission: file:read
    rate_limit_class: reads
  - name: files.upload
    method: POST
    pattern: /api/v1/files
    permission: file:write
    rate_limit_class: writes
  - name: status
    method: GET
    pattern: /api/v1/status
    anonymous: true
`

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "routes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadRouteTable(t *testing.T) {
	rl := RateLimitConfig{DefaultCapacity: 60, DefaultRefillRate: 1}

	t.Run("file with classes and routes", func(t *testing.T) {
		table, err := LoadRouteTable(writeFile(t, routesYAML), rl)
		require.NoError(t, err)

		require.Len(t, table.Routes, 3)
		assert.Equal(t, "GET", table.Routes[0].Method, "methods are upper-cased")
		assert.Equal(t, "file:read", table.Routes[0].RequiredPermission)
		assert.True(t, table.Routes[2].AllowAnonymous)

		def, ok := table.Class(DefaultRateLimitClass)
		require.True(t, ok)
		assert.Equal(t, 60.0, def.Capacity)

		writes, ok := table.Class("writes")
		require.True(t, ok)
		assert.Equal(t, 0.5, writes.RefillPerSecond)
	})

	t.Run("file default class wins", func(t *testing.T) {
		table, err := LoadRouteTable(writeFile(t, `
rate_limit_classes:
  - name: default
    capacity: 3
    refill_per_second: 3
`), rl)
		require.NoError(t, err)
		require.Len(t, table.Classes, 1)
		assert.Equal(t, 3.0, table.Classes[0].Capacity)
	})

	t.Run("empty path", func(t *testing.T) {
		table, err := LoadRouteTable("", rl)
		require.NoError(t, err)
		assert.Empty(t, table.Routes)
		_, ok := table.Class(DefaultRateLimitClass)
		assert.True(t, ok)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadRouteTable(filepath.Join(t.TempDir(), "nope.yaml"), rl)
		assert.Error(t, err)
	})

	t.Run("invalid yaml", func(t *testing.T) {
		_, err := LoadRouteTable(writeFile(t, "routes: [unclosed"), rl)
		assert.Error(t, err)
	})
}

func TestRouteTable_Validate(t *testing.T) {
	def := models.RateLimitClass{Name: DefaultRateLimitClass, Capacity: 10, RefillPerSecond: 1}

	tests := []struct {
		name    string
		table   RouteTable
		wantErr string
	}{
		{
			name: "valid",
			table: RouteTable{
				Classes: []models.RateLimitClass{def},
				Routes:  []models.RoutePolicy{{Name: "a", Method: "GET", Pattern: "/a", RateLimitClass: "default"}},
			},
		},
		{
			name: "unknown class",
			table: RouteTable{
				Classes: []models.RateLimitClass{def},
				Routes:  []models.RoutePolicy{{Name: "a", Method: "GET", Pattern: "/a", RateLimitClass: "burst"}},
			},
			wantErr: "unknown rate limit class",
		},
		{
			name:    "bad method",
			table:   RouteTable{Routes: []models.RoutePolicy{{Method: "FETCH", Pattern: "/a"}}},
			wantErr: "unsupported method",
		},
		{
			name:    "relative pattern",
			table:   RouteTable{Routes: []models.RoutePolicy{{Method: "GET", Pattern: "a"}}},
			wantErr: "must start with /",
		},
		{
			name: "duplicate binding",
			table: RouteTable{Routes: []models.RoutePolicy{
				{Name: "a", Method: "GET", Pattern: "/a"},
				{Name: "b", Method: "GET", Pattern: "/a"},
			}},
			wantErr: "duplicate route binding",
		},
		{
			name: "duplicate name",
			table: RouteTable{Routes: []models.RoutePolicy{
				{Name: "a", Method: "GET", Pattern: "/a"},
				{Name: "a", Method: "POST", Pattern: "/a"},
			}},
			wantErr: "duplicate route name",
		},
		{
			name:    "duplicate class",
			table:   RouteTable{Classes: []models.RateLimitClass{def, def}},
			wantErr: "duplicate rate limit class",
		},
		{
			name:    "invalid class",
			table:   RouteTable{Classes: []models.RateLimitClass{{Name: "x", Capacity: 0, RefillPerSecond: 1}}},
			wantErr: "capacity",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.table.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRouteTable_Add(t *testing.T) {
	table := &RouteTable{Routes: []models.RoutePolicy{{Name: "a", Method: "GET", Pattern: "/a"}}}

	require.NoError(t, table.Add(models.RoutePolicy{Name: "b", Method: "GET", Pattern: "/b"}))
	assert.Len(t, table.Routes, 2)

	assert.Error(t, table.Add(models.RoutePolicy{Name: "c", Method: "GET", Pattern: "/a"}))
}
