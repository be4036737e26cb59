package config

import (
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/upb/api-gatekeeper/models"
	"gopkg.in/yaml.v3"
)

// DefaultRateLimitClass is the class routes fall back to
const DefaultRateLimitClass = "default"

// RouteTable is the explicit per-route policy table
type RouteTable struct {
	Classes []models.RateLimitClass `yaml:"rate_limit_classes"`
	Routes  []models.RoutePolicy    `yaml:"routes"`
}

var allowedMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodPost:    true,
	http.MethodPut:     true,
	http.MethodPatch:   true,
	http.MethodDelete:  true,
	http.MethodOptions: true,
}

// LoadRouteTable reads the route table at path. An empty path yields an
// empty table. The default class from the rate limit settings is added
// unless the file defines its own.
func LoadRouteTable(path string, rl RateLimitConfig) (*RouteTable, error) {
	table := &RouteTable{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read routes file: %w", err)
		}
		if table, err = ParseRouteTable(data); err != nil {
			return nil, fmt.Errorf("parse routes file %s: %w", path, err)
		}
	}

	if _, ok := table.Class(DefaultRateLimitClass); !ok {
		table.Classes = append(table.Classes, models.RateLimitClass{
			Name:            DefaultRateLimitClass,
			Capacity:        rl.DefaultCapacity,
			RefillPerSecond: rl.DefaultRefillRate,
		})
	}

	if err := table.Validate(); err != nil {
		return nil, err
	}
	return table, nil
}

// ParseRouteTable decodes a YAML route table
func ParseRouteTable(data []byte) (*RouteTable, error) {
	var table RouteTable
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, err
	}
	for i := range table.Routes {
		table.Routes[i].Method = strings.ToUpper(table.Routes[i].Method)
	}
	return &table, nil
}

// Class returns the named rate limit class
func (t *RouteTable) Class(name string) (models.RateLimitClass, bool) {
	for _, c := range t.Classes {
		if c.Name == name {
			return c, true
		}
	}
	return models.RateLimitClass{}, false
}

// Add appends routes, e.g. the built-in endpoints, and revalidates
func (t *RouteTable) Add(routes ...models.RoutePolicy) error {
	t.Routes = append(t.Routes, routes...)
	return t.Validate()
}

// Validate checks classes and routes for consistency
func (t *RouteTable) Validate() error {
	classes := make(map[string]bool, len(t.Classes))
	for _, c := range t.Classes {
		if err := c.Validate(); err != nil {
			return err
		}
		if classes[c.Name] {
			return fmt.Errorf("duplicate rate limit class %q", c.Name)
		}
		classes[c.Name] = true
	}

	names := make(map[string]bool, len(t.Routes))
	bindings := make(map[string]bool, len(t.Routes))
	for _, r := range t.Routes {
		if !allowedMethods[r.Method] {
			return fmt.Errorf("route %q: unsupported method %q", r.Key(), r.Method)
		}
		if !strings.HasPrefix(r.Pattern, "/") {
			return fmt.Errorf("route %q: pattern must start with /", r.Key())
		}
		if r.RateLimitClass != "" && !classes[r.RateLimitClass] {
			return fmt.Errorf("route %q: unknown rate limit class %q", r.Key(), r.RateLimitClass)
		}
		if r.Name != "" {
			if names[r.Name] {
				return fmt.Errorf("duplicate route name %q", r.Name)
			}
			names[r.Name] = true
		}
		binding := r.Method + " " + r.Pattern
		if bindings[binding] {
			return fmt.Errorf("duplicate route binding %q", binding)
		}
		bindings[binding] = true
	}
	return nil
}
