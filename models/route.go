package models

import "fmt"

// RateLimitClass is a named token-bucket configuration shared by routes
type RateLimitClass struct {
	Name            string  `json:"name" yaml:"name"`
	Capacity        float64 `json:"capacity" yaml:"capacity"`
	RefillPerSecond float64 `json:"refill_per_second" yaml:"refill_per_second"`
}

// Validate checks that the class describes a usable bucket
func (c RateLimitClass) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("rate limit class name is required")
	}
	if c.Capacity < 1 {
		return fmt.Errorf("rate limit class %q: capacity must be >= 1", c.Name)
	}
	if c.RefillPerSecond <= 0 {
		return fmt.Errorf("rate limit class %q: refill rate must be > 0", c.Name)
	}
	return nil
}

// RoutePolicy declares what a route requires before its handler may run.
// An empty RequiredPermission means any admitted identity may call the route.
type RoutePolicy struct {
	Name               string `json:"name" yaml:"name"`
	Method             string `json:"method" yaml:"method"`
	Pattern            string `json:"pattern" yaml:"pattern"`
	RequiredPermission string `json:"required_permission,omitempty" yaml:"permission"`
	AllowAnonymous     bool   `json:"allow_anonymous" yaml:"anonymous"`
	RateLimitClass     string `json:"rate_limit_class,omitempty" yaml:"rate_limit_class"`
}

// Key returns the identifier used in audit records and metrics
func (r RoutePolicy) Key() string {
	if r.Name != "" {
		return r.Name
	}
	return r.Method + " " + r.Pattern
}
