package handlers

import (
	"errors"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/upb/api-gatekeeper/middleware"
	"github.com/upb/api-gatekeeper/models"
	"github.com/upb/api-gatekeeper/services/pipeline"
	"github.com/upb/api-gatekeeper/utils"
	"go.uber.org/zap"
)

// Headers set on forwarded requests so the upstream can trust the gate's verdict
const (
	HeaderUserID    = "X-Gatekeeper-User"
	HeaderRoles     = "X-Gatekeeper-Roles"
	HeaderRequestID = "X-Request-ID"
)

// NewUpstreamHandler forwards admitted requests to target.
// The caller's credentials are stripped and replaced by identity headers.
func NewUpstreamHandler(target *url.URL, timeout time.Duration, logger *zap.Logger) http.Handler {
	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.Transport = &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		ResponseHeaderTimeout: timeout,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConnsPerHost:   32,
	}

	director := proxy.Director
	proxy.Director = func(r *http.Request) {
		director(r)
		r.Header.Del("Authorization")
		r.Header.Del(HeaderUserID)
		r.Header.Del(HeaderRoles)
		removeCookie(r, AuthCookieName)

		if identity := middleware.GetIdentityFromContext(r.Context()); identity != nil && !identity.IsAnonymous() {
			r.Header.Set(HeaderUserID, identity.UserID)
			for _, role := range identity.Roles {
				r.Header.Add(HeaderRoles, role)
			}
		}
		if id := middleware.GetRequestIDFromContext(r.Context()); id != "" {
			r.Header.Set(HeaderRequestID, id)
		}
	}

	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		if ctxErr := r.Context().Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			w.WriteHeader(pipeline.StatusClientClosedRequest)
			return
		}
		logger.Error("upstream request failed",
			zap.String("request_id", middleware.GetRequestIDFromContext(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		_ = utils.WriteJSON(w, http.StatusBadGateway, utils.ErrorResponse{
			Error:   "bad_gateway",
			Message: "Upstream unavailable",
		})
	}

	return proxy
}

func removeCookie(r *http.Request, name string) {
	cookies := r.Cookies()
	if len(cookies) == 0 {
		return
	}
	r.Header.Del("Cookie")
	for _, c := range cookies {
		if c.Name != name {
			r.AddCookie(c)
		}
	}
}

// EchoResponse is returned by the built-in handler when no upstream is configured
type EchoResponse struct {
	Route    string           `json:"route"`
	Method   string           `json:"method"`
	Path     string           `json:"path"`
	Identity *models.Identity `json:"identity"`
}

// EchoHandler reports the admitted identity and route instead of forwarding
func EchoHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := EchoResponse{
			Method:   r.Method,
			Path:     r.URL.Path,
			Identity: middleware.GetIdentityFromContext(r.Context()),
		}
		if route, ok := middleware.GetRouteFromContext(r.Context()); ok {
			resp.Route = route.Name
		}
		_ = utils.WriteOK(w, resp)
	}
}
