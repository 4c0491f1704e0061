package rategate

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/parkerroan/rategate/identity"
	"github.com/parkerroan/rategate/tier"
	"golang.org/x/exp/slog"
)

type middlewareConfig struct {
	identity *identity.Resolver
	resource func(*http.Request) string
	tokens   func(*http.Request) int64
	logger   *slog.Logger
}

// MiddlewareOption configures HTTPMiddleware.
type MiddlewareOption func(*middlewareConfig)

// WithIdentityResolver sets how the caller is identified.
// default: identity.NewResolver()
func WithIdentityResolver(r *identity.Resolver) MiddlewareOption {
	return func(c *middlewareConfig) {
		c.identity = r
	}
}

// WithResourceFunc sets how a request maps to a resource name.
// default: RouteResource(nil)
func WithResourceFunc(f func(*http.Request) string) MiddlewareOption {
	return func(c *middlewareConfig) {
		c.resource = f
	}
}

// WithTokensFunc sets how many tokens a request costs.
// default: 1
func WithTokensFunc(f func(*http.Request) int64) MiddlewareOption {
	return func(c *middlewareConfig) {
		c.tokens = f
	}
}

func WithMiddlewareLogger(logger *slog.Logger) MiddlewareOption {
	return func(c *middlewareConfig) {
		c.logger = logger
	}
}

// RouteResource returns a resource mapper that uses, in order, the name of the
// matched gorilla/mux route, the longest matching path prefix in prefixes, and
// finally the raw path.
func RouteResource(prefixes map[string]string) func(*http.Request) string {
	keys := make([]string, 0, len(prefixes))
	for p := range prefixes {
		keys = append(keys, p)
	}
	sort.Slice(keys, func(i, j int) bool { return len(keys[i]) > len(keys[j]) })

	return func(r *http.Request) string {
		if route := mux.CurrentRoute(r); route != nil {
			if name := route.GetName(); name != "" {
				return name
			}
		}
		for _, p := range keys {
			if strings.HasPrefix(r.URL.Path, p) {
				return prefixes[p]
			}
		}
		return r.URL.Path
	}
}

type rejection struct {
	Error      string `json:"error"`
	RetryAfter int64  `json:"retryAfter"`
}

// HTTPMiddleware rate limits requests through g. It works with net/http and mux
// handlers. Allowed responses carry X-RateLimit-* headers; denied requests get
// a 429 with Retry-After and a JSON body. Any evaluation error lets the
// request through.
func HTTPMiddleware(g *Gate, opts ...MiddlewareOption) func(next http.Handler) http.Handler {
	cfg := middlewareConfig{
		identity: identity.NewResolver(),
		resource: RouteResource(nil),
		tokens:   func(*http.Request) int64 { return 1 },
		logger:   g.logger,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			id := cfg.identity.Resolve(r)
			resource := cfg.resource(r)

			if id.Tier != "" {
				cfg.syncTier(g, r, id)
			}

			d, err := g.Evaluate(ctx, id.Identifier, resource, cfg.tokens(r))
			if err != nil {
				level := slog.LevelError
				if errors.Is(err, ErrRuleNotFound) {
					level = slog.LevelDebug
				}
				cfg.logger.Log(ctx, level, "rate limit evaluation failed, allowing request",
					slog.String("identifier", id.Identifier),
					slog.String("resource", resource),
					slog.Any("error", err),
				)
				next.ServeHTTP(w, r)
				return
			}

			writeHeaders(w, d)
			if d.Allowed {
				next.ServeHTTP(w, r)
				return
			}

			retryAfter := d.RetryAfter(g.clock.Now())
			if retryAfter > 0 {
				w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)

			_ = json.NewEncoder(w).Encode(rejection{
				Error:      rejectionMessage(d),
				RetryAfter: retryAfter,
			})
		})
	}
}

// syncTier records the tier reported by the authentication layer when it
// differs from the stored one.
func (cfg *middlewareConfig) syncTier(g *Gate, r *http.Request, id identity.Identity) {
	current, err := g.GetTier(r.Context(), id.Identifier)
	if err == nil && current == id.Tier {
		return
	}
	if err := g.SetTier(r.Context(), id.Identifier, id.Tier); err != nil {
		level := slog.LevelWarn
		if errors.Is(err, tier.ErrUnknownTier) {
			level = slog.LevelDebug
		}
		cfg.logger.Log(r.Context(), level, "could not sync principal tier",
			slog.String("identifier", id.Identifier),
			slog.String("tier", id.Tier),
			slog.Any("error", err),
		)
	}
}

func writeHeaders(w http.ResponseWriter, d Decision) {
	h := w.Header()
	if d.Unlimited() {
		h.Set("X-RateLimit-Limit", "unlimited")
		h.Set("X-RateLimit-Remaining", "unlimited")
		return
	}
	if d.Reason == ReasonFailOpen && d.Limit == 0 {
		// The rule was never resolved; there is nothing meaningful to report.
		return
	}
	h.Set("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
	if !d.ResetAt.IsZero() {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(ceilUnix(d), 10))
	}
}

func ceilUnix(d Decision) int64 {
	sec := d.ResetAt.Unix()
	if d.ResetAt.Nanosecond() > 0 {
		sec++
	}
	return sec
}

func rejectionMessage(d Decision) string {
	switch {
	case d.Reason == ReasonBlacklisted:
		return "access denied"
	case d.Blocked:
		return "temporarily blocked due to repeated limit violations"
	default:
		return "rate limit exceeded"
	}
}
