// ABOUTME: Middleware chains for the gateway router built with justinas/alice
// ABOUTME: Panic recovery, request logging, metrics and optional bearer auth

package gateway

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/justinas/alice"

	"github.com/2389/switchboard/internal/auth"
)

// baseChain applies to every route.
func (g *Gateway) baseChain() alice.Chain {
	chain := alice.New(g.recoverPanics, g.logRequests)
	if g.config.Metrics.Enabled {
		chain = chain.Append(g.metrics.Middleware)
	}
	return chain
}

// apiChain adds bearer auth when a JWT secret is configured. Streaming
// endpoints also accept the token as ?token=.
func (g *Gateway) apiChain(base alice.Chain, streaming bool) alice.Chain {
	if g.verifier == nil {
		return base
	}
	opts := []auth.MiddlewareOption{auth.WithLogger(g.logger)}
	if streaming {
		opts = append(opts, auth.WithQueryToken("token"))
	}
	return base.Append(auth.HTTPAuthMiddleware(g.verifier, opts...))
}

func (g *Gateway) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				g.logger.Error("panic in handler",
					"method", r.Method,
					"path", r.URL.Path,
					"panic", rec,
					"stack", string(debug.Stack()))
				g.sendJSONError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		g.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"elapsed", time.Since(start))
	})
}
