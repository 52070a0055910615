package gateway

import (
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/ccbridge/gateway/internal/model"
	"github.com/ccbridge/gateway/internal/store"
	"github.com/ccbridge/gateway/pkg/apierr"
)

// recovery catches panics in any handler and returns a 500 without crashing
// the server process. The panic value is logged at ERROR level.
func recovery(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("handler panic",
					slog.Any("panic", r),
					slog.String("path", string(ctx.Path())),
					slog.String("method", string(ctx.Method())),
				)
				ctx.ResetBody()
				apierr.Write(ctx, fasthttp.StatusInternalServerError,
					"internal_error", "internal server error")
			}
		}()
		next(ctx)
	}
}

// requestID ensures every request has an X-Request-ID header, generating a
// time-ordered id when the client supplies none.
func requestID(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id := string(ctx.Request.Header.Peek("X-Request-ID"))
		if id == "" {
			id = model.NewID()
		}
		ctx.Response.Header.Set("X-Request-ID", id)
		ctx.SetUserValue("http_request_id", id)
		next(ctx)
	}
}

// timing records the total handler duration in the X-Response-Time header.
func timing(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		next(ctx)
		ctx.Response.Header.Set("X-Response-Time", time.Since(start).String())
	}
}

// securityHeaders adds standard hardening headers to every response.
func securityHeaders(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		next(ctx)
		h := &ctx.Response.Header
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Content-Security-Policy", "default-src 'none'")
		h.Set("Referrer-Policy", "no-referrer")
	}
}

// authenticate resolves the caller's api key when one is presented and
// enforces it when any active key exists. An instance with no keys runs
// open, so a fresh deployment is reachable before its first key is minted.
//
// Liveness and metrics stay unauthenticated for probes and scrapers.
func (g *Gateway) authenticate(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	exempt := map[string]bool{
		"/api/health":  true,
		"/api/metrics": true,
	}

	return func(ctx *fasthttp.RequestCtx) {
		if exempt[string(ctx.Path())] {
			next(ctx)
			return
		}

		secret := bearerToken(ctx)
		if secret == "" {
			secret = string(ctx.Request.Header.Peek("X-API-Key"))
		}

		if secret != "" {
			key, err := g.st.AuthenticateAPIKey(ctx, secret)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					apierr.Write(ctx, fasthttp.StatusUnauthorized, "unauthorized", "invalid api key")
					return
				}
				apierr.Write(ctx, fasthttp.StatusServiceUnavailable,
					string(model.ErrKindStorage), "storage unavailable")
				return
			}
			_ = g.st.TouchAPIKey(ctx, key.ID)
			ctx.SetUserValue("api_key", key)
			next(ctx)
			return
		}

		// No credential presented: allowed only while no active key exists.
		keys, err := g.st.ListAPIKeys(ctx)
		if err == nil {
			for _, k := range keys {
				if k.Status == "active" {
					apierr.Write(ctx, fasthttp.StatusUnauthorized, "unauthorized", "api key required")
					return
				}
			}
		}
		next(ctx)
	}
}

func bearerToken(ctx *fasthttp.RequestCtx) string {
	raw := strings.TrimSpace(string(ctx.Request.Header.Peek("Authorization")))
	if raw == "" {
		return ""
	}
	parts := strings.SplitN(raw, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// applyMiddleware wraps h with the given middleware chain. The first
// middleware becomes the outermost wrapper:
//
//	applyMiddleware(h, mw1, mw2) → mw1(mw2(h))
func applyMiddleware(h fasthttp.RequestHandler, mws ...func(fasthttp.RequestHandler) fasthttp.RequestHandler) fasthttp.RequestHandler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
