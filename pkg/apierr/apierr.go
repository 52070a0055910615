// Package apierr provides the JSON response envelope and HTTP status mapping
// for the gateway API.
//
// Every response has the shape {success: bool, data?, error?: {code, message}}.
// Error messages never carry secrets, env values, or stack traces.
package apierr

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/ccbridge/gateway/internal/model"
)

type (
	// APIError is the structured error body returned to clients.
	APIError struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}

	envelope struct {
		Success bool      `json:"success"`
		Data    any       `json:"data,omitempty"`
		Error   *APIError `json:"error,omitempty"`
	}
)

// WriteData writes a success envelope with the given HTTP status.
func WriteData(ctx *fasthttp.RequestCtx, status int, data any) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Success: true, Data: data})
	ctx.SetBody(body)
}

// Write writes an error envelope with the given HTTP status and code.
func Write(ctx *fasthttp.RequestCtx, status int, code, message string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Success: false, Error: &APIError{
		Code:    code,
		Message: message,
	}})
	ctx.SetBody(body)
}

// WriteRateLimited writes 429 with a Retry-After computed from wait.
func WriteRateLimited(ctx *fasthttp.RequestCtx, wait time.Duration) {
	secs := int(wait/time.Second) + 1
	if secs < 1 {
		secs = 1
	}
	ctx.Response.Header.Set("Retry-After", strconv.Itoa(secs))
	Write(ctx, fasthttp.StatusTooManyRequests, string(model.ErrKindRateLimited), "rate limit exceeded")
}
