package gateway

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/ccbridge/gateway/internal/model"
	"github.com/ccbridge/gateway/internal/store"
	"github.com/ccbridge/gateway/pkg/apierr"
)

// askRequest is the intake body for /api/ask and /api/submit.
type askRequest struct {
	Provider    string `json:"provider"`
	Message     string `json:"message"`
	Model       string `json:"model,omitempty"`
	Agent       string `json:"agent,omitempty"`
	Priority    int    `json:"priority,omitempty"`
	BypassCache bool   `json:"bypass_cache,omitempty"`
	Stream      bool   `json:"stream,omitempty"`
}

// requestView is the API shape combining a request with its response.
type requestView struct {
	RequestID   string       `json:"request_id"`
	Provider    string       `json:"provider"`
	Model       string       `json:"model,omitempty"`
	Agent       string       `json:"agent,omitempty"`
	Priority    int          `json:"priority"`
	Status      model.Status `json:"status"`
	Attempts    int          `json:"attempts,omitempty"`
	SubmittedAt time.Time    `json:"submitted_at"`

	Response     string          `json:"response,omitempty"`
	Thinking     string          `json:"thinking,omitempty"`
	Tokens       *tokensView     `json:"tokens,omitempty"`
	LatencyMs    int64           `json:"latency_ms,omitempty"`
	ProviderUsed string          `json:"provider_used,omitempty"`
	Backend      string          `json:"backend,omitempty"`
	Cached       bool            `json:"cached"`
	Error        *apierr.APIError `json:"error,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

type tokensView struct {
	Input  int `json:"input"`
	Output int `json:"output"`
	Total  int `json:"total"`
}

func viewOf(req *model.Request, resp *model.Response) requestView {
	v := requestView{
		RequestID:   req.ID,
		Provider:    req.Provider,
		Model:       req.Model,
		Agent:       req.Agent,
		Priority:    req.Priority,
		Status:      req.Status,
		Attempts:    req.Attempts,
		SubmittedAt: req.SubmittedAt,
	}
	if resp == nil {
		return v
	}

	if v.Status == model.StatusQueued || v.Status == model.StatusProcessing {
		// The caller holds a terminal response the row may not reflect yet.
		v.Status = statusForKind(resp.ErrorKind)
	}
	v.Response = resp.Text
	v.Thinking = resp.Thinking
	v.Tokens = &tokensView{Input: resp.InputTokens, Output: resp.OutputTokens, Total: resp.TotalTokens}
	v.LatencyMs = resp.LatencyMs
	v.ProviderUsed = resp.Provider
	v.Backend = string(resp.Backend)
	v.Cached = resp.Cached
	if resp.ErrorKind != "" {
		v.Error = &apierr.APIError{Code: string(resp.ErrorKind), Message: resp.ErrorMessage}
	}
	if !resp.CompletedAt.IsZero() {
		t := resp.CompletedAt
		v.CompletedAt = &t
	}
	return v
}

// ── Intake handlers ──────────────────────────────────────────────────────────

// handleAsk serves POST /api/ask?wait={bool}&timeout={s}. wait defaults to
// true; with wait the handler blocks until the request is terminal (or the
// wait budget runs out → 504).
func (g *Gateway) handleAsk(ctx *fasthttp.RequestCtx) {
	wait := true
	if v := ctx.QueryArgs().Peek("wait"); len(v) > 0 {
		wait = string(v) == "true" || string(v) == "1"
	}
	g.intake(ctx, wait)
}

// handleSubmit serves POST /api/submit — always asynchronous.
func (g *Gateway) handleSubmit(ctx *fasthttp.RequestCtx) {
	g.intake(ctx, false)
}

func (g *Gateway) intake(ctx *fasthttp.RequestCtx, wait bool) {
	var body askRequest
	if err := json.Unmarshal(ctx.PostBody(), &body); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, string(model.ErrKindValidation),
			"invalid JSON: "+err.Error())
		return
	}
	if body.Provider == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest, string(model.ErrKindValidation),
			"field 'provider' is required")
		return
	}
	if body.Message == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest, string(model.ErrKindValidation),
			"field 'message' is required")
		return
	}

	// Rate-limit gate. Anonymous callers share the global bucket only.
	keyID, keyRPM := apiKeyFrom(ctx)
	if ok, retryIn := g.limiter.Allow(keyID, keyRPM); !ok {
		apierr.WriteRateLimited(ctx, retryIn)
		return
	}

	var timeout time.Duration
	if v := ctx.QueryArgs().GetUintOrZero("timeout"); v > 0 {
		timeout = time.Duration(v) * time.Second
	}

	result, err := g.Submit(ctx, SubmitParams{
		Provider:    body.Provider,
		Prompt:      body.Message,
		Model:       body.Model,
		Agent:       body.Agent,
		Priority:    body.Priority,
		BypassCache: body.BypassCache,
		Stream:      body.Stream,
		APIKeyID:    keyID,
		Timeout:     timeout,
	})
	if err != nil {
		writeSubmitError(ctx, err)
		return
	}

	// Synchronous completion (cache hit).
	if result.Response != nil {
		apierr.WriteData(ctx, fasthttp.StatusOK, viewOf(result.Request, result.Response))
		return
	}

	if !wait {
		apierr.WriteData(ctx, fasthttp.StatusAccepted, map[string]any{
			"request_id": result.Request.ID,
			"status":     model.StatusQueued,
		})
		return
	}

	// Block until terminal. The wait budget is the request deadline plus a
	// small commit margin.
	waitBudget := time.Until(result.Request.Deadline) + 5*time.Second
	select {
	case resp := <-result.Done:
		apierr.WriteData(ctx, fasthttp.StatusOK, viewOf(result.Request, resp))
	case <-time.After(waitBudget):
		apierr.Write(ctx, fasthttp.StatusGatewayTimeout, string(model.ErrKindTimedOut),
			"request did not reach a terminal state within the wait budget")
	case <-ctx.Done():
		// Client went away; the request keeps processing.
	}
}

func writeSubmitError(ctx *fasthttp.RequestCtx, err error) {
	switch {
	case errors.Is(err, ErrQueueFull):
		apierr.Write(ctx, fasthttp.StatusServiceUnavailable, string(model.ErrKindQueueFull),
			"request queue is full")
	case errors.Is(err, ErrUnknownProvider), errors.Is(err, ErrProviderDisabled), errors.Is(err, ErrEmptyPrompt):
		apierr.Write(ctx, fasthttp.StatusBadRequest, string(model.ErrKindValidation), err.Error())
	case errors.Is(err, store.ErrDuplicate):
		apierr.Write(ctx, fasthttp.StatusConflict, string(model.ErrKindValidation), err.Error())
	default:
		apierr.Write(ctx, fasthttp.StatusServiceUnavailable, string(model.ErrKindStorage),
			"storage unavailable")
	}
}

// ── Query handlers ───────────────────────────────────────────────────────────

// handleQuery serves GET /api/query/{id}.
func (g *Gateway) handleQuery(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)

	req, err := g.st.GetRequest(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			apierr.Write(ctx, fasthttp.StatusNotFound, "not_found", "unknown request id")
			return
		}
		apierr.Write(ctx, fasthttp.StatusServiceUnavailable, string(model.ErrKindStorage), "storage unavailable")
		return
	}

	var resp *model.Response
	if req.Status.Terminal() {
		if r, err := g.st.GetResponse(ctx, id); err == nil {
			resp = r
		}
	}
	apierr.WriteData(ctx, fasthttp.StatusOK, viewOf(req, resp))
}

// handleCancel serves DELETE /api/request/{id}.
func (g *Gateway) handleCancel(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)

	err := g.Cancel(ctx, id)
	switch {
	case err == nil:
		apierr.WriteData(ctx, fasthttp.StatusOK, map[string]any{
			"request_id": id,
			"cancelled":  true,
		})
	case errors.Is(err, store.ErrNotFound):
		apierr.Write(ctx, fasthttp.StatusNotFound, "not_found", "unknown request id")
	case errors.Is(err, store.ErrConflict):
		apierr.Write(ctx, fasthttp.StatusConflict, "conflict", "request is already terminal")
	default:
		apierr.Write(ctx, fasthttp.StatusServiceUnavailable, string(model.ErrKindStorage), "storage unavailable")
	}
}

// handleListRequests serves GET /api/requests?status=&provider=&limit=&offset=.
func (g *Gateway) handleListRequests(ctx *fasthttp.RequestCtx) {
	filter := model.RequestFilter{
		Status:   model.Status(ctx.QueryArgs().Peek("status")),
		Provider: string(ctx.QueryArgs().Peek("provider")),
		Limit:    ctx.QueryArgs().GetUintOrZero("limit"),
		Offset:   ctx.QueryArgs().GetUintOrZero("offset"),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		apierr.Write(ctx, fasthttp.StatusBadRequest, string(model.ErrKindValidation),
			"invalid status filter")
		return
	}

	reqs, err := g.st.ListRequests(ctx, filter)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusServiceUnavailable, string(model.ErrKindStorage), "storage unavailable")
		return
	}

	views := make([]requestView, 0, len(reqs))
	for _, req := range reqs {
		views = append(views, viewOf(req, nil))
	}
	apierr.WriteData(ctx, fasthttp.StatusOK, map[string]any{
		"requests": views,
		"count":    len(views),
	})
}

// ── Status / admin handlers ──────────────────────────────────────────────────

// handleStatus serves GET /api/status: roster, runtime state, queue depth.
func (g *Gateway) handleStatus(ctx *fasthttp.RequestCtx) {
	counts, err := g.st.CountByStatus(ctx)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusServiceUnavailable, string(model.ErrKindStorage), "storage unavailable")
		return
	}

	data := map[string]any{
		"uptime_s":    int64(g.Uptime().Seconds()),
		"queue_depth": g.QueueDepth(),
		"requests":    counts,
	}
	if g.monitor != nil {
		data["providers"] = g.monitor.Snapshots()
	}
	if g.cache != nil {
		data["cache"] = g.cache.Stats()
	}
	apierr.WriteData(ctx, fasthttp.StatusOK, data)
}

// handleHealth serves GET /api/health — pure liveness.
func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	apierr.WriteData(ctx, fasthttp.StatusOK, map[string]any{"status": "ok"})
}

// handleProviderToggle serves POST /api/provider/{name}/toggle. An optional
// body {"enabled": bool} sets the state explicitly; no body flips it.
func (g *Gateway) handleProviderToggle(ctx *fasthttp.RequestCtx) {
	name, _ := ctx.UserValue("name").(string)
	if g.monitor == nil {
		apierr.Write(ctx, fasthttp.StatusNotFound, "not_found", "unknown provider")
		return
	}
	if _, ok := g.descriptors[name]; !ok {
		apierr.Write(ctx, fasthttp.StatusNotFound, "not_found", "unknown provider")
		return
	}

	enabled := !g.monitor.Enabled(name)
	if body := ctx.PostBody(); len(body) > 0 {
		var in struct {
			Enabled *bool `json:"enabled"`
		}
		if err := json.Unmarshal(body, &in); err != nil {
			apierr.Write(ctx, fasthttp.StatusBadRequest, string(model.ErrKindValidation),
				"invalid JSON: "+err.Error())
			return
		}
		if in.Enabled != nil {
			enabled = *in.Enabled
		}
	}

	g.monitor.SetEnabled(name, enabled)
	apierr.WriteData(ctx, fasthttp.StatusOK, map[string]any{
		"provider": name,
		"enabled":  enabled,
	})
}

// ── Cache admin ──────────────────────────────────────────────────────────────

func (g *Gateway) handleCacheStats(ctx *fasthttp.RequestCtx) {
	if g.cache == nil {
		apierr.WriteData(ctx, fasthttp.StatusOK, map[string]any{"enabled": false})
		return
	}
	apierr.WriteData(ctx, fasthttp.StatusOK, g.cache.Stats())
}

func (g *Gateway) handleCacheClear(ctx *fasthttp.RequestCtx) {
	var removed int64
	if g.cache != nil {
		removed = g.cache.Clear(ctx)
	}
	apierr.WriteData(ctx, fasthttp.StatusOK, map[string]any{"removed": removed})
}

func (g *Gateway) handleCacheCleanup(ctx *fasthttp.RequestCtx) {
	var removed int64
	if g.cache != nil {
		removed = g.cache.Cleanup(ctx)
	}
	apierr.WriteData(ctx, fasthttp.StatusOK, map[string]any{"removed": removed})
}

// ── API keys ─────────────────────────────────────────────────────────────────

func (g *Gateway) handleKeysList(ctx *fasthttp.RequestCtx) {
	keys, err := g.st.ListAPIKeys(ctx)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusServiceUnavailable, string(model.ErrKindStorage), "storage unavailable")
		return
	}
	apierr.WriteData(ctx, fasthttp.StatusOK, map[string]any{"keys": keys})
}

func (g *Gateway) handleKeysCreate(ctx *fasthttp.RequestCtx) {
	var body struct {
		Name string `json:"name"`
		RPM  int    `json:"rpm,omitempty"`
	}
	if err := json.Unmarshal(ctx.PostBody(), &body); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, string(model.ErrKindValidation),
			"invalid JSON: "+err.Error())
		return
	}
	if body.Name == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest, string(model.ErrKindValidation),
			"field 'name' is required")
		return
	}

	key, secret, err := g.st.CreateAPIKey(ctx, body.Name, body.RPM)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusServiceUnavailable, string(model.ErrKindStorage), "storage unavailable")
		return
	}

	// The plaintext secret is returned exactly once.
	apierr.WriteData(ctx, fasthttp.StatusOK, map[string]any{
		"key":    key,
		"secret": secret,
	})
}

func (g *Gateway) handleKeysDelete(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)
	err := g.st.DeleteAPIKey(ctx, id)
	switch {
	case err == nil:
		apierr.WriteData(ctx, fasthttp.StatusOK, map[string]any{"deleted": id})
	case errors.Is(err, store.ErrNotFound):
		apierr.Write(ctx, fasthttp.StatusNotFound, "not_found", "unknown api key")
	default:
		apierr.Write(ctx, fasthttp.StatusServiceUnavailable, string(model.ErrKindStorage), "storage unavailable")
	}
}

// ── Costs ────────────────────────────────────────────────────────────────────

func (g *Gateway) handleCostsSummary(ctx *fasthttp.RequestCtx) {
	totals, err := g.st.CostSummary(ctx)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusServiceUnavailable, string(model.ErrKindStorage), "storage unavailable")
		return
	}
	apierr.WriteData(ctx, fasthttp.StatusOK, totals)
}

func (g *Gateway) handleCostsByProvider(ctx *fasthttp.RequestCtx) {
	rows, err := g.st.CostByProvider(ctx)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusServiceUnavailable, string(model.ErrKindStorage), "storage unavailable")
		return
	}
	apierr.WriteData(ctx, fasthttp.StatusOK, map[string]any{"providers": rows})
}

func (g *Gateway) handleCostsByDay(ctx *fasthttp.RequestCtx) {
	days := ctx.QueryArgs().GetUintOrZero("days")
	rows, err := g.st.CostByDay(ctx, days)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusServiceUnavailable, string(model.ErrKindStorage), "storage unavailable")
		return
	}
	apierr.WriteData(ctx, fasthttp.StatusOK, map[string]any{"days": rows})
}

// apiKeyFrom reads the authenticated key placed on the request by the auth
// middleware.
func apiKeyFrom(ctx *fasthttp.RequestCtx) (keyID string, rpm int) {
	key, _ := ctx.UserValue("api_key").(*store.APIKey)
	if key == nil {
		return "", 0
	}
	return key.ID, key.RPM
}
