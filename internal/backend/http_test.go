package backend

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ccbridge/gateway/internal/config"
	"github.com/ccbridge/gateway/internal/model"
)

// newHTTPBackend points an openai-dialect backend at a test server.
func newHTTPBackend(t *testing.T, srv *httptest.Server) *HTTPBackend {
	t.Helper()
	p := &config.Provider{
		Name:        "stub",
		BackendType: "http_api",
		Dialect:     "openai",
		APIBaseURL:  srv.URL,
		Model:       "stub-model",
		TimeoutS:    5,
		CostPer1K:   0.01,
	}
	b, err := NewHTTP(p)
	if err != nil {
		t.Fatalf("NewHTTP: %v", err)
	}
	return b
}

func execute(t *testing.T, b *HTTPBackend) *Result {
	t.Helper()
	return b.Execute(context.Background(), &model.Request{ID: "r1", Prompt: "hello"})
}

func TestHTTPSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Write([]byte(`{"choices":[{"message":{"content":"hi"}}],"usage":{"prompt_tokens":3,"completion_tokens":1}}`))
	}))
	defer srv.Close()

	res := execute(t, newHTTPBackend(t, srv))
	if res.Status != StatusSuccess {
		t.Fatalf("status = %s (%s)", res.Status, res.Message)
	}
	if res.Text != "hi" || res.InputTokens != 3 || res.OutputTokens != 1 {
		t.Errorf("result = %+v", res)
	}
	if res.CostUSD == 0 {
		t.Error("cost should be estimated from cost_per_1k")
	}
}

func TestHTTPSuccessEstimatesMissingTokens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[{"message":{"content":"a longer response body"}}]}`))
	}))
	defer srv.Close()

	res := execute(t, newHTTPBackend(t, srv))
	if res.Status != StatusSuccess {
		t.Fatalf("status = %s", res.Status)
	}
	if res.InputTokens == 0 || res.OutputTokens == 0 {
		t.Errorf("tokens must be estimated when usage is absent: %+v", res)
	}
}

func TestHTTPStatusClassification(t *testing.T) {
	cases := []struct {
		code int
		want Status
	}{
		{401, StatusAuth},
		{403, StatusAuth},
		{429, StatusRateLimit},
		{500, StatusTransient},
		{502, StatusTransient},
		{404, StatusPermanent},
		{422, StatusPermanent},
	}
	for _, c := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(c.code)
		}))
		res := execute(t, newHTTPBackend(t, srv))
		srv.Close()
		if res.Status != c.want {
			t.Errorf("code %d → %s, want %s", c.code, res.Status, c.want)
		}
	}
}

func TestHTTPRetryAfterHonored(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	res := execute(t, newHTTPBackend(t, srv))
	if res.Status != StatusRateLimit {
		t.Fatalf("status = %s", res.Status)
	}
	if res.RetryAfter != 7*time.Second {
		t.Errorf("retry after = %v, want 7s", res.RetryAfter)
	}
}

func TestHTTPNetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	b := newHTTPBackend(t, srv)
	srv.Close() // connection refused from here on

	res := execute(t, b)
	if res.Status != StatusTransient {
		t.Errorf("status = %s, want transient_error", res.Status)
	}
}

func TestHTTPHonorsContextCancel(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	b := newHTTPBackend(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	res := b.Execute(ctx, &model.Request{ID: "r1", Prompt: "hello"})
	if time.Since(start) > time.Second {
		t.Error("Execute did not honor ctx deadline")
	}
	if res.Status != StatusTransient {
		t.Errorf("status = %s, want transient_error", res.Status)
	}
}

func TestConfiguredRetryableStatus(t *testing.T) {
	SetRetryableStatuses([]int{408})
	t.Cleanup(func() { SetRetryableStatuses(nil) })

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusRequestTimeout)
	}))
	defer srv.Close()

	res := execute(t, newHTTPBackend(t, srv))
	if res.Status != StatusTransient {
		t.Errorf("configured 408 → %s, want transient_error", res.Status)
	}
}

func TestParseRetryAfter(t *testing.T) {
	if d := parseRetryAfter("30"); d != 30*time.Second {
		t.Errorf("seconds form = %v", d)
	}
	if d := parseRetryAfter(""); d != 0 {
		t.Errorf("empty = %v", d)
	}
	future := time.Now().Add(time.Minute).UTC().Format(http.TimeFormat)
	if d := parseRetryAfter(future); d <= 0 || d > time.Minute {
		t.Errorf("http-date form = %v", d)
	}
}
