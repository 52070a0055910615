// Command upstreams runs fake provider endpoints speaking the three HTTP
// dialects, for local development and smoke tests of the gateway without
// real API keys.
//
// Usage:
//
//	go run ./mock/upstreams -addr :9090
//
// Point provider api_base_url values at http://localhost:9090/{anthropic,openai,gemini}.
// A request whose endpoint URL carries ?fail=1 (for example
// /openai/chat/completions?fail=1) gets a 500. The gateway's HTTP backend
// appends the endpoint path after api_base_url, so a query string written into
// api_base_url ends up before that path and does not trigger this.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"strings"
)

func main() {
	addr := flag.String("addr", ":9090", "listen address")
	flag.Parse()

	mux := http.NewServeMux()
	mux.HandleFunc("/anthropic/messages", anthropicHandler)
	mux.HandleFunc("/openai/chat/completions", openaiHandler)
	mux.HandleFunc("/gemini/models/", geminiHandler)

	log.Printf("mock upstreams listening on %s", *addr)
	log.Fatal(http.ListenAndServe(*addr, mux))
}

func maybeFail(w http.ResponseWriter, r *http.Request) bool {
	if r.URL.Query().Get("fail") == "1" {
		http.Error(w, `{"error": "synthetic upstream failure"}`, http.StatusInternalServerError)
		return true
	}
	return false
}

func anthropicHandler(w http.ResponseWriter, r *http.Request) {
	if maybeFail(w, r) {
		return
	}
	var body map[string]any
	json.NewDecoder(r.Body).Decode(&body)

	prompt := ""
	if msgs, ok := body["messages"].([]any); ok && len(msgs) > 0 {
		if m, ok := msgs[0].(map[string]any); ok {
			prompt, _ = m["content"].(string)
		}
	}

	writeJSON(w, map[string]any{
		"content": []map[string]any{
			{"type": "text", "text": echoText(prompt)},
		},
		"usage": map[string]int{
			"input_tokens":  len(prompt) / 4,
			"output_tokens": 12,
		},
	})
}

func openaiHandler(w http.ResponseWriter, r *http.Request) {
	if maybeFail(w, r) {
		return
	}
	var body map[string]any
	json.NewDecoder(r.Body).Decode(&body)

	prompt := ""
	if msgs, ok := body["messages"].([]any); ok && len(msgs) > 0 {
		if m, ok := msgs[len(msgs)-1].(map[string]any); ok {
			prompt, _ = m["content"].(string)
		}
	}

	writeJSON(w, map[string]any{
		"choices": []map[string]any{
			{"message": map[string]string{"role": "assistant", "content": echoText(prompt)}},
		},
		"usage": map[string]int{
			"prompt_tokens":     len(prompt) / 4,
			"completion_tokens": 12,
			"total_tokens":      len(prompt)/4 + 12,
		},
	})
}

func geminiHandler(w http.ResponseWriter, r *http.Request) {
	if maybeFail(w, r) {
		return
	}
	if !strings.Contains(r.URL.Path, ":generateContent") {
		http.NotFound(w, r)
		return
	}
	var body map[string]any
	json.NewDecoder(r.Body).Decode(&body)

	prompt := ""
	if contents, ok := body["contents"].([]any); ok && len(contents) > 0 {
		if m, ok := contents[0].(map[string]any); ok {
			if parts, ok := m["parts"].([]any); ok && len(parts) > 0 {
				if p, ok := parts[0].(map[string]any); ok {
					prompt, _ = p["text"].(string)
				}
			}
		}
	}

	writeJSON(w, map[string]any{
		"candidates": []map[string]any{
			{"content": map[string]any{
				"parts": []map[string]any{{"text": echoText(prompt)}},
			}},
		},
		"usageMetadata": map[string]int{
			"promptTokenCount":     len(prompt) / 4,
			"candidatesTokenCount": 12,
		},
	})
}

func echoText(prompt string) string {
	if prompt == "" {
		return "mock response"
	}
	return fmt.Sprintf("mock response to: %s", prompt)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
