package backend

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/ccbridge/gateway/internal/config"
	"github.com/ccbridge/gateway/internal/model"
)

// Dialect is one request/response schema family for HTTP providers.
// Dialects are registered by name; the provider descriptor selects one.
type Dialect interface {
	Name() string

	// BuildRequest returns the URL, JSON body, and headers for one call.
	// apiKey is the resolved provider credential.
	BuildRequest(p *config.Provider, req *model.Request, apiKey string) (string, []byte, map[string]string, error)

	// ParseResponse extracts the text, optional thinking text, and token
	// counts from a 2xx body. Token counts of zero mean "not reported".
	ParseResponse(body []byte) (text, thinking string, inTokens, outTokens int, err error)
}

var dialects = map[string]Dialect{}

func registerDialect(d Dialect) { dialects[d.Name()] = d }

func init() {
	registerDialect(anthropicDialect{})
	registerDialect(openaiDialect{})
	registerDialect(geminiDialect{})
}

// DialectByName returns the registered dialect, or an error naming the valid set.
func DialectByName(name string) (Dialect, error) {
	d, ok := dialects[name]
	if !ok {
		return nil, fmt.Errorf("backend: unknown dialect %q; must be one of: anthropic, openai, gemini", name)
	}
	return d, nil
}

func resolveModel(p *config.Provider, req *model.Request) string {
	if req.Model != "" {
		return req.Model
	}
	return p.Model
}

func maxTokens(p *config.Provider) int {
	if p.MaxTokens > 0 {
		return p.MaxTokens
	}
	return 4096
}

// ── Anthropic-style: messages array, content[*].text ─────────────────────────

type anthropicDialect struct{}

func (anthropicDialect) Name() string { return "anthropic" }

func (anthropicDialect) BuildRequest(p *config.Provider, req *model.Request, apiKey string) (string, []byte, map[string]string, error) {
	type message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	payload := struct {
		Model     string    `json:"model"`
		MaxTokens int       `json:"max_tokens"`
		System    string    `json:"system,omitempty"`
		Messages  []message `json:"messages"`
	}{
		Model:     resolveModel(p, req),
		MaxTokens: maxTokens(p),
		System:    req.Agent,
		Messages:  []message{{Role: "user", Content: req.Prompt}},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", nil, nil, fmt.Errorf("anthropic: marshal: %w", err)
	}

	headers := map[string]string{
		"x-api-key":         apiKey,
		"anthropic-version": "2023-06-01",
	}
	return strings.TrimRight(p.APIBaseURL, "/") + "/messages", body, headers, nil
}

func (anthropicDialect) ParseResponse(body []byte) (string, string, int, int, error) {
	var resp struct {
		Content []struct {
			Type     string `json:"type"`
			Text     string `json:"text"`
			Thinking string `json:"thinking"`
		} `json:"content"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", "", 0, 0, fmt.Errorf("anthropic: parse: %w", err)
	}

	var text, thinking strings.Builder
	for _, block := range resp.Content {
		switch block.Type {
		case "thinking":
			thinking.WriteString(block.Thinking)
		default:
			text.WriteString(block.Text)
		}
	}
	return text.String(), thinking.String(), resp.Usage.InputTokens, resp.Usage.OutputTokens, nil
}

// ── OpenAI-style: choices[*].message.content ─────────────────────────────────

type openaiDialect struct{}

func (openaiDialect) Name() string { return "openai" }

func (openaiDialect) BuildRequest(p *config.Provider, req *model.Request, apiKey string) (string, []byte, map[string]string, error) {
	type message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	msgs := make([]message, 0, 2)
	if req.Agent != "" {
		msgs = append(msgs, message{Role: "system", Content: req.Agent})
	}
	msgs = append(msgs, message{Role: "user", Content: req.Prompt})

	payload := struct {
		Model     string    `json:"model"`
		Messages  []message `json:"messages"`
		MaxTokens int       `json:"max_tokens,omitempty"`
	}{
		Model:     resolveModel(p, req),
		Messages:  msgs,
		MaxTokens: p.MaxTokens,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", nil, nil, fmt.Errorf("openai: marshal: %w", err)
	}

	headers := map[string]string{
		"Authorization": "Bearer " + apiKey,
	}
	return strings.TrimRight(p.APIBaseURL, "/") + "/chat/completions", body, headers, nil
}

func (openaiDialect) ParseResponse(body []byte) (string, string, int, int, error) {
	var resp struct {
		Choices []struct {
			Message struct {
				Content          string `json:"content"`
				ReasoningContent string `json:"reasoning_content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", "", 0, 0, fmt.Errorf("openai: parse: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", "", 0, 0, fmt.Errorf("openai: response has no choices")
	}

	c := resp.Choices[0].Message
	return c.Content, c.ReasoningContent, resp.Usage.PromptTokens, resp.Usage.CompletionTokens, nil
}

// ── Gemini-style: candidates[*].content.parts[*].text ────────────────────────

type geminiDialect struct{}

func (geminiDialect) Name() string { return "gemini" }

func (geminiDialect) BuildRequest(p *config.Provider, req *model.Request, apiKey string) (string, []byte, map[string]string, error) {
	type part struct {
		Text string `json:"text"`
	}
	type content struct {
		Role  string `json:"role,omitempty"`
		Parts []part `json:"parts"`
	}

	payload := struct {
		SystemInstruction *content  `json:"systemInstruction,omitempty"`
		Contents          []content `json:"contents"`
	}{
		Contents: []content{{Role: "user", Parts: []part{{Text: req.Prompt}}}},
	}
	if req.Agent != "" {
		payload.SystemInstruction = &content{Parts: []part{{Text: req.Agent}}}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", nil, nil, fmt.Errorf("gemini: marshal: %w", err)
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s",
		strings.TrimRight(p.APIBaseURL, "/"),
		url.PathEscape(resolveModel(p, req)),
		url.QueryEscape(apiKey))

	return endpoint, body, map[string]string{}, nil
}

func (geminiDialect) ParseResponse(body []byte) (string, string, int, int, error) {
	var resp struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text    string `json:"text"`
					Thought bool   `json:"thought"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
		UsageMetadata struct {
			PromptTokenCount     int `json:"promptTokenCount"`
			CandidatesTokenCount int `json:"candidatesTokenCount"`
		} `json:"usageMetadata"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", "", 0, 0, fmt.Errorf("gemini: parse: %w", err)
	}
	if len(resp.Candidates) == 0 {
		return "", "", 0, 0, fmt.Errorf("gemini: response has no candidates")
	}

	var text, thinking strings.Builder
	for _, cand := range resp.Candidates {
		for _, part := range cand.Content.Parts {
			if part.Thought {
				thinking.WriteString(part.Text)
			} else {
				text.WriteString(part.Text)
			}
		}
	}
	return text.String(), thinking.String(),
		resp.UsageMetadata.PromptTokenCount, resp.UsageMetadata.CandidatesTokenCount, nil
}
