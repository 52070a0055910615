package backend

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ccbridge/gateway/internal/config"
	"github.com/ccbridge/gateway/internal/model"
)

// terminal backend constants.
const (
	// pastePause lets the pane-hosted TUI finish rendering the bracketed
	// paste before Enter is sent; shorter delays drop input under load.
	pastePause = 500 * time.Millisecond

	// pollInterval is how often the pane tail is re-captured while waiting
	// for the completion marker.
	pollInterval = 500 * time.Millisecond

	// captureLines is how much of the pane tail is scanned per poll.
	captureLines = 200
)

// bufSeq generates unique tmux buffer names so concurrent sends to different
// panes never collide.
var bufSeq atomic.Int64

// TerminalBackend drives a CLI that needs a real TTY by writing prompts into
// a pre-attached tmux pane and scanning the pane tail for a completion
// marker. One request is in flight per pane at a time.
type TerminalBackend struct {
	provider *config.Provider

	// mu serializes pane transactions; interleaved prompts would corrupt
	// the marker scan.
	mu sync.Mutex
}

// NewTerminal builds a TerminalBackend for the descriptor.
func NewTerminal(p *config.Provider) *TerminalBackend {
	return &TerminalBackend{provider: p}
}

func (b *TerminalBackend) Name() string            { return b.provider.Name }
func (b *TerminalBackend) Type() model.BackendType { return model.BackendTerminal }

func (b *TerminalBackend) Execute(ctx context.Context, req *model.Request) *Result {
	b.mu.Lock()
	defer b.mu.Unlock()

	pane := b.provider.PaneID
	marker := b.provider.CompletionMarker

	// A unique sentinel marks where this transaction begins in the scrollback,
	// so a marker left over from a previous exchange is never matched.
	sentinel := fmt.Sprintf("::gw-%d::", bufSeq.Add(1))

	prompt := b.provider.PromptPrefix + req.Prompt
	if err := b.sendText(ctx, pane, sentinel); err != nil {
		return transient("%s: %v", b.provider.Name, err)
	}
	if err := b.sendText(ctx, pane, prompt); err != nil {
		return transient("%s: %v", b.provider.Name, err)
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Abort the pane transaction by interrupting the tool. Pane
			// output is not drained; the next exchange's own sentinel keeps
			// leftover output from being matched.
			_ = b.sendKeys(pane, "C-c")
			return transient("%s: %v", b.provider.Name, ctx.Err())

		case <-ticker.C:
			tail, err := b.capturePane(ctx, pane)
			if err != nil {
				return transient("%s: %v", b.provider.Name, err)
			}

			start := strings.LastIndex(tail, sentinel)
			if start < 0 {
				continue
			}
			window := tail[start+len(sentinel):]

			end := strings.Index(window, marker)
			if end < 0 {
				continue
			}

			out := window[:end]
			// Drop the echoed prompt line from the transcript.
			if idx := strings.Index(out, req.Prompt); idx >= 0 {
				out = out[idx+len(req.Prompt):]
			}
			out = cleanOutput(stripANSI(out))

			lowered := strings.ToLower(out)
			if hit := matchIndicator(lowered, b.authIndicators()); hit != "" {
				return &Result{
					Status:  StatusAuth,
					AuthURL: urlPattern.FindString(out),
					Message: fmt.Sprintf("%s: auth prompt detected (%q)", b.provider.Name, hit),
				}
			}
			if matchIndicator(lowered, rateLimitIndicators) != "" {
				return &Result{Status: StatusRateLimit, Message: fmt.Sprintf("%s: rate limited", b.provider.Name)}
			}

			text, thinking := splitThinking(out)
			res := success(text, thinking, EstimateTokens(req.Prompt), EstimateTokens(text))
			res.CostUSD = estimateCost(b.provider, res.TotalTokens())
			return res
		}
	}
}

// HealthCheck verifies the pane still exists.
func (b *TerminalBackend) HealthCheck(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(probeCtx, "tmux", "display-message", "-t", b.provider.PaneID, "-p", "#{pane_id}")
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: pane %s unavailable: %s", b.provider.Name, b.provider.PaneID,
			strings.TrimSpace(string(out)))
	}
	return nil
}

func (b *TerminalBackend) EstimatedCost(req *model.Request) float64 {
	return estimateCost(b.provider, 2*EstimateTokens(req.Prompt))
}

func (b *TerminalBackend) authIndicators() []string {
	if len(b.provider.AuthIndicators) > 0 {
		return b.provider.AuthIndicators
	}
	return defaultAuthIndicators
}

// sendText delivers multi-line text via a tmux paste buffer, then submits it
// with Enter. Bracketed paste (-p) hands the pane the whole text as one unit;
// -r stops tmux rewriting LF to CR mid-paste.
func (b *TerminalBackend) sendText(ctx context.Context, pane, text string) error {
	bufName := fmt.Sprintf("gateway-msg-%d", bufSeq.Add(1))

	load := exec.CommandContext(ctx, "tmux", "load-buffer", "-b", bufName, "-")
	load.Stdin = strings.NewReader(text)
	if out, err := load.CombinedOutput(); err != nil {
		return fmt.Errorf("tmux load-buffer: %w: %s", err, strings.TrimSpace(string(out)))
	}

	paste := exec.CommandContext(ctx, "tmux", "paste-buffer", "-pr", "-b", bufName, "-d", "-t", pane)
	if out, err := paste.CombinedOutput(); err != nil {
		return fmt.Errorf("tmux paste-buffer: %w: %s", err, strings.TrimSpace(string(out)))
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(pastePause):
	}

	return b.sendKeys(pane, "Enter")
}

func (b *TerminalBackend) sendKeys(pane string, keys ...string) error {
	args := append([]string{"send-keys", "-t", pane}, keys...)
	if out, err := exec.Command("tmux", args...).CombinedOutput(); err != nil {
		return fmt.Errorf("tmux send-keys: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// capturePane returns the joined tail of the pane. -J joins wrapped lines so
// the marker scan is stable across terminal widths.
func (b *TerminalBackend) capturePane(ctx context.Context, pane string) (string, error) {
	cmd := exec.CommandContext(ctx, "tmux", "capture-pane", "-p", "-J",
		"-S", "-"+strconv.Itoa(captureLines), "-t", pane)
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("tmux capture-pane: %w", err)
	}
	return string(out), nil
}
