package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/ccbridge/gateway/internal/config"
	"github.com/ccbridge/gateway/internal/model"
)

// ansiEscape matches CSI and OSC terminal control sequences.
var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]|\x1b\][^\x07]*\x07`)

// urlPattern extracts the first URL from an auth prompt.
var urlPattern = regexp.MustCompile(`https?://[^\s"'<>]+`)

// defaultAuthIndicators are substrings whose presence in CLI output means the
// tool is asking the user to sign in rather than answering the prompt.
var defaultAuthIndicators = []string{
	"sign in",
	"log in",
	"login required",
	"authenticate",
	"authentication required",
	"oauth",
	"please visit",
	"api key not found",
	"not logged in",
}

// transientIndicators are substrings in failed CLI output that suggest the
// failure may clear on retry.
var transientIndicators = []string{
	"timeout",
	"timed out",
	"connection refused",
	"connection reset",
	"temporarily unavailable",
	"overloaded",
	"try again",
	"network error",
	"502",
	"503",
	"504",
}

// rateLimitIndicators promote a failure to rate_limited.
var rateLimitIndicators = []string{
	"rate limit",
	"too many requests",
	"quota exceeded",
	"429",
}

// bannerPrefixes are status lines CLI tools print around the answer.
var bannerPrefixes = []string{
	"loading",
	"initializing",
	"connecting",
	"thinking...",
	"processing...",
}

// cancelGrace is how long a signalled subprocess gets to exit before the
// SIGKILL ladder fires. Overridden from workers.cancel_grace_s at startup.
var cancelGrace = 2 * time.Second

// SetCancelGrace sets the unwind window applied after cancellation.
// Called once at startup, before any backend executes.
func SetCancelGrace(d time.Duration) {
	if d > 0 {
		cancelGrace = d
	}
}

// CLIBackend spawns a short-lived subprocess per attempt. The prompt is
// substituted into the args template at the {prompt} placeholder, or written
// to stdin when the template has no placeholder.
type CLIBackend struct {
	provider *config.Provider
}

// NewCLI builds a CLIBackend for the descriptor.
func NewCLI(p *config.Provider) *CLIBackend {
	return &CLIBackend{provider: p}
}

func (b *CLIBackend) Name() string            { return b.provider.Name }
func (b *CLIBackend) Type() model.BackendType { return model.BackendCLI }

// BuildArgs expands the args template for a prompt. Exported so the worker
// can publish a command preview on the cli event channel.
func (b *CLIBackend) BuildArgs(req *model.Request) (args []string, viaStdin bool) {
	substituted := false
	for _, a := range b.provider.ArgsTemplate {
		switch {
		case strings.Contains(a, "{prompt}"):
			args = append(args, strings.ReplaceAll(a, "{prompt}", req.Prompt))
			substituted = true
		case strings.Contains(a, "{model}"):
			args = append(args, strings.ReplaceAll(a, "{model}", resolveModel(b.provider, req)))
		default:
			args = append(args, a)
		}
	}
	return args, !substituted
}

func (b *CLIBackend) Execute(ctx context.Context, req *model.Request) *Result {
	path, err := exec.LookPath(b.provider.Command)
	if err != nil {
		return permanent("%s: command %q not found", b.provider.Name, b.provider.Command)
	}

	args, viaStdin := b.BuildArgs(req)

	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Env = b.commandEnv()
	if viaStdin {
		cmd.Stdin = strings.NewReader(req.Prompt)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	// On cancellation send SIGTERM first so the tool can flush; WaitDelay is
	// the SIGKILL ladder when it does not exit in time.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = cancelGrace

	runErr := cmd.Run()

	out := stripANSI(stdout.String())
	errOut := stripANSI(stderr.String())
	combined := strings.ToLower(out + "\n" + errOut)

	// Auth prompts surface on stdout even with exit code 0; check before the
	// exit status so "please sign in" is not returned as an answer.
	if hit := matchIndicator(combined, b.authIndicators()); hit != "" {
		return &Result{
			Status:  StatusAuth,
			AuthURL: urlPattern.FindString(out + "\n" + errOut),
			Message: fmt.Sprintf("%s: auth prompt detected (%q)", b.provider.Name, hit),
		}
	}

	if runErr != nil {
		if ctx.Err() != nil {
			return transient("%s: %v", b.provider.Name, ctx.Err())
		}
		msg := strings.TrimSpace(errOut)
		if msg == "" {
			msg = strings.TrimSpace(out)
		}
		if msg == "" {
			msg = runErr.Error()
		}
		if matchIndicator(combined, rateLimitIndicators) != "" {
			return &Result{Status: StatusRateLimit, Message: fmt.Sprintf("%s: %s", b.provider.Name, msg)}
		}
		if matchIndicator(combined, transientIndicators) != "" {
			return transient("%s: %s", b.provider.Name, msg)
		}
		return permanent("%s: %s", b.provider.Name, msg)
	}

	text, thinking := splitThinking(cleanOutput(out))
	res := success(text, thinking, EstimateTokens(req.Prompt), EstimateTokens(text))
	res.CostUSD = estimateCost(b.provider, res.TotalTokens())
	return res
}

// HealthCheck runs the command with --version; any clean exit means the tool
// is installed and launchable.
func (b *CLIBackend) HealthCheck(ctx context.Context) error {
	path, err := exec.LookPath(b.provider.Command)
	if err != nil {
		return fmt.Errorf("%s: command %q not found", b.provider.Name, b.provider.Command)
	}

	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(probeCtx, path, "--version")
	cmd.Env = b.commandEnv()
	if err := cmd.Run(); err != nil {
		// Some CLIs reject --version; a non-zero exit from a process that
		// actually ran still proves the binary launches.
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil
		}
		return fmt.Errorf("%s: probe: %w", b.provider.Name, err)
	}
	return nil
}

func (b *CLIBackend) EstimatedCost(req *model.Request) float64 {
	return estimateCost(b.provider, 2*EstimateTokens(req.Prompt))
}

func (b *CLIBackend) commandEnv() []string {
	env := os.Environ()
	for k, v := range b.provider.Env {
		env = append(env, k+"="+v)
	}
	return env
}

func (b *CLIBackend) authIndicators() []string {
	if len(b.provider.AuthIndicators) > 0 {
		return b.provider.AuthIndicators
	}
	return defaultAuthIndicators
}

// matchIndicator returns the first indicator found in lowered, or "".
func matchIndicator(lowered string, indicators []string) string {
	for _, ind := range indicators {
		if strings.Contains(lowered, strings.ToLower(ind)) {
			return ind
		}
	}
	return ""
}

// stripANSI removes terminal escape sequences.
func stripANSI(s string) string {
	return ansiEscape.ReplaceAllString(s, "")
}

// cleanOutput drops tool banner lines and trims surrounding whitespace.
func cleanOutput(s string) string {
	lines := strings.Split(s, "\n")
	kept := lines[:0]
	for _, line := range lines {
		lower := strings.ToLower(strings.TrimSpace(line))
		skip := false
		for _, prefix := range bannerPrefixes {
			if strings.HasPrefix(lower, prefix) {
				skip = true
				break
			}
		}
		if !skip {
			kept = append(kept, line)
		}
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

// splitThinking extracts a <thinking>...</thinking> block when the tool emits
// its reasoning inline.
func splitThinking(s string) (text, thinking string) {
	start := strings.Index(s, "<thinking>")
	if start < 0 {
		return s, ""
	}
	end := strings.Index(s, "</thinking>")
	if end < start {
		return s, ""
	}
	thinking = strings.TrimSpace(s[start+len("<thinking>") : end])
	text = strings.TrimSpace(s[:start] + s[end+len("</thinking>"):])
	return text, thinking
}
