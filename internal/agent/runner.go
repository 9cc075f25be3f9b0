// Package agent invokes the code-generation CLI and parses its replies.
package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"fixpoint/internal/config"
	"fixpoint/internal/jsonutil"
)

// waitDelay gives the CLI a grace period to flush output after its
// process group is killed before Run stops waiting on pipes.
const waitDelay = 10 * time.Second

// retryDelays schedules re-attempts after transient launch or rate-limit
// failures. Agent-level failures (non-zero exit, timeout) are not retried
// here; the cycle retry budget owns those.
var retryDelays = []time.Duration{2 * time.Second, 8 * time.Second, 32 * time.Second}

// rateLimitDelay floors the wait after the provider sheds load.
const rateLimitDelay = 60 * time.Second

// ExecError reports a failed agent invocation.
type ExecError struct {
	ExitCode int
	TimedOut bool
	Stderr   string
	Err      error
}

func (e *ExecError) Error() string {
	switch {
	case e.TimedOut:
		return fmt.Sprintf("agent timed out (exit code %d)", e.ExitCode)
	case e.Err != nil:
		return fmt.Sprintf("agent invocation failed: %v", e.Err)
	default:
		return fmt.Sprintf("agent exited with code %d: %s", e.ExitCode, firstLine(e.Stderr))
	}
}

func (e *ExecError) Unwrap() error { return e.Err }

// Reply is the JSON object the CLI prints in --output-format json mode.
type Reply struct {
	Type         string  `json:"type"`
	Subtype      string  `json:"subtype"`
	IsError      bool    `json:"is_error"`
	Result       string  `json:"result"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	NumTurns     int     `json:"num_turns"`
	SessionID    string  `json:"session_id"`
}

// Result holds the outcome of a single agent invocation.
type Result struct {
	ExitCode int
	Output   string
	Stderr   string
	Duration time.Duration
	TimedOut bool
	// Reply is nil when no JSON object could be recovered from Output.
	Reply *Reply
}

// CostUSD is the provider-reported cost, zero when unreported.
func (r *Result) CostUSD() float64 {
	if r == nil || r.Reply == nil {
		return 0
	}
	return r.Reply.TotalCostUSD
}

// Text is the agent's final answer, falling back to raw output.
func (r *Result) Text() string {
	if r.Reply != nil && r.Reply.Result != "" {
		return r.Reply.Result
	}
	return r.Output
}

// CommandFactory builds the agent process. Tests inject a factory that
// runs a scripted shell command instead.
type CommandFactory func(ctx context.Context, dir string, name string, args ...string) *exec.Cmd

func defaultCommandFactory(ctx context.Context, dir string, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	// The CLI forks tool subprocesses. Killing only the leader leaves
	// them writing into the tree after a timeout, so put the run in its
	// own process group and take the whole group down.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
	cmd.WaitDelay = waitDelay
	return cmd
}

// Runner invokes the agent CLI with rate limiting and transient-failure
// retries.
type Runner struct {
	cfg     config.AgentConfig
	log     *zap.Logger
	limiter *rate.Limiter
	factory CommandFactory
	stdout  io.Writer
	sleep   func(ctx context.Context, d time.Duration) error
}

// New builds a runner from the agent configuration. Options given here
// become the defaults for every Invoke call.
func New(cfg config.AgentConfig, logger *zap.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter *rate.Limiter
	if cfg.MaxCallsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.MaxCallsPerMinute)), 1)
	}
	o := options{factory: defaultCommandFactory, stdout: io.Discard}
	for _, opt := range opts {
		opt(&o)
	}
	return &Runner{
		cfg:     cfg,
		log:     logger,
		limiter: limiter,
		factory: o.factory,
		stdout:  o.stdout,
		sleep:   sleepCtx,
	}
}

// options holds per-invocation overrides.
type options struct {
	model    string
	maxTurns int
	timeout  time.Duration
	factory  CommandFactory
	stdout   io.Writer
}

// Option configures a single Invoke call.
type Option func(*options)

// WithModel overrides the configured model for this call.
func WithModel(model string) Option {
	return func(o *options) { o.model = model }
}

// WithMaxTurns overrides the configured turn budget for this call.
func WithMaxTurns(n int) Option {
	return func(o *options) { o.maxTurns = n }
}

// WithTimeout overrides the configured agent timeout for this call.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithCommandFactory injects a custom command factory (used in tests).
func WithCommandFactory(f CommandFactory) Option {
	return func(o *options) { o.factory = f }
}

// WithStdout tees the agent's live output to w as well as the capture
// buffer.
func WithStdout(w io.Writer) Option {
	return func(o *options) { o.stdout = w }
}

// Invoke runs the agent once in dir with the given prompt. Launch
// failures, provider rate limits and clean exits whose reply JSON never
// arrived (truncated output) are retried on a fixed schedule; every
// other failure is returned immediately as an *ExecError with the
// captured Result attached for diagnostics.
func (r *Runner) Invoke(ctx context.Context, dir, prompt string, opts ...Option) (*Result, error) {
	o := options{
		model:    r.cfg.Model,
		maxTurns: r.cfg.MaxTurns,
		timeout:  r.cfg.Timeout,
		factory:  r.factory,
		stdout:   r.stdout,
	}
	for _, opt := range opts {
		opt(&o)
	}

	attempts := r.cfg.Retries + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	lastRateLimited := false
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := retryDelays[min(attempt-1, len(retryDelays)-1)]
			if lastRateLimited && delay < rateLimitDelay {
				delay = rateLimitDelay
			}
			r.log.Warn("retrying agent invocation",
				zap.Int("attempt", attempt+1),
				zap.Duration("delay", delay),
				zap.Error(lastErr))
			if err := r.sleep(ctx, delay); err != nil {
				return nil, &ExecError{Err: err}
			}
		}

		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return nil, &ExecError{Err: err}
			}
		}

		res, err := r.runOnce(ctx, dir, prompt, o)
		if err != nil {
			lastErr, lastRateLimited = err, false
			continue
		}
		if res.ExitCode != 0 && !res.TimedOut && rateLimited(res) {
			lastErr = fmt.Errorf("provider rate limited: %s", firstLine(res.Stderr))
			lastRateLimited = true
			continue
		}
		if res.ExitCode == 0 && !res.TimedOut && res.Reply == nil {
			lastErr = errors.New("agent reply missing or truncated")
			lastRateLimited = false
			continue
		}
		return finish(res)
	}
	return nil, &ExecError{Err: fmt.Errorf("gave up after %d attempts: %w", attempts, lastErr)}
}

// finish classifies a completed run: success returns the result alone,
// anything else pairs it with an *ExecError.
func finish(res *Result) (*Result, error) {
	switch {
	case res.TimedOut:
		return res, &ExecError{ExitCode: res.ExitCode, TimedOut: true, Stderr: res.Stderr}
	case res.ExitCode != 0:
		return res, &ExecError{ExitCode: res.ExitCode, Stderr: res.Stderr}
	case res.Reply != nil && res.Reply.IsError:
		return res, &ExecError{Stderr: res.Reply.Result, Err: errors.New("agent reported an error result")}
	default:
		return res, nil
	}
}

func (r *Runner) runOnce(ctx context.Context, dir, prompt string, o options) (*Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	args := []string{"-p", prompt, "--model", ResolveModel(o.model), "--output-format", "json"}
	if o.maxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(o.maxTurns))
	}
	args = append(args, r.cfg.ExtraArgs...)

	cmd := o.factory(runCtx, dir, r.cfg.Command, args...)

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = io.MultiWriter(&stdoutBuf, o.stdout)
	cmd.Stderr = &stderrBuf

	r.log.Debug("invoking agent",
		zap.String("command", r.cfg.Command),
		zap.String("model", o.model),
		zap.Int("prompt_bytes", len(prompt)))

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	timedOut := errors.Is(runCtx.Err(), context.DeadlineExceeded)

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else if !timedOut {
			return nil, fmt.Errorf("starting %s: %w", r.cfg.Command, err)
		} else {
			exitCode = -1
		}
	}

	res := &Result{
		ExitCode: exitCode,
		Output:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		Duration: duration,
		TimedOut: timedOut,
		Reply:    ParseReply(stdoutBuf.String()),
	}
	r.log.Debug("agent finished",
		zap.Int("exit_code", exitCode),
		zap.Bool("timed_out", timedOut),
		zap.Duration("duration", duration),
		zap.Float64("cost_usd", res.CostUSD()))
	return res, nil
}

// ParseReply recovers the result object from CLI output that may carry
// banners or log noise around the JSON.
func ParseReply(output string) *Reply {
	raw, ok := jsonutil.ExtractObject(output)
	if !ok {
		return nil
	}
	var reply Reply
	if err := jsonutil.UnmarshalWithContext(raw, "agent reply", &reply); err != nil {
		return nil
	}
	return &reply
}

// rateLimited sniffs provider throttling from a failed run's output.
func rateLimited(res *Result) bool {
	text := strings.ToLower(res.Stderr + "\n" + res.Output)
	for _, marker := range []string{"rate limit", "rate_limit", "429", "too many requests", "overloaded"} {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
