// Package validate runs the configured checks against a working tree
// and reports structured results the engine can retry on.
package validate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"fixpoint/internal/config"
)

// failureContextLimit bounds how much check output is carried into retry
// prompts and history records. The tail is kept; that is where test
// runners put their verdicts.
const failureContextLimit = 8000

// StepResult is the outcome of one check.
type StepResult struct {
	Name     string        `json:"name"`
	Command  string        `json:"command"`
	Passed   bool          `json:"passed"`
	TimedOut bool          `json:"timed_out,omitempty"`
	Duration time.Duration `json:"duration"`
	Output   string        `json:"output,omitempty"`
}

// Result is one validation run. Checks execute in declaration order and
// the first failure short-circuits the rest.
type Result struct {
	Passed bool         `json:"passed"`
	Steps  []StepResult `json:"steps"`
}

// Summary renders one line per executed step.
func (r Result) Summary() string {
	parts := make([]string, 0, len(r.Steps))
	for _, step := range r.Steps {
		verdict := "PASS"
		if !step.Passed {
			verdict = "FAIL"
			if step.TimedOut {
				verdict = "TIMEOUT"
			}
		}
		parts = append(parts, fmt.Sprintf("%s: %s", step.Name, verdict))
	}
	return strings.Join(parts, "; ")
}

// FailureContext returns the failed step's diagnostics for the retry
// prompt, empty when the run passed.
func (r Result) FailureContext() string {
	if r.Passed || len(r.Steps) == 0 {
		return ""
	}
	step := r.Steps[len(r.Steps)-1]
	if step.Passed {
		return ""
	}
	if step.TimedOut {
		return fmt.Sprintf("check %q timed out after %s\n%s", step.Name, step.Duration.Round(time.Second), step.Output)
	}
	return fmt.Sprintf("check %q failed:\n%s", step.Name, step.Output)
}

// CommandFactory builds the process for one check command. Replaced in
// tests to avoid shelling out.
type CommandFactory func(ctx context.Context, dir, command string) *exec.Cmd

func defaultCommandFactory(ctx context.Context, dir, command string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	return cmd
}

// Validator runs an ordered list of checks.
type Validator struct {
	checks  []config.CheckConfig
	log     *zap.Logger
	factory CommandFactory
}

// New builds a validator over the configured checks.
func New(checks []config.CheckConfig, logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{checks: checks, log: logger, factory: defaultCommandFactory}
}

// Run executes the checks in dir. A timeout counts as a failure of that
// check, never as an engine fault.
func (v *Validator) Run(ctx context.Context, dir string) Result {
	result := Result{Passed: true}
	for _, check := range v.checks {
		step := v.runCheck(ctx, dir, check)
		result.Steps = append(result.Steps, step)
		if !step.Passed {
			result.Passed = false
			v.log.Info("validation failed",
				zap.String("check", check.Name),
				zap.Bool("timed_out", step.TimedOut),
				zap.Duration("duration", step.Duration))
			break
		}
		v.log.Debug("check passed",
			zap.String("check", check.Name),
			zap.Duration("duration", step.Duration))
	}
	return result
}

func (v *Validator) runCheck(ctx context.Context, dir string, check config.CheckConfig) StepResult {
	checkCtx, cancel := context.WithTimeout(ctx, check.Timeout)
	defer cancel()

	cmd := v.factory(checkCtx, dir, check.Command)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	timedOut := errors.Is(checkCtx.Err(), context.DeadlineExceeded)
	return StepResult{
		Name:     check.Name,
		Command:  check.Command,
		Passed:   err == nil && !timedOut,
		TimedOut: timedOut,
		Duration: duration,
		Output:   truncateTail(output.String(), failureContextLimit),
	}
}

// truncateTail keeps the last limit bytes of s, marking the cut.
func truncateTail(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return "[truncated]\n" + s[len(s)-limit:]
}

// ProtectedPathHit returns the first changed file touching a protected
// pattern. Patterns ending in "/" protect a subtree; the rest are glob
// matched against the full path and the base name.
func ProtectedPathHit(files, patterns []string) string {
	for _, file := range files {
		for _, pattern := range patterns {
			if strings.HasSuffix(pattern, "/") {
				if strings.HasPrefix(file, pattern) || file == strings.TrimSuffix(pattern, "/") {
					return file
				}
				continue
			}
			if ok, _ := filepath.Match(pattern, file); ok {
				return file
			}
			if ok, _ := filepath.Match(pattern, filepath.Base(file)); ok {
				return file
			}
		}
	}
	return ""
}
