package engine

import (
	"context"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"fixpoint/internal/agent"
	"fixpoint/internal/config"
)

// Verdict is the reviewer stage's decision.
type Verdict int

const (
	VerdictApproved Verdict = iota
	VerdictRevise
)

// String returns the wire label for the verdict.
func (v Verdict) String() string {
	if v == VerdictRevise {
		return "revise"
	}
	return "approved"
}

var verdictRe = regexp.MustCompile(`(?im)^[ \t]*VERDICT:[ \t]*(APPROVED|REVISE)\b[ \t]*$`)

// parseVerdict reads the reviewer's decision. The last VERDICT line
// wins; a reply without one counts as approval, since validation still
// stands between the pipeline and a commit.
func parseVerdict(review string) (Verdict, string) {
	matches := verdictRe.FindAllStringSubmatchIndex(review, -1)
	if len(matches) == 0 {
		return VerdictApproved, ""
	}
	last := matches[len(matches)-1]
	word := review[last[2]:last[3]]
	if !strings.EqualFold(word, "REVISE") {
		return VerdictApproved, ""
	}
	notes := strings.TrimSpace(review[last[1]:])
	if notes == "" {
		notes = strings.TrimSpace(review[:last[0]])
	}
	return VerdictRevise, notes
}

// StageResult is one pipeline stage invocation.
type StageResult struct {
	Stage    string        `json:"stage"`
	Model    string        `json:"model,omitempty"`
	Turns    int           `json:"turns,omitempty"`
	CostUSD  float64       `json:"cost_usd"`
	Duration time.Duration `json:"duration"`
	Verdict  string        `json:"verdict,omitempty"`
}

// PipelineExecutor runs the staged mode: an optional planner, the
// coder, an optional tester, and an optional reviewer whose REVISE
// verdicts bounce the work back to the coder a bounded number of times.
// Stages hand each other typed messages, not files.
type PipelineExecutor struct {
	runner    *agent.Runner
	cfg       config.PipelineConfig
	protected []string
	log       *zap.Logger
}

// NewPipelineExecutor builds the staged executor.
func NewPipelineExecutor(runner *agent.Runner, cfg config.PipelineConfig, protected []string, logger *zap.Logger) *PipelineExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PipelineExecutor{runner: runner, cfg: cfg, protected: protected, log: logger}
}

// Name implements Executor.
func (e *PipelineExecutor) Name() string { return "pipeline" }

// Execute implements Executor.
func (e *PipelineExecutor) Execute(ctx context.Context, in ExecInput) (*ExecOutcome, error) {
	out := &ExecOutcome{}
	brief := agent.PromptInput{
		Descriptions:   in.descriptions(),
		FailureContext: in.FailureContext,
		Attempt:        in.Attempt,
		MaxAttempts:    in.MaxAttempts,
		Protected:      e.protected,
	}

	var plan string
	if e.cfg.Planner.Enabled {
		text, err := e.runStage(ctx, in, out, "planner", e.cfg.Planner.Model, agent.PlanPrompt(brief))
		if err != nil {
			return out, err
		}
		plan = text
	}

	var feedback string
	for {
		if _, err := e.runStage(ctx, in, out, "coder", "", agent.ExecutePlanPrompt(brief, plan, feedback)); err != nil {
			return out, err
		}

		changed := e.changedFiles(ctx, in)

		if e.cfg.Tester.Enabled {
			if _, err := e.runStage(ctx, in, out, "tester", e.cfg.Tester.Model, agent.TestPrompt(brief, changed)); err != nil {
				return out, err
			}
		}

		if !e.cfg.Reviewer.Enabled {
			break
		}
		review, err := e.runStage(ctx, in, out, "reviewer", e.cfg.Reviewer.Model, agent.ReviewPrompt(brief, changed))
		if err != nil {
			return out, err
		}
		verdict, notes := parseVerdict(review)
		out.Stages[len(out.Stages)-1].Verdict = verdict.String()
		if verdict == VerdictApproved {
			break
		}

		out.Revisions++
		if out.Revisions > e.cfg.MaxRevisions {
			e.log.Warn("revision budget exhausted, handing off to validation",
				zap.Int("revisions", out.Revisions-1))
			break
		}
		e.log.Info("reviewer requested revision",
			zap.Int("revision", out.Revisions),
			zap.String("notes", summarize(notes)))
		feedback = joinFeedback(feedback, notes)
	}

	return out, nil
}

func (e *PipelineExecutor) runStage(ctx context.Context, in ExecInput, out *ExecOutcome, stage, model, prompt string) (string, error) {
	in.stage(stage)

	var opts []agent.Option
	if model != "" {
		opts = append(opts, agent.WithModel(model))
	}

	start := time.Now()
	res, err := e.runner.Invoke(ctx, in.Dir, prompt, opts...)
	sr := StageResult{Stage: stage, Model: model, Duration: time.Since(start)}

	var text string
	if res != nil {
		sr.CostUSD = res.CostUSD()
		if res.Reply != nil {
			sr.Turns = res.Reply.NumTurns
		}
		text = res.Text()
		out.CostUSD += sr.CostUSD
		out.Turns += sr.Turns
		out.Summary = summarize(text)
	}
	out.Stages = append(out.Stages, sr)

	if err != nil {
		return "", err
	}
	e.log.Debug("pipeline stage finished",
		zap.String("stage", stage),
		zap.Duration("duration", sr.Duration),
		zap.Float64("cost_usd", sr.CostUSD))
	return text, nil
}

// changedFiles enriches tester and reviewer prompts; a listing failure
// here is advisory only, the engine re-checks before committing.
func (e *PipelineExecutor) changedFiles(ctx context.Context, in ExecInput) []string {
	if in.Repo == nil {
		return nil
	}
	changed, err := in.Repo.ChangedFiles(ctx)
	if err != nil {
		e.log.Warn("listing changed files for pipeline prompt", zap.Error(err))
		return nil
	}
	return changed
}

func joinFeedback(prev, next string) string {
	next = strings.TrimSpace(next)
	if prev == "" {
		return next
	}
	if next == "" {
		return prev
	}
	return prev + "\n\n" + next
}

// StageLabel renders the stage trail for the cycle record, such as
// "planner+coder+reviewer" with the revision count when any happened.
func (o *ExecOutcome) StageLabel() string {
	if o == nil || len(o.Stages) == 0 {
		return ""
	}
	seen := make(map[string]bool)
	var names []string
	for _, s := range o.Stages {
		if !seen[s.Stage] {
			seen[s.Stage] = true
			names = append(names, s.Stage)
		}
	}
	label := strings.Join(names, "+")
	if o.Revisions > 0 {
		label += " (revised)"
	}
	return label
}
