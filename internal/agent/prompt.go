package agent

import (
	"fmt"
	"strings"
)

// PromptInput carries what a cycle knows when briefing the agent.
type PromptInput struct {
	// Descriptions holds one entry per task in the batch.
	Descriptions []string
	// FailureContext is the prior attempt's validation diagnostics,
	// empty on the first attempt.
	FailureContext string
	Attempt        int
	MaxAttempts    int
	// Protected lists paths the agent must leave alone.
	Protected []string
}

// Build renders the direct working prompt for one batch of tasks. The
// retry section appears only when a failure context is present.
func Build(in PromptInput) string {
	var b strings.Builder
	writeTasks(&b, in.Descriptions)
	writeProtected(&b, in.Protected)
	writeRetry(&b, in)
	writeGroundRules(&b)
	return b.String()
}

// PlanPrompt renders the planner stage request. The planner reads the
// repository but must not edit it.
func PlanPrompt(in PromptInput) string {
	var b strings.Builder
	b.WriteString("# Planning request\n\n")
	b.WriteString("Study the repository and produce an implementation plan for the tasks below. ")
	b.WriteString("Do not modify any files. Respond with a numbered list of concrete steps, ")
	b.WriteString("naming the files each step touches.\n\n")
	writeTasks(&b, in.Descriptions)
	writeProtected(&b, in.Protected)
	return b.String()
}

// ExecutePlanPrompt renders the coder stage request, fed by the plan
// and any reviewer feedback from earlier revisions.
func ExecutePlanPrompt(in PromptInput, plan, feedback string) string {
	var b strings.Builder
	writeTasks(&b, in.Descriptions)
	if plan != "" {
		b.WriteString("## Plan\n\nFollow this plan:\n\n")
		b.WriteString(strings.TrimSpace(plan))
		b.WriteString("\n\n")
	}
	if feedback != "" {
		b.WriteString("## Reviewer feedback\n\nA reviewer rejected the previous revision. Address every point:\n\n")
		b.WriteString(strings.TrimSpace(feedback))
		b.WriteString("\n\n")
	}
	writeProtected(&b, in.Protected)
	writeRetry(&b, in)
	writeGroundRules(&b)
	return b.String()
}

// TestPrompt renders the tester stage request, run after the coder has
// changed the tree.
func TestPrompt(in PromptInput, changed []string) string {
	var b strings.Builder
	b.WriteString("# Testing request\n\n")
	b.WriteString("The tasks below were just implemented in this working tree. ")
	b.WriteString("Add or extend tests covering the change. Do not weaken or delete existing assertions.\n\n")
	writeTasks(&b, in.Descriptions)
	if len(changed) > 0 {
		b.WriteString("## Changed files\n\n")
		for _, f := range changed {
			b.WriteString("- ")
			b.WriteString(f)
			b.WriteByte('\n')
		}
		b.WriteByte('\n')
	}
	writeProtected(&b, in.Protected)
	writeGroundRules(&b)
	return b.String()
}

// ReviewPrompt renders the reviewer stage request. The reviewer must
// end its reply with a VERDICT line.
func ReviewPrompt(in PromptInput, changed []string) string {
	var b strings.Builder
	b.WriteString("# Review request\n\n")
	b.WriteString("Review the uncommitted changes in this working tree against the tasks below. ")
	b.WriteString("Do not modify any files.\n\n")
	writeTasks(&b, in.Descriptions)
	if len(changed) > 0 {
		b.WriteString("## Changed files\n\n")
		for _, f := range changed {
			b.WriteString("- ")
			b.WriteString(f)
			b.WriteByte('\n')
		}
		b.WriteByte('\n')
	}
	b.WriteString("End your reply with exactly one line of the form `VERDICT: APPROVED` or ")
	b.WriteString("`VERDICT: REVISE`, and when revising, list the required changes after the verdict.\n")
	return b.String()
}

func writeTasks(b *strings.Builder, descriptions []string) {
	if len(descriptions) == 1 {
		b.WriteString("# Task\n\n")
		b.WriteString(strings.TrimSpace(descriptions[0]))
		b.WriteString("\n\n")
		return
	}
	b.WriteString("# Tasks\n\n")
	b.WriteString("Complete every task below. Treat them as independent unless they state otherwise.\n\n")
	for i, desc := range descriptions {
		fmt.Fprintf(b, "## Task %d\n\n", i+1)
		b.WriteString(strings.TrimSpace(desc))
		b.WriteString("\n\n")
	}
}

func writeProtected(b *strings.Builder, protected []string) {
	if len(protected) == 0 {
		return
	}
	b.WriteString("## Do not touch\n\n")
	b.WriteString("These paths must not be created, modified, or deleted:\n\n")
	for _, p := range protected {
		b.WriteString("- ")
		b.WriteString(p)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
}

func writeRetry(b *strings.Builder, in PromptInput) {
	if in.FailureContext == "" {
		return
	}
	b.WriteString("## Previous attempt failed\n\n")
	if in.MaxAttempts > 0 {
		fmt.Fprintf(b, "This is attempt %d of %d. ", in.Attempt, in.MaxAttempts)
	}
	b.WriteString("The working tree was reset to the snapshot. The validation checks rejected the last change set:\n\n")
	b.WriteString("```\n")
	b.WriteString(strings.TrimSpace(in.FailureContext))
	b.WriteString("\n```\n\n")
	b.WriteString("Fix the underlying problem rather than disabling the failing check.\n\n")
}

func writeGroundRules(b *strings.Builder) {
	b.WriteString("## Ground rules\n\n")
	b.WriteString("- Work only inside this repository.\n")
	b.WriteString("- Do not commit, push, branch, or tag; leave your changes in the working tree.\n")
	b.WriteString("- Leave the tree in a state where the configured build and test commands pass.\n")
}
