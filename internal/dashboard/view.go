package dashboard

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"fixpoint/internal/history"
)

// View implements tea.Model.
func (m *Model) View() string {
	var b strings.Builder
	b.WriteString(m.renderTop())
	b.WriteString(m.viewport.View())
	b.WriteString("\n")
	b.WriteString(m.styles.Hint.Render("q quit · r refresh · ↑/↓ scroll"))
	return b.String()
}

// renderTop renders everything above the record viewport: the header
// line, the live cycle panel when a cycle is running, and the stats
// line.
func (m *Model) renderTop() string {
	var b strings.Builder
	b.WriteString(m.renderHeader())
	b.WriteString("\n")

	if m.snap.status != nil {
		b.WriteString(m.styles.Box.Render(m.renderLive()))
		b.WriteString("\n")
	}

	b.WriteString(m.renderStats())
	b.WriteString("\n")
	b.WriteString(m.styles.Section.Render("Recent cycles"))
	b.WriteString("\n")
	return b.String()
}

func (m *Model) renderHeader() string {
	s := m.styles
	left := s.Title.Render("⚡ FIXPOINT")

	repo := m.cfg.Target.RepoPath
	if m.snap.branch != "" {
		repo += fmt.Sprintf(" (%s @ %s)", m.snap.branch, m.snap.head)
	}
	left += "  " + s.Muted.Render(repo)

	var state string
	switch {
	case m.snap.status != nil && m.snap.status.State == "halted":
		state = s.Error.Render("⛔ halted")
	case m.snap.lock != nil:
		state = s.Success.Render(fmt.Sprintf("%s running", iconRunning)) +
			s.Muted.Render(fmt.Sprintf(" pid %d, up %s",
				m.snap.lock.PID, formatDuration(time.Since(m.snap.lock.StartedAt))))
	case !m.polled:
		state = s.Muted.Render("…")
	default:
		state = s.Muted.Render(iconIdle + " not running")
	}
	return left + "  " + state
}

// renderLive renders the in-flight cycle panel.
func (m *Model) renderLive() string {
	s := m.styles
	st := m.snap.status
	var lines []string

	head := fmt.Sprintf("cycle %s · %s", shortID(st.CycleID), st.Phase)
	if st.Stage != "" {
		head += "/" + st.Stage
	}
	if st.MaxAttempts > 0 {
		head += fmt.Sprintf(" · attempt %d/%d", st.Attempt, st.MaxAttempts)
	}
	head += fmt.Sprintf(" · $%.2f · %s", st.CostUSD, formatDuration(time.Since(st.StartedAt)))
	lines = append(lines, s.Normal.Render(head))

	for i, t := range st.Tasks {
		if i == 3 {
			lines = append(lines, s.Muted.Render(fmt.Sprintf("  … %d more", len(st.Tasks)-i)))
			break
		}
		lines = append(lines, s.Muted.Render("  "+t.ID+"  "+truncate(t.Description, 70)))
	}

	for _, w := range m.snap.workers {
		line := fmt.Sprintf("  %s %s", w.Worker, w.Phase)
		if w.Stage != "" {
			line += "/" + w.Stage
		}
		if w.MaxAttempts > 0 {
			line += fmt.Sprintf(" %d/%d", w.Attempt, w.MaxAttempts)
		}
		line += fmt.Sprintf(" $%.2f", w.CostUSD)
		lines = append(lines, s.Warning.Render(line))
	}
	return strings.Join(lines, "\n")
}

func (m *Model) renderStats() string {
	s := m.styles
	st := m.snap.stats
	if st.Total == 0 {
		return s.Muted.Render("24h: no cycles")
	}
	line := fmt.Sprintf("24h: %d cycles · %s %d · %s %d · %s %d · %.0f%% · $%.2f",
		st.Total,
		iconCommitted, st.Committed,
		iconRolledBack, st.RolledBack,
		iconRequeued, st.Requeued,
		st.SuccessRate*100,
		st.TotalCost)
	if st.Duration.Median > 0 {
		line += fmt.Sprintf(" · median %s", formatDuration(time.Duration(st.Duration.Median*float64(time.Second))))
	}
	return s.Normal.Render(line)
}

// renderRecords renders the scrollable recent-cycle list, newest first.
func (m *Model) renderRecords() string {
	records := m.snap.records
	if len(records) == 0 {
		return m.styles.Muted.Render("no cycles recorded yet")
	}
	var b strings.Builder
	for i := len(records) - 1; i >= 0; i-- {
		b.WriteString(m.recordLine(records[i]))
		b.WriteString("\n")
	}
	return b.String()
}

func (m *Model) recordLine(rec history.Record) string {
	s := m.styles
	icon, style := outcomeBadge(rec, s)

	parts := []string{
		s.Muted.Render(rec.Timestamp.Local().Format("15:04:05")),
		style.Render(icon),
	}
	if rec.Commit != "" {
		parts = append(parts, s.Normal.Render(shortID(rec.Commit)))
	}
	if len(rec.Sources) > 0 {
		label := strings.Join(rec.Sources, ",")
		if rec.BatchSize > 1 {
			label += fmt.Sprintf(" ×%d", rec.BatchSize)
		}
		parts = append(parts, s.Normal.Render(label))
	}
	if rec.Worker != "" {
		parts = append(parts, s.Muted.Render(rec.Worker))
	}
	if rec.CostUSD > 0 {
		parts = append(parts, s.Muted.Render(fmt.Sprintf("$%.2f", rec.CostUSD)))
	}
	if rec.Retries > 0 {
		parts = append(parts, s.Muted.Render(fmt.Sprintf("r%d", rec.Retries)))
	}
	if detail := firstLine(rec.Detail); detail != "" {
		parts = append(parts, s.Muted.Render(truncate(detail, 60)))
	}
	return strings.Join(parts, " ")
}

// outcomeBadge picks the icon and style for a record. A requeued
// rollback renders as a bounce, not a failure.
func outcomeBadge(rec history.Record, s Styles) (string, lipgloss.Style) {
	if rec.Requeued {
		return iconRequeued, s.Warning
	}
	switch rec.Outcome {
	case history.OutcomeCommitted:
		return iconCommitted, s.Success
	case history.OutcomeRolledBack:
		return iconRolledBack, s.Error
	case history.OutcomeSkipped:
		return iconSkipped, s.Muted
	case history.OutcomeHalted:
		return iconHalted, s.Error
	default:
		return iconIdle, s.Muted
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func firstLine(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[:i]
	}
	return text
}

func truncate(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit-1]) + "…"
}

// formatDuration renders a duration the way humans read uptimes.
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	mnt := d / time.Minute
	d -= mnt * time.Minute
	sec := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm", h, mnt)
	}
	if mnt > 0 {
		return fmt.Sprintf("%dm%ds", mnt, sec)
	}
	return fmt.Sprintf("%ds", sec)
}
