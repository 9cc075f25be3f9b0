// Package history persists cycle records and derives the rolling state
// the safety gate and the selector read: rate and cost windows, the
// consecutive failure count and the adaptive batch size.
package history

import (
	"time"

	"fixpoint/internal/jsonutil"
)

// Outcome classifies how a cycle ended.
type Outcome int

const (
	// OutcomeCommitted means validation passed and the work landed.
	OutcomeCommitted Outcome = iota
	// OutcomeRolledBack means the tree was restored to the snapshot.
	OutcomeRolledBack
	// OutcomeSkipped means the task source failed and no work ran.
	OutcomeSkipped
	// OutcomeHalted means the loop stopped on a breaker trip or git fault.
	OutcomeHalted
	// OutcomeReset is the marker an operator appends to clear the
	// consecutive failure chain without a committed cycle.
	OutcomeReset
)

// String returns the wire label for the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeCommitted:
		return "committed"
	case OutcomeRolledBack:
		return "rolled_back"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeHalted:
		return "halted"
	case OutcomeReset:
		return "reset"
	default:
		return "unknown"
	}
}

func parseOutcome(s string) (Outcome, error) {
	switch s {
	case "committed":
		return OutcomeCommitted, nil
	case "rolled_back":
		return OutcomeRolledBack, nil
	case "skipped":
		return OutcomeSkipped, nil
	case "halted":
		return OutcomeHalted, nil
	case "reset":
		return OutcomeReset, nil
	default:
		return 0, jsonutil.ParseEnumError("Outcome", s)
	}
}

// MarshalJSON implements json.Marshaler.
func (o Outcome) MarshalJSON() ([]byte, error) {
	return jsonutil.MarshalEnum(o)
}

// UnmarshalJSON implements json.Unmarshaler.
func (o *Outcome) UnmarshalJSON(data []byte) error {
	parsed, err := jsonutil.UnmarshalEnum(data, parseOutcome)
	if err != nil {
		return err
	}
	*o = parsed
	return nil
}

// Record is one appended history entry. Records are immutable once
// stored; corrections happen by appending, never by editing.
type Record struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Outcome      Outcome   `json:"outcome"`
	Snapshot     string    `json:"snapshot,omitempty"`
	Commit       string    `json:"commit,omitempty"`
	TaskIDs      []string  `json:"task_ids,omitempty"`
	Fingerprints []string  `json:"fingerprints,omitempty"`
	Sources      []string  `json:"sources,omitempty"`
	BatchSize    int       `json:"batch_size,omitempty"`
	Retries      int       `json:"retries,omitempty"`
	CostUSD      float64   `json:"cost_usd,omitempty"`
	DurationSecs float64   `json:"duration_seconds,omitempty"`
	Detail       string    `json:"detail,omitempty"`
	Worker       string    `json:"worker,omitempty"`
	Pipeline     string    `json:"pipeline,omitempty"`
	// Requeued marks a worker result whose validated work was discarded
	// by a merge rejection. The cost is real, but the fingerprint stays
	// eligible for reselection and the failure chain is untouched.
	Requeued bool `json:"requeued,omitempty"`
}

// executed reports whether the record represents an agent run.
func (r Record) executed() bool {
	return r.Outcome == OutcomeCommitted || r.Outcome == OutcomeRolledBack
}
