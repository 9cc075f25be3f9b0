// Package engine drives the improvement loop: one transactional cycle
// at a time against the target repository, or a worker pool of them.
package engine

import "fixpoint/internal/jsonutil"

// Phase is the engine's position inside a cycle. Every phase transition
// is observable through the status artifact.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseSafetyCheck
	PhaseTaskSelect
	PhaseSnapshot
	PhaseExecute
	PhaseValidate
	PhaseRetry
	PhaseCommit
	PhaseRollback
	PhaseRecord
	PhaseHalted
)

// String returns the wire label for the phase.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseSafetyCheck:
		return "safety_check"
	case PhaseTaskSelect:
		return "task_select"
	case PhaseSnapshot:
		return "snapshot"
	case PhaseExecute:
		return "execute"
	case PhaseValidate:
		return "validate"
	case PhaseRetry:
		return "retry"
	case PhaseCommit:
		return "commit"
	case PhaseRollback:
		return "rollback"
	case PhaseRecord:
		return "record"
	case PhaseHalted:
		return "halted"
	default:
		return "unknown"
	}
}

func parsePhase(s string) (Phase, error) {
	switch s {
	case "idle":
		return PhaseIdle, nil
	case "safety_check":
		return PhaseSafetyCheck, nil
	case "task_select":
		return PhaseTaskSelect, nil
	case "snapshot":
		return PhaseSnapshot, nil
	case "execute":
		return PhaseExecute, nil
	case "validate":
		return PhaseValidate, nil
	case "retry":
		return PhaseRetry, nil
	case "commit":
		return PhaseCommit, nil
	case "rollback":
		return PhaseRollback, nil
	case "record":
		return PhaseRecord, nil
	case "halted":
		return PhaseHalted, nil
	default:
		return 0, jsonutil.ParseEnumError("Phase", s)
	}
}

// MarshalJSON implements json.Marshaler.
func (p Phase) MarshalJSON() ([]byte, error) {
	return jsonutil.MarshalEnum(p)
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *Phase) UnmarshalJSON(data []byte) error {
	parsed, err := jsonutil.UnmarshalEnum(data, parsePhase)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
