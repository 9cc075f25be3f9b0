// Package safety decides whether a cycle may run at all. Every check
// fails closed and reports a typed violation naming what tripped.
package safety

import "fmt"

// Violation is a refused safety check. A violation aborts the cycle
// before any snapshot exists; when Breaker is set the whole process must
// halt instead.
type Violation struct {
	Check   string
	Reason  string
	Breaker bool
}

func (v *Violation) Error() string {
	return fmt.Sprintf("safety violation (%s): %s", v.Check, v.Reason)
}
