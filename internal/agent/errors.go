// internal/agent/errors.go
package agent

import "errors"

var (
	// ErrBudgetExhausted marks a run that hit its per-turn action cap.
	ErrBudgetExhausted = errors.New("action budget exhausted")

	// ErrStopped marks a run unwound by an explicit stop request.
	ErrStopped = errors.New("run stopped by user")

	// ErrSkillValidation marks a skill whose tripwire check refused it.
	ErrSkillValidation = errors.New("skill validation failed")
)
