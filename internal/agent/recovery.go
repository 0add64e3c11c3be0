package agent

import (
	"github.com/nugget/bbchat/internal/events"
	"github.com/nugget/bbchat/internal/prompts"
	"github.com/nugget/bbchat/internal/tools"
)

// RecoveryState tracks the automatic retry loop. IterationCount counts
// consecutive error results since the last success.
type RecoveryState struct {
	InErrorRecovery bool `json:"in_error_recovery"`
	IterationCount  int  `json:"iteration_count"`
	MaxIterations   int  `json:"max_iterations"`
}

// Recovery returns the current recovery state.
func (o *Orchestrator) Recovery() RecoveryState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.recovery
}

// track updates recovery from one tool result status and reports
// whether the iteration budget is exhausted. Only error results count:
// a transport failure (execution_failed) says nothing about the code.
func (o *Orchestrator) track(status string) bool {
	o.mu.Lock()
	r := &o.recovery
	var msg string
	exceeded := false

	switch status {
	case tools.StatusError:
		if r.InErrorRecovery {
			r.IterationCount++
		} else {
			r.InErrorRecovery = true
			r.IterationCount = 1
		}
		exceeded = r.IterationCount >= r.MaxIterations
		if !exceeded {
			msg = prompts.RetryStatus(r.IterationCount+1, r.MaxIterations)
		}
	case tools.StatusSuccess:
		if !r.InErrorRecovery {
			o.mu.Unlock()
			return false
		}
		msg = prompts.RecoveredStatus(r.IterationCount)
		r.InErrorRecovery = false
		r.IterationCount = 0
	default:
		o.mu.Unlock()
		return false
	}
	snap := *r
	o.mu.Unlock()

	o.emit(events.KindRecovery, map[string]any{
		"in_recovery":    snap.InErrorRecovery,
		"iteration":      snap.IterationCount,
		"max_iterations": snap.MaxIterations,
	})
	if msg != "" {
		o.logger.Debug("recovery progress", "in_recovery", snap.InErrorRecovery, "iteration", snap.IterationCount)
		o.status(msg)
	}
	return exceeded
}

func (o *Orchestrator) resetRecovery() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.recovery.InErrorRecovery = false
	o.recovery.IterationCount = 0
}
