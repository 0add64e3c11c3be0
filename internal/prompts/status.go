package prompts

import "fmt"

// RetryStatus narrates an automatic retry to the user.
func RetryStatus(attempt, max int) string {
	return fmt.Sprintf("AI is generating corrected code (attempt %d of %d)…", attempt, max)
}

// RecoveredStatus reports that a retry succeeded.
func RecoveredStatus(attempts int) string {
	if attempts == 1 {
		return "Code executed successfully after 1 correction."
	}
	return fmt.Sprintf("Code executed successfully after %d corrections.", attempts)
}

// Status strings for the steps of a turn.
const (
	ThinkingStatus   = "AI is thinking…"
	ValidatingStatus = "Validating code…"
	ApprovalStatus   = "Waiting for approval…"
	ExecutingStatus  = "Executing code…"
	GaveUpStatus     = "AI stopped without fixing the error."
)

// MaxIterationsMessage is the user-facing text for an exhausted retry budget.
func MaxIterationsMessage(max int) string {
	return fmt.Sprintf("Maximum iterations reached: the code still failed after %d attempts.", max)
}
