package prompts

import "fmt"

// Guidance attached to error tool results. The model reads these after a
// failed call and is expected to retry with corrected code.
const (
	// ValidationGuidance follows a lint rejection.
	ValidationGuidance = "The code failed validation before it was run. Fix the syntax or unresolved symbols listed in validationErrors and call the tool again with the corrected code."

	// RuntimeGuidance follows an exception during evaluation.
	RuntimeGuidance = "The code ran but threw an error. Review the error and any output, fix the logic, and call the tool again with the corrected code."

	// ArgumentGuidance follows arguments that could not be decoded.
	ArgumentGuidance = `The tool arguments could not be read. Call the tool again with a JSON object of the form {"code_string": "<clojure code>"}.`
)

// UnknownToolGuidance tells the model which tool it should have called.
func UnknownToolGuidance(requested, available string) string {
	return fmt.Sprintf("There is no tool named %q. The only available tool is %q.", requested, available)
}
