// Package prompts contains the text bbchat sends to models: the system
// prompt, the guidance attached to failed evaluations, and the progress
// strings shown to users while the model retries.
//
// Each prompt category has its own file. orchestrator.system_prompt_file
// in config.yaml replaces the built-in system prompt.
package prompts
