// Package llm provides LLM client implementations, an Editor that lets a
// model plan a constellation and extend it while it runs, and an Executor
// that runs prompt-shaped tasks on the model.
//
// The factory creates LLM clients based on provider configuration.
// Currently supports:
//   - Anthropic Claude
package llm
