// Package modelwire defines the streaming contract between the agentic core
// and a model provider, plus the machinery for surviving provider failures.
//
// A provider is anything that implements StreamClient: given a Request and a
// context, it returns an ordered channel of Chunk values. Each chunk may carry
// text parts (possibly marked as thought or reasoning), function calls, a
// finish reason, and usage metadata. The package ships one concrete client,
// GollmClient, which adapts gollm-backed providers to this contract.
//
// Provider failures are classified into a typed error taxonomy (errors.go) and
// retried by RetryWithBackoff, an exponential-backoff wrapper with uniform
// jitter and quota-aware model fallback: persistent rate limiting or quota
// exhaustion on an interactive OAuth session can switch the caller to an
// alternate model instead of burning the remaining attempt budget.
//
// The package holds no state across calls; concurrent retries of independent
// operations are safe. Model fallback mutates turn-scoped configuration, so
// callers must not run two fallback-eligible operations against the same
// turn's model selection concurrently.
package modelwire
