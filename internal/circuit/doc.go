// Package circuit provides the breaker that shields the cache from an
// unavailable persistent tier. After FailureThreshold consecutive failures
// the breaker opens and calls are rejected without touching the tier until
// Timeout has passed; then a single trial call decides whether it closes again.
package circuit
