// Package harvest runs yield recognition as queued jobs.
//
// A job is submitted by the HTTP API, by the interval scheduler or by the
// on-chain transfer watcher. The processor claims it from the store, asks
// the AI agent to execute the vault's yield strategy and records the
// outcome. Retryable failures are re-queued until the job's retry budget is
// spent; accounting invariant violations are terminal and raise an alert.
package harvest
