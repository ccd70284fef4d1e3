// Package agent implements the AI yield agent. It observes the gap between
// the custody account's literal balance and the vault's tracked assets, asks
// a pluggable strategy whether the gap is worth recognising, and calls
// ExecuteAIYieldStrategy under its own identity when it is.
package agent
