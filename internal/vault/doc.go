// Package vault implements the share accounting engine of a tokenized yield
// vault. Holders deposit an underlying asset and receive shares whose value
// floats as yield is recognised by the AI agent.
//
// The Vault aggregate owns every piece of mutable state: the share ledger,
// the tracked asset total, the role table and the pause state. Each mutating
// call runs under a mutual-exclusion guard, records its changes in an undo
// journal and either commits completely or reverts every change, including
// when the external asset collaborator fails. Calls to the collaborator are
// always issued last, after the ledger already holds its post-operation
// values, and re-entrant calls carrying the guard's context marker are
// rejected.
package vault
