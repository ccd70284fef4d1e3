// Package asset provides an in-process ERC-20 style token that the vault
// can custody when no chain is configured. It keeps balances and
// allowances in memory, exposes per-account handles that act with the
// account as message sender, and supports call hooks so callers can inject
// failures or nested calls around a transfer.
package asset
