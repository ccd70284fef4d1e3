// Package web3 connects the vault to EVM chains: chain definitions loaded
// from YAML, an ethclient based client used for head snapshots and log
// subscriptions, and an ERC-20 collaborator that lets the vault hold a real
// on-chain token.
package web3
