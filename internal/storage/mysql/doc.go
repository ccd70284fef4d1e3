// Package mysql persists the vault journal: the snapshot taken after every
// committed call and the events that call emitted. It ships a MySQL
// implementation with embedded schema migrations, a file-backed
// implementation for single-node deployments, and the SQL-backed API key
// store used by the HTTP layer.
package mysql
