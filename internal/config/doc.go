// Package config loads the daemon's JSON configuration file, fills in
// defaults relative to the file's directory and validates role addresses,
// driver names and amount fields before anything is started.
package config
