// Package config loads the daemon configuration from a JSON file, fills in
// defaults relative to the file's directory and applies environment overrides
// for endpoints and credentials.
package config
