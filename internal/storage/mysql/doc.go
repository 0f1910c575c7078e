// Package mysql persists life-support results in MySQL: an append-only
// history table plus the latest record per sink key, with embedded schema
// migrations.
package mysql
