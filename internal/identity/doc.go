// Package identity owns the treasury's sovereign signing key: it creates the
// key once, persists it with owner-only permissions, and exposes signing
// without ever handing the private material to callers.
package identity
