// Package auth guards the operator control API with static bearer tokens.
// Configuration carries only SHA-256 digests of the tokens; each operator is
// granted read and/or execute permissions.
package auth
