// Package auth implements the OAuth authorization state machine: issuance
// and single-use consumption of anti-forgery state tokens binding a login
// request to its IdP callback. Tokens are cryptographically random, expire
// after a TTL, and are removed on first consumption attempt, which is the
// core replay-prevention contract.
package auth
