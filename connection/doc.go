// Package connection builds live, authenticated Salesforce clients from
// stored credential records. A Handle is ephemeral: created per logical
// operation and discarded after it, wrapping a credential snapshot. When a
// Salesforce call fails because the access token expired, the handle
// refreshes the token through the identity provider, writes the new token
// back to the registry through an injected narrow write capability, and
// retries the call once. A refresh rejected by the IdP as a revoked grant
// surfaces as ErrSessionExpired so callers know a fresh OAuth flow is
// required.
package connection
