// Package providers defines the interface for OAuth 2.0 identity providers:
// authorization URL construction, code-for-token exchange, token refresh, and
// identity lookup. The salesforce subpackage implements it against the
// Salesforce OAuth endpoints; the mock subpackage provides a configurable fake
// for tests.
package providers
