// Package salesforce implements the providers.Provider interface against the
// Salesforce OAuth 2.0 web server flow: the authorize and token endpoints
// under /services/oauth2/ on the configured login host, and the userinfo
// endpoint on the per-org instance URL returned by the token exchange.
package salesforce
