// Package salesforce is a thin authenticated REST client for the Salesforce
// data and Tooling APIs, built from a credential snapshot: a bearer token and
// the instance URL it is valid against. The client holds no refresh logic;
// it reports auth-expired responses with ErrAuthExpired so the owning
// connection handle can refresh the token and retry.
package salesforce
