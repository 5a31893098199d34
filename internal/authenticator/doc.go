// Package authenticator implements the authentication flow engine: the state
// machine behind authenticate, request-permission, change-code, and
// clear-code requests. One engine instance serves one authorizable object;
// at most one flow is ever in progress, with a single-slot pending buffer
// arbitrating competing clients.
package authenticator
