// Package auth provides pluggable authentication and authorization for the
// sandboxd coordinator.
//
// Authentication uses a chain-of-responsibility pattern with three-outcome
// voting: each authenticator returns Yes (identity found), No (credentials
// invalid), or Abstain (can't handle). A configurable default voter decides
// when all authenticators abstain.
//
// Auth is implemented as HTTP middleware, keeping it decoupled from
// coordinator logic. The middleware injects the resolved identity into the
// request context for downstream handlers and rate limiting.
package auth
