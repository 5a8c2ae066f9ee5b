// Package realm composes identity providers into a security realm: one
// provider per preferred mechanism, a single group source, and per-request
// shared state connecting the authentication and group loading steps.
package realm
