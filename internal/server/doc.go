// Package server implements the portfolio HTTP API: public reads of the
// resume, profile image and evaluation images, and bearer-token protected
// uploads and deletes. It wires routes, middleware and dependencies
// (storage, optional catalog, rate limiter) and provides the lifecycle
// helpers used by tests and the production binary.
package server
