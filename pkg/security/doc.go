// Package security provides validation, sanitization, and limits for the queues package.
//
// This package includes:
//   - Input validation for queue and database names
//   - Error message sanitization before it is stored on a job
//   - Clamping of per-queue worker limits
//
// Most users should import the root package github.com/jdziat/foxx-queues
// which re-exports these functions.
package security
