// Package core provides the fundamental types and interfaces for the queues package.
//
// This package contains:
//   - Queue and Job data models with GORM annotations
//   - Store and Tx interfaces defining the persistence contract
//   - Executor and Cluster interfaces for the external collaborators
//   - Event types for scheduler monitoring
//   - Error types for dispatch and validation
//
// Most users should import the root package github.com/jdziat/foxx-queues
// instead of this package directly.
package core
