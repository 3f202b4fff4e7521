// Package storage provides the store accessor for queue and job records.
//
// This package includes:
//   - GormStorage: a GORM-based core.Store over many databases
//   - Connectors that enumerate and open databases: a static set, a
//     directory of SQLite files, and the databases of a Postgres server
//   - Connection pool configuration applied to every opened database
//
// The Store interface is defined in pkg/core and must be implemented
// by any custom storage backend.
package storage
