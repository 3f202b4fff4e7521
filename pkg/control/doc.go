// Package control holds the per-process caches the scheduler consults
// before touching a database.
//
// A DelayCache keeps one Marker per database: the earliest time a pending
// job can become eligible, or Indefinite when nothing is waiting. A
// DatabaseCache keeps the list of known databases for a fixed TTL.
//
// Both caches are optimizations. Losing an entry costs at most one extra
// store call.
package control
