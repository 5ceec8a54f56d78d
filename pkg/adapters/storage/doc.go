// Package storage provides constellation document storage implementations.
//
// Implementations:
//   - memory: in-process map, for tests and single-shot runs
//   - redis: JSON values with TTL
//   - sqlite: durable local file (modernc.org/sqlite, no cgo)
//   - s3: one JSON object per constellation in an S3-compatible bucket
package storage
