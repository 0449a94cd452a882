// Package storage keeps a journal of delayed-job outcomes.
//
// Two drivers are available:
//   - file: JSON Lines, compacted on prune
//   - sqlite: a single database file (pure-Go driver)
package storage
