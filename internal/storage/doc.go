// Package storage persists plugin data in a SQLite file.
//
// It currently holds:
//   - channel rules and their scores
//   - the last-seen cache, saved at shutdown and restored at boot
package storage
