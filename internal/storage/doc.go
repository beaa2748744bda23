// Package storage persists pipeline statuses, alert rules/channels and
// the alert history behind a small Store interface.
//
// The only driver is SQLite (modernc.org/sqlite, cgo-free). "none"
// disables persistence, which is mainly useful in tests.
package storage
