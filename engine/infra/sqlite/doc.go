// Package sqlite is the modernc.org/sqlite backed store driver. Each scope
// gets one database/sql transaction that is committed when the scope's
// handles are persisted.
package sqlite
