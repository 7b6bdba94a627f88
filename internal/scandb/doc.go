// Package scandb stores scan status in the SQLite status database.
//
// SQLiteStore is the durable scan.StatusStore: the three operator request
// flags, free-form run info (JSON values keyed by name), the live scan data
// columns and a history of completed runs. It is used instead of the
// in-process scan.LocalStore when scan.use_status_db is set, which lets
// operators interrupt a scan from another process.
//
// Tables are created by the migrations package.
package scandb
