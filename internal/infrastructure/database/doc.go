// Package database provides the SQLite status database.
//
// It manages the connection (WAL mode, busy timeout, a single pooled
// connection) and applies schema migrations embedded into the binary by the
// migrations package.
//
// Usage:
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
//
// Migrations are additive: each version has an .up.sql and a .down.sql file
// and new columns must be nullable or carry a default.
package database
