// Package database provides SQLite connectivity for the hub's topology store.
//
// It manages the connection (WAL mode, busy timeout, enforced foreign keys),
// versioned schema migrations read from an fs.FS, and scoped transactions.
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS, migrations.Dir); err != nil {
//	    return err
//	}
//
// Migrations are additive-only. Each version ships an .up.sql and a .down.sql.
package database
