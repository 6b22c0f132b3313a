// Package database owns the rig's SQLite file: opening it with WAL and
// foreign keys, applying the embedded schema migrations, and reporting its
// health and size.
//
//	db, err := database.Open(cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// Image blobs make the file grow with every scan; DB.Usage feeds the
// metrics endpoint so that growth is visible.
package database
