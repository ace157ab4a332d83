// migrate-to-postgres copies the snapshot store from SQLite to PostgreSQL.
//
// Usage:
//
//	go run ./cmd/migrate-to-postgres \
//	    -sqlite data/qlcbridge.db \
//	    -pg-host localhost \
//	    -pg-port 5432 \
//	    -pg-user qlcbridge \
//	    -pg-password qlcbridge \
//	    -pg-database qlcbridge
package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/lawnchairsociety/qlcbridge/internal/database"
	_ "modernc.org/sqlite"
)

func main() {
	sqlitePath := flag.String("sqlite", "data/qlcbridge.db", "Path to SQLite database")
	pgHost := flag.String("pg-host", "localhost", "PostgreSQL host")
	pgPort := flag.Int("pg-port", 5432, "PostgreSQL port")
	pgUser := flag.String("pg-user", "qlcbridge", "PostgreSQL user")
	pgPassword := flag.String("pg-password", "qlcbridge", "PostgreSQL password")
	pgDatabase := flag.String("pg-database", "qlcbridge", "PostgreSQL database name")
	pgSSLMode := flag.String("pg-sslmode", "disable", "PostgreSQL SSL mode")
	dryRun := flag.Bool("dry-run", false, "Show what would be migrated without making changes")
	flag.Parse()

	log.Println("SQLite to PostgreSQL Migration Tool")
	log.Println("====================================")

	log.Printf("Opening SQLite database: %s", *sqlitePath)
	sqliteDB, err := sql.Open("sqlite", *sqlitePath)
	if err != nil {
		log.Fatalf("Failed to open SQLite database: %v", err)
	}
	defer sqliteDB.Close()
	if err := sqliteDB.Ping(); err != nil {
		log.Fatalf("Failed to connect to SQLite database: %v", err)
	}

	pgCfg := database.PostgresConfig{
		Host:     *pgHost,
		Port:     *pgPort,
		User:     *pgUser,
		Password: *pgPassword,
		Database: *pgDatabase,
		SSLMode:  *pgSSLMode,
	}

	// Opening through the store creates the schema on the target.
	log.Printf("Opening PostgreSQL database: %s@%s:%d/%s", *pgUser, *pgHost, *pgPort, *pgDatabase)
	store, err := database.OpenWithConfig(database.Config{Driver: string(database.DialectPostgres), Postgres: pgCfg})
	if err != nil {
		log.Fatalf("Failed to prepare PostgreSQL database: %v", err)
	}
	store.Close()

	pgDB, err := sql.Open("postgres", pgCfg.DSN())
	if err != nil {
		log.Fatalf("Failed to open PostgreSQL database: %v", err)
	}
	defer pgDB.Close()

	if *dryRun {
		log.Println("DRY RUN MODE - No changes will be made")
	}

	tables := []struct {
		name    string
		migrate func(*sql.DB, *sql.DB, bool) (int64, error)
	}{
		{"widget_snapshots", migrateSnapshots},
		{"poll_events", migratePollEvents},
	}

	var totalRows int64
	for _, t := range tables {
		log.Printf("Migrating table: %s", t.name)
		count, err := t.migrate(sqliteDB, pgDB, *dryRun)
		if err != nil {
			log.Fatalf("Failed to migrate %s: %v", t.name, err)
		}
		log.Printf("  Migrated %d rows", count)
		totalRows += count
	}

	log.Println("====================================")
	log.Printf("Migration complete! Total rows migrated: %d", totalRows)
	if *dryRun {
		log.Println("(DRY RUN - No actual changes were made)")
	}
}

func migrateSnapshots(sqlite, pg *sql.DB, dryRun bool) (int64, error) {
	rows, err := sqlite.Query(`
		SELECT instance, widget_id, name, status, position, updated_at
		FROM widget_snapshots
		ORDER BY instance, position
	`)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var count int64
	for rows.Next() {
		var instance, widgetID, name, status string
		var position int
		var updatedAt time.Time
		if err := rows.Scan(&instance, &widgetID, &name, &status, &position, &updatedAt); err != nil {
			return count, err
		}

		if dryRun {
			count++
			continue
		}

		// Rows already on the target are newer or identical; keep them.
		res, err := pg.Exec(`
			INSERT INTO widget_snapshots (instance, widget_id, name, status, position, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (instance, widget_id) DO NOTHING
		`, instance, widgetID, name, status, position, updatedAt.UTC())
		if err != nil {
			return count, fmt.Errorf("snapshot %s/%s: %w", instance, widgetID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			count++
		}
	}

	return count, rows.Err()
}

func migratePollEvents(sqlite, pg *sql.DB, dryRun bool) (int64, error) {
	rows, err := sqlite.Query(`
		SELECT id, instance, ok, reason, created_at
		FROM poll_events
		ORDER BY id
	`)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var count int64
	for rows.Next() {
		var id int64
		var instance, reason string
		var ok bool
		var createdAt time.Time
		if err := rows.Scan(&id, &instance, &ok, &reason, &createdAt); err != nil {
			return count, err
		}

		if dryRun {
			count++
			continue
		}

		// Insert with explicit ID so reruns skip rows already copied
		res, err := pg.Exec(`
			INSERT INTO poll_events (id, instance, ok, reason, created_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO NOTHING
		`, id, instance, ok, reason, createdAt.UTC())
		if err != nil {
			return count, fmt.Errorf("poll event %d: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			count++
		}
	}

	// Reset the sequence to avoid ID conflicts for new records
	if !dryRun {
		_, _ = pg.Exec(`SELECT setval('poll_events_id_seq', COALESCE((SELECT MAX(id) FROM poll_events), 0) + 1, false)`)
	}

	return count, rows.Err()
}
