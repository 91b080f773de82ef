package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"path"
	"slices"
	"strconv"
	"strings"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// dialect holds what differs between the two backends' schema histories.
type dialect struct {
	dir         string
	versionType string
	placeholder string
}

var (
	sqliteDialect   = dialect{dir: "migrations/sqlite", versionType: "DATETIME DEFAULT CURRENT_TIMESTAMP", placeholder: "?"}
	postgresDialect = dialect{dir: "migrations/postgres", versionType: "TIMESTAMPTZ DEFAULT NOW()", placeholder: "$1"}
)

type migration struct {
	version int
	name    string
}

// loadMigrations lists d's embedded scripts by version. Files are named
// NNN_description.sql; two files claiming one version is an error.
func loadMigrations(d dialect) ([]migration, error) {
	entries, err := migrationsFS.ReadDir(d.dir)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", d.dir, err)
	}
	var ms []migration
	for _, e := range entries {
		if e.IsDir() || path.Ext(e.Name()) != ".sql" {
			continue
		}
		prefix, _, ok := strings.Cut(e.Name(), "_")
		v, err := strconv.Atoi(prefix)
		if !ok || err != nil {
			return nil, fmt.Errorf("migration %q: name must start with a version number", e.Name())
		}
		ms = append(ms, migration{version: v, name: e.Name()})
	}
	slices.SortFunc(ms, func(a, b migration) int { return a.version - b.version })
	for i := 1; i < len(ms); i++ {
		if ms[i].version == ms[i-1].version {
			return nil, fmt.Errorf("migrations %q and %q share version %d", ms[i-1].name, ms[i].name, ms[i].version)
		}
	}
	return ms, nil
}

// migrate brings db up to the newest embedded schema. Each script runs in its
// own transaction together with its schema_version row.
func migrate(db *sql.DB, d dialect) error {
	ddl := "CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY, applied_at " + d.versionType + ")"
	if _, err := db.Exec(ddl); err != nil {
		return fmt.Errorf("creating schema_version: %w", err)
	}

	all, err := loadMigrations(d)
	if err != nil {
		return err
	}
	done, err := appliedMigrations(db)
	if err != nil {
		return fmt.Errorf("reading schema_version: %w", err)
	}

	for _, m := range all {
		if slices.Contains(done, m.version) {
			continue
		}
		script, err := migrationsFS.ReadFile(d.dir + "/" + m.name)
		if err != nil {
			return err
		}
		if err := applyMigration(db, d, m, string(script)); err != nil {
			return err
		}
	}
	return nil
}

func applyMigration(db *sql.DB, d dialect, m migration, script string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("migration %d: %w", m.version, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(script); err != nil {
		return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
	}
	if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES ("+d.placeholder+")", m.version); err != nil {
		return fmt.Errorf("migration %d: recording version: %w", m.version, err)
	}
	return tx.Commit()
}

func appliedMigrations(db *sql.DB) ([]int, error) {
	rows, err := db.Query("SELECT version FROM schema_version ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}
