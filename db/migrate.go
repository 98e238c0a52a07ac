package db

import (
	"database/sql"
	"embed"
	"io/fs"
	"path"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/testpulse/errors"
	"github.com/teranos/testpulse/logger"
)

//go:embed sqlite/migrations/*.sql
var migrations embed.FS

const migrationsDir = "sqlite/migrations"

// migration is one embedded schema file. Version is the numeric file prefix.
type migration struct {
	Version string
	Name    string
	SQL     string
}

// loadMigrations reads the embedded schema files in apply order.
func loadMigrations() ([]migration, error) {
	entries, err := fs.ReadDir(migrations, migrationsDir)
	if err != nil {
		return nil, errors.Wrap(err, "read migrations")
	}

	var out []migration
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		version, _, ok := strings.Cut(name, "_")
		if !ok {
			return nil, errors.Newf("migration %s has no version prefix", name)
		}
		body, err := migrations.ReadFile(path.Join(migrationsDir, name))
		if err != nil {
			return nil, errors.Wrapf(err, "read %s", name)
		}
		out = append(out, migration{Version: version, Name: name, SQL: string(body)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// Migrate brings the schema up to date. log may be nil.
//
// Migration 000 creates schema_migrations itself, so it is always executed
// (it is written with IF NOT EXISTS) and recorded idempotently. Every later
// file runs once, inside its own transaction together with its bookkeeping row.
func Migrate(db *sql.DB, log *zap.SugaredLogger) error {
	all, err := loadMigrations()
	if err != nil {
		return err
	}
	if len(all) == 0 {
		return nil
	}
	if log != nil {
		log = logger.AddDBSymbol(log)
	}

	bootstrap := all[0]
	if _, err := db.Exec(bootstrap.SQL); err != nil {
		if IsDatabaseClosed(err) {
			return errors.Wrap(ErrDatabaseClosed, "migrate")
		}
		return errors.Wrapf(err, "execute %s", bootstrap.Name)
	}
	if _, err := db.Exec("INSERT OR IGNORE INTO schema_migrations (version) VALUES (?)", bootstrap.Version); err != nil {
		return errors.Wrapf(err, "record %s", bootstrap.Name)
	}

	done, err := AppliedVersions(db)
	if err != nil {
		return err
	}
	applied := make(map[string]bool, len(done))
	for _, v := range done {
		applied[v] = true
	}

	count := 0
	for _, m := range all[1:] {
		if applied[m.Version] {
			continue
		}
		if log != nil {
			log.Infow("Applying migration", "migration", m.Name, "version", m.Version)
		}
		if err := apply(db, m); err != nil {
			return err
		}
		count++
	}

	if log != nil {
		log.Infow("Migrations complete", "total_migrations", len(all), "applied", count)
	}
	return nil
}

func apply(db *sql.DB, m migration) error {
	tx, err := db.Begin()
	if err != nil {
		return errors.Wrapf(err, "begin tx for %s", m.Name)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.SQL); err != nil {
		return errors.Wrapf(err, "execute %s", m.Name)
	}
	if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.Version); err != nil {
		return errors.Wrapf(err, "record %s", m.Name)
	}
	return errors.Wrapf(tx.Commit(), "commit %s", m.Name)
}

// AppliedVersions lists the migration versions recorded in schema_migrations.
func AppliedVersions(db *sql.DB) ([]string, error) {
	rows, err := db.Query("SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, errors.Wrap(err, "failed to list applied migrations")
	}
	defer rows.Close()

	var versions []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, errors.Wrap(err, "failed to scan migration version")
		}
		versions = append(versions, v)
	}
	return versions, errors.Wrap(rows.Err(), "error iterating migrations")
}
