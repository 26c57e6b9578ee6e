package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/ignite/subscriber-import/internal/config"
)

// Applies the numbered SQL files under migrations/ in order, once each.
// Applied versions are tracked in schema_migrations so re-running the binary
// is a no-op for anything already in place.

func main() {
	dir := flag.String("dir", "migrations", "directory holding numbered .sql files")
	status := flag.Bool("status", false, "print applied and pending migrations without running anything")
	flag.Parse()

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}
	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		log.Fatalf("[Migrate] failed to load config: %v", err)
	}
	if cfg.Database.URL == "" {
		log.Fatal("[Migrate] database URL is required (set DATABASE_URL)")
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("[Migrate] failed to open database: %v", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		log.Fatalf("[Migrate] database unreachable: %v", err)
	}

	if err := ensureVersionTable(db); err != nil {
		log.Fatalf("[Migrate] %v", err)
	}

	versions, err := pendingVersions(db, *dir)
	if err != nil {
		log.Fatalf("[Migrate] %v", err)
	}

	if *status {
		for _, v := range versions {
			state := "pending"
			if v.applied {
				state = "applied"
			}
			fmt.Printf("  %-10s %s\n", state, v.name)
		}
		return
	}

	applied := 0
	for _, v := range versions {
		if v.applied {
			continue
		}
		if err := applyMigration(db, *dir, v.name); err != nil {
			log.Fatalf("[Migrate] %s: %v", v.name, err)
		}
		log.Printf("[Migrate] applied %s", v.name)
		applied++
	}
	if applied == 0 {
		log.Println("[Migrate] nothing to do, schema is up to date")
		return
	}
	log.Printf("[Migrate] done, %d migration(s) applied", applied)
}

type migrationVersion struct {
	name    string
	applied bool
}

func ensureVersionTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	return nil
}

// pendingVersions lists .sql files in name order, flagging those already
// recorded in schema_migrations.
func pendingVersions(db *sql.DB, dir string) ([]migrationVersion, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir %s: %w", dir, err)
	}

	seen := map[string]bool{}
	rows, err := db.Query(`SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("read schema_migrations: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		seen[v] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var versions []migrationVersion
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		versions = append(versions, migrationVersion{name: e.Name(), applied: seen[e.Name()]})
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i].name < versions[j].name })
	return versions, nil
}

// applyMigration runs one file and records its version in the same
// transaction, so a failed statement leaves no half-applied version behind.
func applyMigration(db *sql.DB, dir, name string) error {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return err
	}
	if strings.TrimSpace(string(data)) == "" {
		return fmt.Errorf("migration file is empty")
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(string(data)); err != nil {
		tx.Rollback()
		return err
	}
	if _, err := tx.Exec(`INSERT INTO schema_migrations (version) VALUES ($1)`, name); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
