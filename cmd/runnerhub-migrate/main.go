package main

import (
	"database/sql"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	_ "github.com/mattn/go-sqlite3"

	"github.com/runnerhub/runnerhub/pkg/storage"
)

var (
	dbPath     = flag.String("db", "/var/lib/runnerhub/runnerhub.db", "Path to the sqlite store")
	backupPath = flag.String("backup", "", "Backup the database file before migrating (default <db>.backup)")
)

func usage() {
	fmt.Fprintf(os.Stderr, `RunnerHub schema migration tool

Usage: runnerhub-migrate [flags] <up|down|status>

  up      apply all pending migrations
  down    roll back the most recent migration
  status  print the current schema version

Flags:
`)
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() != 1 {
		usage()
		os.Exit(1)
	}
	command := flag.Arg(0)

	log.SetFlags(log.LstdFlags)

	if command != "status" {
		if _, err := os.Stat(*dbPath); err == nil {
			backup := *backupPath
			if backup == "" {
				backup = *dbPath + ".backup"
			}
			if err := copyFile(*dbPath, backup); err != nil {
				log.Fatalf("Failed to create backup: %v", err)
			}
			log.Printf("✓ Backup created at %s", backup)
		}
	}

	db, err := sql.Open("sqlite3", *dbPath+"?_foreign_keys=on")
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	switch command {
	case "up":
		if err := storage.Migrate(db); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
		version, _ := storage.MigrationVersion(db)
		log.Printf("✓ Schema migrated to version %d", version)
	case "down":
		if err := storage.MigrateDown(db); err != nil {
			log.Fatalf("Rollback failed: %v", err)
		}
		version, _ := storage.MigrationVersion(db)
		log.Printf("✓ Schema rolled back to version %d", version)
	case "status":
		version, err := storage.MigrationVersion(db)
		if err != nil {
			log.Fatalf("Status failed: %v", err)
		}
		log.Printf("Schema version: %d", version)
	default:
		usage()
		os.Exit(1)
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
