package store

import (
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// DB holds separate write and read database connections.
// The write connection is limited to 1 open conn to serialize writes (SQLite requirement).
// The read pool allows concurrent reads via WAL mode.
// Logs is a separate SQLite database for persisted log lines so that log
// volume never contends with the write lock of the primary store.
type DB struct {
	Write *sql.DB
	Read  *sql.DB
	Logs  *sql.DB
}

// Open creates or opens a SQLite database at dataDir/crmbulk.db.
// It configures WAL mode, synchronous=NORMAL, foreign_keys=ON,
// and runs any pending migrations. Log lines go to dataDir/logs.db.
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "crmbulk.db")
	logsPath := filepath.Join(dataDir, "logs.db")

	writeDB, err := openConn(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open write connection: %w", err)
	}
	writeDB.SetMaxOpenConns(1)

	readDB, err := openConn(dbPath)
	if err != nil {
		writeDB.Close()
		return nil, fmt.Errorf("open read connection: %w", err)
	}

	logsDB, err := openConn(logsPath)
	if err != nil {
		writeDB.Close()
		readDB.Close()
		return nil, fmt.Errorf("open logs connection: %w", err)
	}
	logsDB.SetMaxOpenConns(1)

	db := &DB{Write: writeDB, Read: readDB, Logs: logsDB}

	if err := db.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	if err := db.migrateLogs(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate logs db: %w", err)
	}

	slog.Info("database opened", "path", dbPath, "logs_path", logsPath)
	return db, nil
}

func openConn(path string) (*sql.DB, error) {
	dsn := "file:" + path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=foreign_keys(ON)" +
		"&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) migrate() error {
	// Ensure schema_migrations table exists (bootstrap)
	_, err := db.Write.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%f', 'now'))
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	err = db.Write.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current)
	if err != nil {
		return fmt.Errorf("get current migration version: %w", err)
	}

	if current >= 1 {
		slog.Debug("migrations up to date", "version", current)
		return nil
	}

	sqlBytes, err := migrations.ReadFile("migrations/001_initial.sql")
	if err != nil {
		return fmt.Errorf("read migration 001: %w", err)
	}

	tx, err := db.Write.Begin()
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(string(sqlBytes)); err != nil {
		return fmt.Errorf("execute migration 001: %w", err)
	}

	if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", 1); err != nil {
		return fmt.Errorf("record migration 001: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration 001: %w", err)
	}

	slog.Info("applied migration", "version", 1)
	return nil
}

// migrateLogs creates the log table in the logs database.
func (db *DB) migrateLogs() error {
	_, err := db.Logs.Exec(`
		CREATE TABLE IF NOT EXISTS logs (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			level      TEXT NOT NULL,
			message    TEXT NOT NULL,
			attrs      TEXT,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_logs_created ON logs(created_at);
		CREATE INDEX IF NOT EXISTS idx_logs_level ON logs(level, created_at);
	`)
	return err
}

// Close closes all database connections.
func (db *DB) Close() error {
	var errs []error
	if err := db.Write.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close write db: %w", err))
	}
	if err := db.Read.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close read db: %w", err))
	}
	if db.Logs != nil {
		if err := db.Logs.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close logs db: %w", err))
		}
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}
