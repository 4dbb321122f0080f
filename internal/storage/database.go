package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"narrachat/internal/config"

	"github.com/go-sql-driver/mysql"
	"github.com/mattn/go-sqlite3"
)

// ErrUnavailable marks failures talking to the database. Callers abort the
// current operation when they see it.
var ErrUnavailable = errors.New("store unavailable")

// Open connects to the configured database and verifies connectivity.
func Open(dbType string, cfg *config.Config) (*sql.DB, error) {
	dbCfg, ok := cfg.Databases[dbType]
	if !ok {
		return nil, fmt.Errorf("database config for %s not found", dbType)
	}

	var (
		db  *sql.DB
		err error
	)

	switch strings.ToLower(dbType) {
	case "sqlite", "sqlite3":
		if dbCfg.DSN == "" {
			return nil, fmt.Errorf("sqlite dsn must be provided")
		}
		db, err = sql.Open("sqlite3", dbCfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite database: %w", err)
		}
		// one connection keeps :memory: databases shared and serializes writers
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: enable sqlite foreign keys: %w", ErrUnavailable, err)
		}
	case "mysql":
		dsn := dbCfg.DSN
		if dsn == "" {
			mc := mysql.NewConfig()
			mc.User = dbCfg.Username
			mc.Passwd = dbCfg.Password
			mc.Net = "tcp"
			mc.Addr = fmt.Sprintf("%s:%d", dbCfg.Host, dbCfg.Port)
			mc.DBName = dbCfg.DBName
			mc.ParseTime = true
			dsn = mc.FormatDSN()
			if dbCfg.Params != "" {
				sep := "?"
				if strings.Contains(dsn, "?") {
					sep = "&"
				}
				dsn += sep + dbCfg.Params
			}
		}
		db, err = sql.Open("mysql", dsn)
		if err != nil {
			return nil, fmt.Errorf("open mysql database: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", dbType)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: ping database: %w", ErrUnavailable, err)
	}
	return db, nil
}

// Migrate ensures the required tables are present.
func Migrate(db *sql.DB, driver string) error {
	var stmts []string
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS conversations (
				id TEXT PRIMARY KEY,
				created_at DATETIME NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS messages (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				conversation_id TEXT NOT NULL,
				role TEXT NOT NULL,
				content TEXT NOT NULL,
				created_at DATETIME NOT NULL,
				FOREIGN KEY(conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, id)`,
			`CREATE TABLE IF NOT EXISTS summaries (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				conversation_id TEXT NOT NULL,
				summary TEXT NOT NULL,
				created_at DATETIME NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_summaries_conversation ON summaries(conversation_id, id)`,
			`CREATE TABLE IF NOT EXISTS characters (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				conversation_id TEXT NOT NULL,
				name TEXT NOT NULL,
				alternate_names TEXT NOT NULL DEFAULT '[]',
				race TEXT NOT NULL DEFAULT '',
				role TEXT NOT NULL DEFAULT '',
				owner TEXT NOT NULL DEFAULT '',
				description TEXT NOT NULL DEFAULT '',
				created_at DATETIME NOT NULL,
				UNIQUE(conversation_id, name)
			)`,
			`CREATE TABLE IF NOT EXISTS character_names (
				conversation_id TEXT NOT NULL,
				name TEXT NOT NULL,
				character_id INTEGER NOT NULL,
				UNIQUE(conversation_id, name),
				FOREIGN KEY(character_id) REFERENCES characters(id) ON DELETE CASCADE
			)`,
			`CREATE TABLE IF NOT EXISTS environments (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				env_name TEXT NOT NULL UNIQUE,
				description_original TEXT NOT NULL DEFAULT '',
				description_updated TEXT,
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS stats (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				name TEXT NOT NULL UNIQUE,
				conversation_id TEXT NOT NULL,
				strength INTEGER NOT NULL,
				defense INTEGER NOT NULL,
				agility INTEGER NOT NULL,
				intelligence INTEGER NOT NULL,
				magic INTEGER NOT NULL,
				health INTEGER NOT NULL,
				created_at DATETIME NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_stats_created_at ON stats(created_at DESC)`,
		}
	case "mysql":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS conversations (
				id VARCHAR(191) NOT NULL,
				created_at DATETIME(6) NOT NULL,
				PRIMARY KEY (id)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS messages (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				conversation_id VARCHAR(191) NOT NULL,
				role VARCHAR(50) NOT NULL,
				content MEDIUMTEXT NOT NULL,
				created_at DATETIME(6) NOT NULL,
				PRIMARY KEY (id),
				INDEX idx_messages_conversation (conversation_id, id),
				CONSTRAINT fk_messages_conversation FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS summaries (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				conversation_id VARCHAR(191) NOT NULL,
				summary MEDIUMTEXT NOT NULL,
				created_at DATETIME(6) NOT NULL,
				PRIMARY KEY (id),
				INDEX idx_summaries_conversation (conversation_id, id)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS characters (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				conversation_id VARCHAR(191) NOT NULL,
				name VARCHAR(191) NOT NULL,
				alternate_names TEXT NOT NULL,
				race VARCHAR(255) NOT NULL DEFAULT '',
				role VARCHAR(255) NOT NULL DEFAULT '',
				owner VARCHAR(255) NOT NULL DEFAULT '',
				description TEXT NOT NULL,
				created_at DATETIME(6) NOT NULL,
				PRIMARY KEY (id),
				UNIQUE KEY uniq_character_name (conversation_id, name)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS character_names (
				conversation_id VARCHAR(191) NOT NULL,
				name VARCHAR(191) NOT NULL,
				character_id BIGINT UNSIGNED NOT NULL,
				UNIQUE KEY uniq_character_alias (conversation_id, name),
				CONSTRAINT fk_character_names_character FOREIGN KEY (character_id) REFERENCES characters(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS environments (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				env_name VARCHAR(191) NOT NULL,
				description_original MEDIUMTEXT NOT NULL,
				description_updated MEDIUMTEXT,
				created_at DATETIME(6) NOT NULL,
				updated_at DATETIME(6) NOT NULL,
				PRIMARY KEY (id),
				UNIQUE KEY uniq_env_name (env_name)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS stats (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				name VARCHAR(191) NOT NULL,
				conversation_id VARCHAR(191) NOT NULL,
				strength INT NOT NULL,
				defense INT NOT NULL,
				agility INT NOT NULL,
				intelligence INT NOT NULL,
				magic INT NOT NULL,
				health INT NOT NULL,
				created_at DATETIME(6) NOT NULL,
				PRIMARY KEY (id),
				UNIQUE KEY uniq_stats_name (name),
				INDEX idx_stats_created_at (created_at)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		}
	default:
		return fmt.Errorf("unsupported driver for migration: %s", driver)
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate (%s): %w", driver, err)
		}
	}
	return nil
}

// isUniqueViolation reports whether err came from a unique or primary key constraint.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

// unavailable wraps a database failure so callers can detect it with errors.Is.
func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}
