package repository

import (
	"fmt"
	"regexp"
	"strings"

	sq "github.com/Masterminds/squirrel"
)

// Dialect captures the per-engine differences the SQL store cares about
type Dialect struct {
	Name string
	// DriverName is the database/sql driver registered for this dialect.
	DriverName  string
	Placeholder sq.PlaceholderFormat
	// Returning reports whether inserts report row_num via RETURNING
	// instead of LastInsertId.
	Returning bool
	// SingleConn pins the pool to one connection (embedded engines).
	SingleConn bool
	schema     func(queue string) []string
	ignore     func(b sq.InsertBuilder) sq.InsertBuilder
	dsn        func(dsn string) string
}

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// LookupDialect returns the dialect registered under name
func LookupDialect(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case "sqlite3", "":
		return sqlite3Dialect, nil
	case "sqlite":
		return sqliteDialect, nil
	case "postgres", "pgx":
		return postgresDialect, nil
	case "mysql":
		return mysqlDialect, nil
	}
	return Dialect{}, fmt.Errorf("unsupported store driver %q", name)
}

func sqliteSchema(queue string) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		row_num INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL UNIQUE,
		created_at INTEGER,
		job_type TEXT NOT NULL,
		target TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT '',
		source_sheet TEXT NOT NULL DEFAULT '',
		source_row INTEGER NOT NULL DEFAULT 0,
		payload_json TEXT NOT NULL DEFAULT '{}',
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		updated_at INTEGER,
		lock_until INTEGER,
		claimed_at INTEGER,
		result_url TEXT NOT NULL DEFAULT '',
		result_id TEXT NOT NULL DEFAULT '',
		result_title TEXT NOT NULL DEFAULT ''
	)`, queue),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_job_type ON %s(job_type)`, queue, queue),
		`CREATE TABLE IF NOT EXISTS queue_triggers (
		handler TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		every_ms INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	)`,
		`CREATE TABLE IF NOT EXISTS gate_locks (
		scope TEXT PRIMARY KEY,
		holder TEXT NOT NULL DEFAULT '',
		expires_at INTEGER NOT NULL DEFAULT 0
	)`,
	}
}

var sqlite3Dialect = Dialect{
	Name:        "sqlite3",
	DriverName:  "sqlite3",
	Placeholder: sq.Question,
	SingleConn:  true,
	schema:      sqliteSchema,
	ignore:      func(b sq.InsertBuilder) sq.InsertBuilder { return b.Options("OR IGNORE") },
	dsn: func(dsn string) string {
		if strings.Contains(dsn, "?") {
			return dsn
		}
		return dsn + "?_journal_mode=WAL&_timeout=5000"
	},
}

var sqliteDialect = Dialect{
	Name:        "sqlite",
	DriverName:  "sqlite",
	Placeholder: sq.Question,
	SingleConn:  true,
	schema:      sqliteSchema,
	ignore:      func(b sq.InsertBuilder) sq.InsertBuilder { return b.Options("OR IGNORE") },
	dsn: func(dsn string) string {
		if strings.Contains(dsn, "?") {
			return dsn
		}
		return dsn + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	},
}

var postgresDialect = Dialect{
	Name:        "postgres",
	DriverName:  "pgx",
	Placeholder: sq.Dollar,
	Returning:   true,
	schema: func(queue string) []string {
		return []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			row_num BIGSERIAL PRIMARY KEY,
			job_id TEXT NOT NULL UNIQUE,
			created_at BIGINT,
			job_type TEXT NOT NULL,
			target TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT '',
			source_sheet TEXT NOT NULL DEFAULT '',
			source_row INTEGER NOT NULL DEFAULT 0,
			payload_json TEXT NOT NULL DEFAULT '{}',
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			updated_at BIGINT,
			lock_until BIGINT,
			claimed_at BIGINT,
			result_url TEXT NOT NULL DEFAULT '',
			result_id TEXT NOT NULL DEFAULT '',
			result_title TEXT NOT NULL DEFAULT ''
		)`, queue),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_job_type ON %s(job_type)`, queue, queue),
			`CREATE TABLE IF NOT EXISTS queue_triggers (
			handler TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			every_ms BIGINT NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL
		)`,
			`CREATE TABLE IF NOT EXISTS gate_locks (
			scope TEXT PRIMARY KEY,
			holder TEXT NOT NULL DEFAULT '',
			expires_at BIGINT NOT NULL DEFAULT 0
		)`,
		}
	},
	ignore: func(b sq.InsertBuilder) sq.InsertBuilder { return b.Suffix("ON CONFLICT DO NOTHING") },
	dsn:    func(dsn string) string { return dsn },
}

// MySQL cannot default TEXT columns, so every insert writes all of them.
var mysqlDialect = Dialect{
	Name:        "mysql",
	DriverName:  "mysql",
	Placeholder: sq.Question,
	schema: func(queue string) []string {
		return []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			row_num BIGINT AUTO_INCREMENT PRIMARY KEY,
			job_id VARCHAR(191) NOT NULL UNIQUE,
			created_at BIGINT NULL,
			job_type VARCHAR(64) NOT NULL,
			target VARCHAR(64) NOT NULL DEFAULT '',
			status VARCHAR(16) NOT NULL DEFAULT '',
			source_sheet VARCHAR(255) NOT NULL DEFAULT '',
			source_row INT NOT NULL DEFAULT 0,
			payload_json MEDIUMTEXT NOT NULL,
			retry_count INT NOT NULL DEFAULT 0,
			last_error MEDIUMTEXT NOT NULL,
			updated_at BIGINT NULL,
			lock_until BIGINT NULL,
			claimed_at BIGINT NULL,
			result_url VARCHAR(2048) NOT NULL DEFAULT '',
			result_id VARCHAR(255) NOT NULL DEFAULT '',
			result_title VARCHAR(1024) NOT NULL DEFAULT '',
			KEY idx_%s_job_type (job_type)
		) DEFAULT CHARSET=utf8mb4`, queue, queue),
			`CREATE TABLE IF NOT EXISTS queue_triggers (
			handler VARCHAR(191) PRIMARY KEY,
			kind VARCHAR(16) NOT NULL,
			every_ms BIGINT NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL
		)`,
			`CREATE TABLE IF NOT EXISTS gate_locks (
			scope VARCHAR(191) PRIMARY KEY,
			holder VARCHAR(64) NOT NULL DEFAULT '',
			expires_at BIGINT NOT NULL DEFAULT 0
		)`,
		}
	},
	ignore: func(b sq.InsertBuilder) sq.InsertBuilder { return b.Options("IGNORE") },
	dsn:    func(dsn string) string { return dsn },
}
