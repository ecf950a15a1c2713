package athletes

import (
	"database/sql"
	"fmt"
	"slices"

	_ "github.com/mattn/go-sqlite3"
	_ "github.com/tursodatabase/libsql-client-go/libsql"
	_ "modernc.org/sqlite"
)

// Registered database/sql driver names.
const (
	DriverSQLite3 = "sqlite3" // github.com/mattn/go-sqlite3, needs cgo
	DriverSQLite  = "sqlite"  // modernc.org/sqlite, pure Go
	DriverLibSQL  = "libsql"  // remote libSQL/Turso databases
)

// Drivers lists the storage drivers Open accepts.
func Drivers() []string {
	return []string{DriverSQLite3, DriverSQLite, DriverLibSQL}
}

// Open opens a database for the athlete store. All access goes through a
// single connection so the per-connection foreign key pragma sticks and
// SQLite never sees concurrent writers.
func Open(driver, dsn string) (*sql.DB, error) {
	if !slices.Contains(Drivers(), driver) {
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}
	if dsn == "" {
		return nil, fmt.Errorf("storage DSN is required")
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}
