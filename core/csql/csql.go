package csql

import (
	"database/sql"
	"log"
	"time"

	_ "modernc.org/sqlite" // load the pure Go sqlite driver
)

// DB encapsulates a standard sql.DB for the gateway's embedded database.
type DB struct {
	*sql.DB
}

// ErrNoRows is returned by Scan when QueryRow doesn't return a
// row. In such a case, QueryRow returns a placeholder *Row value that
// defers this error until a Scan.
var ErrNoRows = sql.ErrNoRows

// Open opens the corelink embedded sqlite database at the given path.
// The database file is created if it does not exist yet. Use the path
// ":memory:" for a transient in-memory database.
//
// The connection pool is limited to a single connection, sqlite does
// not support concurrent writers.
func Open(path string) (*DB, error) {
	log.Println("opening embedded database:", path)
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return &DB{DB: db}, nil
}

// MustOpen opens the embedded database like Open, but panics on error.
func MustOpen(path string) *DB {
	db, err := Open(path)
	if err != nil {
		panic(err)
	}
	return db
}
