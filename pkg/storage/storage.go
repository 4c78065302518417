// Package storage is the durable persistence layer (C1): schema migrations,
// a bounded connection pool, and one repository per entity in the data
// model. Every repo method fails with a *beaconerr.Error of KindDatabase;
// callers surface it but do not retry, except where noted.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/sipeed/beacon/pkg/beaconerr"
)

// Dialect names the three database/sql backends the migration runner and
// repositories support, matching the dialect-selection pattern used for
// session storage in the memory-service grounding repo.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
)

// ExtensionLoader runs exactly once per process before any connection is
// used for application queries. It is the hook point for registering a
// sqlite vector-search extension or similar native module; this gateway's
// Memory Index mirrors embeddings into chromem-go instead of a sqlite
// extension, so the default loader is a no-op, but the contract is kept so
// an alternative ANN backend can hook in without touching callers.
type ExtensionLoader func(driverName string) error

// Store wraps a *sql.DB with dialect-aware SQL and exposes the per-entity
// repositories.
type Store struct {
	DB      *sql.DB
	Dialect Dialect

	once sync.Once

	Users     *UserRepo
	Sessions  *SessionRepo
	Messages  *MessageRepo
	Memories  *MemoryRepo
	Skills    *SkillRepo
	Pairings  *PairingRepo
	Groups    *GroupConfigRepo
}

// Options configures Open.
type Options struct {
	Dialect         Dialect
	DSN             string
	MaxOpenConns    int // default 4, forced to 1 for sqlite ":memory:"
	ExtensionLoader ExtensionLoader
}

// Open opens the database, applies the extension loader once, runs pending
// migrations, and wires every repository. Returns a *beaconerr.Error of
// KindSchema on migration failure — the caller must not proceed.
func Open(ctx context.Context, opts Options) (*Store, error) {
	driverName := string(opts.Dialect)
	if opts.Dialect == DialectSQLite {
		driverName = "sqlite3"
	}

	if opts.ExtensionLoader != nil {
		if err := opts.ExtensionLoader(driverName); err != nil {
			return nil, beaconerr.SchemaError("extension loader failed", err)
		}
	}

	db, err := sql.Open(driverName, opts.DSN)
	if err != nil {
		return nil, beaconerr.SchemaError("opening database", err)
	}

	maxOpen := opts.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 4
	}
	if opts.Dialect == DialectSQLite && opts.DSN == ":memory:" {
		maxOpen = 1
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxOpen)
	db.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, beaconerr.SchemaError("pinging database", err)
	}

	s := &Store{DB: db, Dialect: opts.Dialect}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	s.Users = &UserRepo{s: s}
	s.Sessions = &SessionRepo{s: s}
	s.Messages = &MessageRepo{s: s}
	s.Memories = &MemoryRepo{s: s}
	s.Skills = &SkillRepo{s: s}
	s.Pairings = &PairingRepo{s: s}
	s.Groups = &GroupConfigRepo{s: s}

	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.DB.Close()
}

// placeholder returns the nth (1-indexed) bind-parameter placeholder for
// the store's dialect: "?" for sqlite/mysql, "$n" for postgres.
func (s *Store) placeholder(n int) string {
	if s.Dialect == DialectPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// rebind rewrites a query written with "?" placeholders into the dialect's
// native placeholder scheme, so every repo can be written once against "?".
func (s *Store) rebind(query string) string {
	if s.Dialect != DialectPostgres {
		return query
	}
	out := make([]byte, 0, len(query)+8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			out = append(out, []byte(fmt.Sprintf("$%d", n))...)
			continue
		}
		out = append(out, query[i])
	}
	return string(out)
}

func wrapDBErr(detail string, err error) error {
	if err == nil {
		return nil
	}
	return beaconerr.DatabaseError(detail, err)
}
