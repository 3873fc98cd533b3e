package allowlist

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

type (
	// SQLite keeps approvals in a table, which is a strict set: tokens match
	// only when they are equal.
	SQLite struct {
		db        *sql.DB
		path      string
		writeable bool
	}

	setSnapshot map[string]struct{}
)

var (
	errReadOnly = errors.New("allowlist: database opened in read-only mode")
)

func openDatabase(ctx context.Context, file string, readwrite bool) (*sql.DB, error) {
	if readwrite {
		err := os.MkdirAll(filepath.Dir(file), 0755)
		if err != nil {
			return nil, fmt.Errorf("unable to create directory to store %v, cause %w", file, err)
		}
	}
	var connstr string
	if readwrite {
		connstr = fmt.Sprintf("file:%v?_journal=wal&mode=rwc&_busy_timeout=5000", file)
	} else {
		connstr = fmt.Sprintf("file:%v?mode=ro&_busy_timeout=5000", file)
	}
	conn, err := sql.Open("sqlite3", connstr)
	if err != nil {
		return nil, fmt.Errorf("unable to open %v, cause %w", file, err)
	}
	err = conn.PingContext(ctx)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("unable to ping %v, cause %w", file, err)
	}
	return conn, nil
}

// OpenSQLite opens the allow-list database at file. The server opens it
// read-only; administrative commands open it with readwrite set, which also
// creates the schema.
func OpenSQLite(ctx context.Context, file string, readwrite bool) (*SQLite, error) {
	conn, err := openDatabase(ctx, file, readwrite)
	if err != nil {
		return nil, IOError{Path: file, cause: err}
	}
	s := &SQLite{db: conn, path: file, writeable: readwrite}
	if readwrite {
		err = s.init(ctx)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("unable to init allow-list %v, cause %w", file, err)
		}
	}
	return s, nil
}

func (s *SQLite) init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `create table if not exists allowlist(
		token text not null primary key,
		approved_at integer not null
	)`)
	return err
}

func (s *SQLite) Contains(ctx context.Context, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	var found int
	err := s.db.QueryRowContext(ctx, `select 1 from allowlist where token = ?`, token).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	} else if err != nil {
		return false, IOError{Path: s.path, cause: err}
	}
	return true, nil
}

func (s *SQLite) Snapshot(ctx context.Context) (Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `select token from allowlist`)
	if err != nil {
		return nil, IOError{Path: s.path, cause: err}
	}
	defer rows.Close()
	set := setSnapshot{}
	for rows.Next() {
		var token string
		err = rows.Scan(&token)
		if err != nil {
			return nil, IOError{Path: s.path, cause: err}
		}
		set[token] = struct{}{}
	}
	if err = rows.Err(); err != nil {
		return nil, IOError{Path: s.path, cause: err}
	}
	return set, nil
}

// Approve inserts token into the allow-list. Approving twice is not an error.
func (s *SQLite) Approve(ctx context.Context, token string) error {
	if !s.writeable {
		return errReadOnly
	}
	if token == "" {
		return errInvalidToken
	}
	_, err := s.db.ExecContext(ctx, `insert into allowlist(token, approved_at) values (?, ?)
		on conflict (token) do nothing`, token, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("unable to approve token, cause %w", err)
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s setSnapshot) Contains(token string) bool {
	_, ok := s[token]
	return ok
}
