package index

import (
	"context"
	"database/sql"
	_ "embed"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/t7a/deckstore/id"
)

//go:embed schema.sql
var schemaSQL string

// SQLite is an Index kept in a database file, normally
// <store>/var/index.db.  Several processes may share the file.
type SQLite struct {
	db *sql.DB
}

var _ Index = (*SQLite)(nil)

// Open creates or opens the database at path and applies the schema.
func Open(path string) (s *SQLite, err error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "open index")
	}
	err = db.Ping()
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "open index")
	}
	// sqlite allows one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, stmt := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		schemaSQL,
	} {
		_, err = db.Exec(stmt)
		if err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "init index %s", path)
		}
	}
	log.Debugf("opened index %s", path)
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) RecordOutput(ctx context.Context, mid id.ManifestId, name string, oid id.OutputId) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO outputs (manifest, name, output) VALUES (?, ?, ?)
		 ON CONFLICT (manifest, name) DO UPDATE SET output = excluded.output`,
		mid.String(), name, oid.String())
	return errors.Wrap(err, "record output")
}

func (s *SQLite) LookupOutput(ctx context.Context, mid id.ManifestId, name string) (oid id.OutputId, ok bool, err error) {
	var raw string
	err = s.db.QueryRowContext(ctx,
		`SELECT output FROM outputs WHERE manifest = ? AND name = ?`,
		mid.String(), name).Scan(&raw)
	if err == sql.ErrNoRows {
		return oid, false, nil
	}
	if err != nil {
		return oid, false, errors.Wrap(err, "lookup output")
	}
	oid, err = id.ParseOutputId(raw)
	if err != nil {
		return
	}
	return oid, true, nil
}

func (s *SQLite) RecordBuild(ctx context.Context, b Build) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO builds (manifest, started, finished, err, log) VALUES (?, ?, ?, ?, ?)`,
		b.Manifest.String(), b.Started.UnixNano(), b.Finished.UnixNano(), b.Err, b.Log)
	return errors.Wrap(err, "record build")
}

func (s *SQLite) LastBuild(ctx context.Context, mid id.ManifestId) (b Build, ok bool, err error) {
	var started, finished int64
	err = s.db.QueryRowContext(ctx,
		`SELECT started, finished, err, log FROM builds
		 WHERE manifest = ? ORDER BY finished DESC, seq DESC LIMIT 1`,
		mid.String()).Scan(&started, &finished, &b.Err, &b.Log)
	if err == sql.ErrNoRows {
		return b, false, nil
	}
	if err != nil {
		return b, false, errors.Wrap(err, "lookup build")
	}
	b.Manifest = mid
	b.Started = time.Unix(0, started)
	b.Finished = time.Unix(0, finished)
	return b, true, nil
}

func (s *SQLite) Installed(ctx context.Context) (mids []id.ManifestId, err error) {
	rows, err := s.db.QueryContext(ctx, `SELECT manifest FROM installed ORDER BY manifest`)
	if err != nil {
		return nil, errors.Wrap(err, "list installed")
	}
	defer rows.Close()
	for rows.Next() {
		var raw string
		err = rows.Scan(&raw)
		if err != nil {
			return
		}
		mid, err := id.ParseManifestId(raw)
		if err != nil {
			log.Warnf("skipping bad profile entry %q: %v", raw, err)
			continue
		}
		mids = append(mids, mid)
	}
	return mids, rows.Err()
}

func (s *SQLite) SetInstalled(ctx context.Context, add, remove []id.ManifestId) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()
	for _, mid := range remove {
		_, err = tx.ExecContext(ctx, `DELETE FROM installed WHERE manifest = ?`, mid.String())
		if err != nil {
			return
		}
	}
	for _, mid := range add {
		_, err = tx.ExecContext(ctx, `INSERT OR IGNORE INTO installed (manifest) VALUES (?)`, mid.String())
		if err != nil {
			return
		}
	}
	return tx.Commit()
}
