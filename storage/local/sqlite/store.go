package sqlitestore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/trezcool/goose"
	"github.com/volatiletech/null/v8"
	_ "modernc.org/sqlite"

	"github.com/trezcool/masomo-sync/core"
	"github.com/trezcool/masomo-sync/core/offline"
)

//go:embed migrations/*.sql
var migrations embed.FS

type documentRow struct {
	Collection string     `db:"collection"`
	Key        string     `db:"key"`
	Body       []byte     `db:"body"`
	CreatedAt  int64      `db:"created_at"`
	UpdatedAt  null.Int64 `db:"updated_at"` // unset until the first overwrite
}

// Store persists the offline collections in a single SQLite file.
// The database is opened and migrated on first use; an opening failure is returned by every later call.
type Store struct {
	path string

	once    sync.Once
	db      *sqlx.DB
	initErr error
	closed  atomic.Bool
}

var _ offline.Store = (*Store)(nil) // interface compliance check

func New(path string) *Store {
	return &Store{path: path}
}

func dsn(path string) string {
	q := make(url.Values)
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "synchronous(FULL)")
	return "file:" + path + "?" + q.Encode()
}

func open(path string) (*sqlx.DB, error) {
	db, err := sqlx.Open("sqlite", dsn(path))
	if err != nil {
		return nil, errors.Wrap(err, "opening local database")
	}
	// one writer; all callers share the same connection
	db.SetMaxOpenConns(1)

	if err = db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, "pinging local database %s", path)
	}

	if err = goose.SetDialect("sqlite3"); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "setting migrations dialect")
	}
	if err = goose.Up(db.DB, migrations, "migrations"); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "migrating local database")
	}
	return db, nil
}

func (s *Store) conn() (*sqlx.DB, error) {
	if s.closed.Load() {
		return nil, offline.ErrStoreClosed
	}
	s.once.Do(func() {
		s.db, s.initErr = open(s.path)
	})
	return s.db, s.initErr
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}
	if err = fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "committing transaction")
}

func (s *Store) Put(ctx context.Context, collection string, doc offline.Document) error {
	if err := offline.CheckCollection(collection); err != nil {
		return err
	}

	now := core.NowMillis()
	row := documentRow{
		Collection: collection,
		Key:        doc.Key,
		Body:       doc.Body,
		CreatedAt:  now,
		UpdatedAt:  null.Int64From(now),
	}
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		q := `INSERT INTO document (collection, key, body, created_at)
			VALUES (:collection, :key, :body, :created_at)
			ON CONFLICT (collection, key) DO UPDATE SET body = excluded.body, updated_at = :updated_at`
		if _, err := tx.NamedExecContext(ctx, q, row); err != nil {
			return errors.Wrapf(err, "writing %s/%s", collection, doc.Key)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM document_index WHERE collection = ? AND key = ?`, collection, doc.Key); err != nil {
			return errors.Wrapf(err, "clearing indexes of %s/%s", collection, doc.Key)
		}
		for _, name := range offline.Collections[collection] {
			value, ok := doc.Indexes[name]
			if !ok {
				continue
			}
			q = `INSERT INTO document_index (collection, key, name, value) VALUES (?, ?, ?, ?)`
			if _, err := tx.ExecContext(ctx, q, collection, doc.Key, name, value); err != nil {
				return errors.Wrapf(err, "indexing %s/%s", collection, doc.Key)
			}
		}
		return nil
	})
}

func (s *Store) Get(ctx context.Context, collection, key string) ([]byte, bool, error) {
	if err := offline.CheckCollection(collection); err != nil {
		return nil, false, err
	}
	db, err := s.conn()
	if err != nil {
		return nil, false, err
	}

	var body []byte
	err = db.GetContext(ctx, &body, `SELECT body FROM document WHERE collection = ? AND key = ?`, collection, key)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "reading %s/%s", collection, key)
	}
	return body, true, nil
}

func (s *Store) QueryByIndex(ctx context.Context, collection, index, value string) ([][]byte, error) {
	if err := offline.CheckCollection(collection, index); err != nil {
		return nil, err
	}
	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	// rowid follows the first insertion of each document; upserts keep it
	q := `SELECT d.body FROM document d
		JOIN document_index i ON i.collection = d.collection AND i.key = d.key
		WHERE i.collection = ? AND i.name = ? AND i.value = ?
		ORDER BY d.rowid`
	bodies := make([][]byte, 0)
	if err = db.SelectContext(ctx, &bodies, q, collection, index, value); err != nil {
		return nil, errors.Wrap(err, fmt.Sprintf("querying %s by %s", collection, index))
	}
	return bodies, nil
}

func (s *Store) Delete(ctx context.Context, collection, key string) error {
	if err := offline.CheckCollection(collection); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM document_index WHERE collection = ? AND key = ?`, collection, key); err != nil {
			return errors.Wrapf(err, "deleting indexes of %s/%s", collection, key)
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM document WHERE collection = ? AND key = ?`, collection, key)
		return errors.Wrapf(err, "deleting %s/%s", collection, key)
	})
}

func (s *Store) Clear(ctx context.Context, collection string) error {
	if err := offline.CheckCollection(collection); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM document_index WHERE collection = ?`, collection); err != nil {
			return errors.Wrapf(err, "clearing indexes of %s", collection)
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM document WHERE collection = ?`, collection)
		return errors.Wrapf(err, "clearing %s", collection)
	})
}

// Close closes the database. Later calls fail with offline.ErrStoreClosed.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.once.Do(func() { s.initErr = offline.ErrStoreClosed }) // never opened
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
