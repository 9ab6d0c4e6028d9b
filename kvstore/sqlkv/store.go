// Package sqlkv stores key-value pairs in a single table of any database/sql database, so the
// session store can live next to the application's own data.
package sqlkv

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/blossomkit/nostrconnect/kvstore"
	"github.com/jmoiron/sqlx"
)

var _ kvstore.KVStore = (*Store)(nil)

type Store struct {
	*sqlx.DB

	interop interop
}

// NewStore takes a database connection (db) and a database type name (driverName).
// driverName must be either "postgres" or "sqlite3" -- this is so we can slightly change the queries.
func NewStore(db *sql.DB, driverName string) (*Store, error) {
	s := &Store{DB: sqlx.NewDb(db, driverName)}

	switch driverName {
	case "sqlite3":
		s.interop = sqliteInterop
	case "postgres":
		s.interop = postgresInterop
	default:
		return nil, fmt.Errorf("unknown database driver '%s'", driverName)
	}

	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate kv tables: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	txn, err := s.Beginx()
	if err != nil {
		return err
	}
	defer txn.Rollback()

	if _, err := txn.Exec(`CREATE TABLE IF NOT EXISTS nostrconnect_db_version (version int)`); err != nil {
		return err
	}
	var version int
	if err := txn.Get(&version, `SELECT version FROM nostrconnect_db_version`); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	if version == 0 {
		if _, err := txn.Exec(`INSERT INTO nostrconnect_db_version VALUES (0)`); err != nil {
			return err
		}
		version = 1
		if _, err := txn.Exec(
			`CREATE TABLE IF NOT EXISTS nostrconnect_kv (` +
				`k ` + s.interop.blobType + ` PRIMARY KEY, ` +
				`v ` + s.interop.blobType + ` NOT NULL` +
				`)`,
		); err != nil {
			return err
		}
	}

	if _, err := txn.Exec(
		fmt.Sprintf(`UPDATE nostrconnect_db_version SET version = %d`, version),
	); err != nil {
		return err
	}
	return txn.Commit()
}

func (s *Store) Get(key []byte) ([]byte, error) {
	return s.get(s.DB, key)
}

func (s *Store) get(q sqlx.Queryer, key []byte) ([]byte, error) {
	var v []byte
	err := sqlx.Get(q, &v, `SELECT v FROM nostrconnect_kv WHERE k = `+s.interop.bind(1), key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if v == nil {
		v = []byte{}
	}
	return v, nil
}

func (s *Store) Set(key []byte, value []byte) error {
	return s.set(s.DB, key, value)
}

func (s *Store) set(e sqlx.Execer, key []byte, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	_, err := e.Exec(
		`INSERT INTO nostrconnect_kv (k, v) VALUES (`+s.interop.bind(1)+`, `+s.interop.bind(2)+`)
		 ON CONFLICT (k) DO UPDATE SET v = excluded.v`,
		key, value,
	)
	return err
}

func (s *Store) Delete(key []byte) error {
	_, err := s.Exec(`DELETE FROM nostrconnect_kv WHERE k = `+s.interop.bind(1), key)
	return err
}

func (s *Store) Update(key []byte, f func([]byte) ([]byte, error)) error {
	txn, err := s.Beginx()
	if err != nil {
		return err
	}
	defer txn.Rollback()

	val, err := s.get(txn, key)
	if err != nil {
		return err
	}

	newVal, err := f(val)
	if err == kvstore.NoOp {
		return nil
	} else if err != nil {
		return err
	}

	if newVal == nil {
		if _, err := txn.Exec(`DELETE FROM nostrconnect_kv WHERE k = `+s.interop.bind(1), key); err != nil {
			return err
		}
	} else if err := s.set(txn, key, newVal); err != nil {
		return err
	}
	return txn.Commit()
}

func (s *Store) Close() error {
	return s.DB.Close()
}
