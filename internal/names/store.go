package names

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	// Registers the sqlite3 driver.
	_ "github.com/mattn/go-sqlite3"

	"github.com/danmuck/portmesh/internal/contact"
)

// Store persists registry records.
type Store interface {
	Save(ctx context.Context, rec Record) error
	Delete(ctx context.Context, name string) error
	Load(ctx context.Context) ([]Record, error)
	Close() error
}

// SQLStore keeps records in a sqlite database.
type SQLStore struct {
	db *sql.DB
}

const createRecords = `CREATE TABLE IF NOT EXISTS records (
	name          TEXT PRIMARY KEY,
	carrier       TEXT NOT NULL,
	host          TEXT NOT NULL,
	port          INTEGER NOT NULL,
	reusable_port INTEGER NOT NULL,
	tmp_suffix    INTEGER NOT NULL,
	props         TEXT NOT NULL
)`

// OpenSQLStore opens (creating if needed) the database at path. ":memory:"
// gives a private in-memory database.
func OpenSQLStore(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("names: open store %s: %w", path, err)
	}
	// One connection keeps ":memory:" databases from splitting per conn.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(createRecords); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("names: create records table: %w", err)
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Save(ctx context.Context, rec Record) error {
	props, err := json.Marshal(rec.Props)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO records (name, carrier, host, port, reusable_port, tmp_suffix, props)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
		   carrier = excluded.carrier,
		   host = excluded.host,
		   port = excluded.port,
		   reusable_port = excluded.reusable_port,
		   tmp_suffix = excluded.tmp_suffix,
		   props = excluded.props`,
		rec.Contact.Name,
		rec.Contact.Carrier,
		rec.Contact.Host,
		rec.Contact.Port,
		rec.ReusablePort,
		rec.TmpSuffix,
		string(props),
	)
	if err != nil {
		return fmt.Errorf("names: save %s: %w", rec.Contact.Name, err)
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE name = ?`, name); err != nil {
		return fmt.Errorf("names: delete %s: %w", name, err)
	}
	return nil
}

func (s *SQLStore) Load(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, carrier, host, port, reusable_port, tmp_suffix, props FROM records ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("names: load: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			name, carrierName, host, props string
			port, tmpSuffix                int
			reusable                       bool
		)
		if err := rows.Scan(&name, &carrierName, &host, &port, &reusable, &tmpSuffix, &props); err != nil {
			return nil, err
		}
		rec := Record{
			Contact:      contact.New(name, carrierName, host, port),
			ReusablePort: reusable,
			TmpSuffix:    tmpSuffix,
		}
		if err := json.Unmarshal([]byte(props), &rec.Props); err != nil {
			return nil, fmt.Errorf("names: load %s props: %w", name, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
