package trust

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Directory is the persistent store of person trust records, backed by
// SQLite. Records are mutated only through the administrative surface
// (Upsert/Remove), never by a request handler; request paths read fresh
// via Lookup on every action.
type Directory struct {
	db *sql.DB
}

// NewDirectory opens (or creates) the directory database at dbPath.
func NewDirectory(dbPath string) (*Directory, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	d := &Directory{db: db}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return d, nil
}

// Close closes the database connection.
func (d *Directory) Close() error {
	return d.db.Close()
}

func (d *Directory) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS persons (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		level      TEXT NOT NULL,
		autonomy   INTEGER NOT NULL,
		updated_at TEXT NOT NULL
	);
	`
	_, err := d.db.Exec(schema)
	return err
}

// Lookup returns the trust record for a person ID. Unknown IDs resolve
// to the Guest record with no error — an unrecognized person is a valid,
// minimally-trusted requester, not a failure.
func (d *Directory) Lookup(id string) (Person, error) {
	var p Person
	var level string
	err := d.db.QueryRow(
		`SELECT id, name, level, autonomy FROM persons WHERE id = ?`, id,
	).Scan(&p.ID, &p.Name, &level, &p.Autonomy)
	if err == sql.ErrNoRows {
		return GuestPerson(), nil
	}
	if err != nil {
		return GuestPerson(), fmt.Errorf("lookup %s: %w", id, err)
	}

	lvl, err := ParseLevel(level)
	if err != nil {
		// Corrupt level in storage degrades to Guest rather than Owner.
		return GuestPerson(), fmt.Errorf("lookup %s: %w", id, err)
	}
	p.Level = lvl
	return p, nil
}

// Upsert creates or replaces a person record. Administrative surface
// only. Autonomy outside 1..5 is rejected.
func (d *Directory) Upsert(p Person) error {
	if p.ID == "" {
		return fmt.Errorf("person id is required")
	}
	if p.Autonomy < AutonomyReactive || p.Autonomy > AutonomyFull {
		return fmt.Errorf("autonomy %d out of range 1..5", p.Autonomy)
	}

	_, err := d.db.Exec(
		`INSERT INTO persons (id, name, level, autonomy, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE
		 SET name = excluded.name, level = excluded.level,
		     autonomy = excluded.autonomy, updated_at = excluded.updated_at`,
		p.ID, p.Name, p.Level.String(), p.Autonomy,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", p.ID, err)
	}
	return nil
}

// Remove deletes a person record. No error if the ID does not exist.
func (d *Directory) Remove(id string) error {
	_, err := d.db.Exec(`DELETE FROM persons WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("remove %s: %w", id, err)
	}
	return nil
}

// List returns all person records ordered by ID, for the admin API.
func (d *Directory) List() ([]Person, error) {
	rows, err := d.db.Query(`SELECT id, name, level, autonomy FROM persons ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list persons: %w", err)
	}
	defer rows.Close()

	var out []Person
	for rows.Next() {
		var p Person
		var level string
		if err := rows.Scan(&p.ID, &p.Name, &level, &p.Autonomy); err != nil {
			return nil, fmt.Errorf("scan person: %w", err)
		}
		lvl, err := ParseLevel(level)
		if err != nil {
			lvl = Guest
		}
		p.Level = lvl
		out = append(out, p)
	}
	return out, rows.Err()
}
