package storage

import (
	"database/sql"
	"errors"
	"time"
)

// PinStatus reports how a library compared with its stored pin.
type PinStatus int

const (
	// PinNew means the library had not been seen before.
	PinNew PinStatus = iota
	// PinUnchanged means the digest matched the stored pin.
	PinUnchanged
	// PinChanged means the digest differed; the pin was updated.
	PinChanged
)

func (s PinStatus) String() string {
	switch s {
	case PinNew:
		return "new"
	case PinUnchanged:
		return "unchanged"
	case PinChanged:
		return "changed"
	default:
		return "unknown"
	}
}

// LibraryPin records the last digest seen for a guest library.
type LibraryPin struct {
	Backend   string
	Name      string
	Digest    string
	Path      string
	FirstSeen time.Time
	LastSeen  time.Time
}

// PinLibrary records p's digest and reports whether it differs from the
// previous pin for the same backend and name.
func (db *DB) PinLibrary(p LibraryPin) (PinStatus, error) {
	now := time.Now().UTC()
	status := PinNew
	err := db.WithTx(func(tx *sql.Tx) error {
		var digest string
		err := tx.QueryRow(
			"SELECT digest FROM library_pins WHERE backend = ? AND name = ?",
			p.Backend, p.Name,
		).Scan(&digest)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			_, err = tx.Exec(
				`INSERT INTO library_pins (backend, name, digest, path, first_seen, last_seen)
				 VALUES (?, ?, ?, ?, ?, ?)`,
				p.Backend, p.Name, p.Digest, p.Path, now, now,
			)
			return err
		case err != nil:
			return err
		}

		status = PinUnchanged
		if digest != p.Digest {
			status = PinChanged
		}
		_, err = tx.Exec(
			"UPDATE library_pins SET digest = ?, path = ?, last_seen = ? WHERE backend = ? AND name = ?",
			p.Digest, p.Path, now, p.Backend, p.Name,
		)
		return err
	})
	return status, err
}

// GetPin returns the pin for a library.
func (db *DB) GetPin(backend, name string) (LibraryPin, error) {
	p := LibraryPin{Backend: backend, Name: name}
	err := db.QueryRow(
		"SELECT digest, path, first_seen, last_seen FROM library_pins WHERE backend = ? AND name = ?",
		backend, name,
	).Scan(&p.Digest, &p.Path, &p.FirstSeen, &p.LastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return LibraryPin{}, ErrNotFound
	}
	return p, err
}

// ListPins returns every pin ordered by backend and name.
func (db *DB) ListPins() ([]LibraryPin, error) {
	rows, err := db.Query(
		"SELECT backend, name, digest, path, first_seen, last_seen FROM library_pins ORDER BY backend, name",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pins []LibraryPin
	for rows.Next() {
		var p LibraryPin
		if err := rows.Scan(&p.Backend, &p.Name, &p.Digest, &p.Path, &p.FirstSeen, &p.LastSeen); err != nil {
			return nil, err
		}
		pins = append(pins, p)
	}
	return pins, rows.Err()
}

// DeletePin removes a pin.
func (db *DB) DeletePin(backend, name string) error {
	result, err := db.Exec("DELETE FROM library_pins WHERE backend = ? AND name = ?", backend, name)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
