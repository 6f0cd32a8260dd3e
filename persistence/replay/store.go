// Package replay persists a machine's dispatched signals to SQLite and
// replays them through a fresh machine to reconstitute state after a
// crash. A Machine never persists anything itself, so durability is
// entirely a caller concern, wired in from outside like this.
package replay

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	_ "modernc.org/sqlite"
)

// Codec converts a signal to and from its stored representation. JSONCodec
// covers the common case; callers with signals that don't marshal cleanly
// (channels, funcs) can supply their own.
type Codec[Sig any] interface {
	Encode(Sig) ([]byte, error)
	Decode([]byte) (Sig, error)
}

// JSONCodec encodes signals with encoding/json.
type JSONCodec[Sig any] struct{}

func (JSONCodec[Sig]) Encode(sig Sig) ([]byte, error) { return json.Marshal(sig) }

func (JSONCodec[Sig]) Decode(b []byte) (Sig, error) {
	var sig Sig
	err := json.Unmarshal(b, &sig)
	return sig, err
}

// Store appends dispatched signals to a SQLite-backed log, in dispatch
// order, and can play that log back to reconstruct state. Grounded on
// nugget/thane-ai-agent's checkpoint.Store: a migrate-on-open table, plain
// database/sql access, no ORM.
type Store[Sig any] struct {
	db    *sql.DB
	codec Codec[Sig]
}

// Open opens (creating if needed) a SQLite database at path and returns a
// Store backed by it.
func Open[Sig any](path string, codec Codec[Sig]) (*Store[Sig], error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	s := &Store[Sig]{db: db, codec: codec}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store[Sig]) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS signal_log (
			seq         INTEGER PRIMARY KEY AUTOINCREMENT,
			dispatched_at TEXT NOT NULL,
			payload     BLOB NOT NULL
		);
	`)
	return errors.Wrap(err, "migrate signal_log")
}

// Close closes the underlying database handle.
func (s *Store[Sig]) Close() error { return s.db.Close() }

// Append records sig as the next entry in the log. Intended to be wired
// as a Machine's Subscribe handler filtering on SignalReceived events, so
// every signal lands in the log before its effects are reconciled.
func (s *Store[Sig]) Append(ctx context.Context, sig Sig) error {
	payload, err := s.codec.Encode(sig)
	if err != nil {
		return errors.Wrap(err, "encode signal")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO signal_log (dispatched_at, payload) VALUES (?, ?)`,
		time.Now().UTC().Format(time.RFC3339Nano), payload)
	return errors.Wrap(err, "insert signal")
}

// All returns every logged signal in dispatch order.
func (s *Store[Sig]) All(ctx context.Context) ([]Sig, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM signal_log ORDER BY seq ASC`)
	if err != nil {
		return nil, errors.Wrap(err, "query signal_log")
	}
	defer rows.Close()

	var sigs []Sig
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, errors.Wrap(err, "scan payload")
		}
		sig, err := s.codec.Decode(payload)
		if err != nil {
			return nil, errors.Wrap(err, "decode payload")
		}
		sigs = append(sigs, sig)
	}
	return sigs, errors.Wrap(rows.Err(), "iterate signal_log")
}

// Truncate removes every logged signal, e.g. right after a snapshot has
// been taken by some other means.
func (s *Store[Sig]) Truncate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM signal_log`)
	return errors.Wrap(err, "truncate signal_log")
}
