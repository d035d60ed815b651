package ratchet

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/pairwise-im/go-pairwise/internal/db"
	"github.com/pairwise-im/go-pairwise/migration"
)

type database struct {
	*db.Database
}

type stateRow struct {
	SessionID []byte `db:"session_id"`
	SendChKey []byte `db:"send_ch_key"`
	RecvChKey []byte `db:"recv_ch_key"`
	SendCount uint64 `db:"send_count"`
	RecvCount uint64 `db:"recv_count"`
}

func newDatabase(internalDB *db.Database) (*database, error) {
	d := &database{internalDB}

	if err := internalDB.MigrateNoLock("_ratchet", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _ratchet_states (
						session_id BLOB PRIMARY KEY,
						send_ch_key BLOB NOT NULL,
						recv_ch_key BLOB NOT NULL,
						send_count INTEGER NOT NULL,
						recv_count INTEGER NOT NULL
					);
				`)
				return err
			},
		},
	}); err != nil {
		return nil, err
	}

	return d, nil
}

func (db *database) state(sessionID []byte) (*stateRow, error) {
	s := &stateRow{}
	if err := db.Tx.Get(s, "SELECT * FROM _ratchet_states WHERE session_id = $1", sessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrStateNotFound
		}
		return nil, fmt.Errorf("ratchet: error getting state: %w", err)
	}
	return s, nil
}

func (db *database) upsertState(s *stateRow) error {
	if _, err := db.Tx.NamedExec("INSERT INTO _ratchet_states (session_id, send_ch_key, recv_ch_key, send_count, recv_count) VALUES (:session_id, :send_ch_key, :recv_ch_key, :send_count, :recv_count) ON CONFLICT(session_id) DO UPDATE SET send_ch_key = :send_ch_key, recv_ch_key = :recv_ch_key, send_count = :send_count, recv_count = :recv_count", s); err != nil {
		return fmt.Errorf("ratchet: error upserting state: %w", err)
	}
	return nil
}

func (db *database) deleteState(sessionID []byte) error {
	if _, err := db.Tx.Exec("DELETE FROM _ratchet_states WHERE session_id = $1", sessionID); err != nil {
		return fmt.Errorf("ratchet: error deleting state: %w", err)
	}
	return nil
}
