package session

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

type sessionRow struct {
	ID             []byte `db:"id"`
	LocalDeviceID  []byte `db:"local_device_id"`
	RemoteDeviceID []byte `db:"remote_device_id"`
	LocalUserID    []byte `db:"local_user_id"`
	RemoteUserID   []byte `db:"remote_user_id"`
	RootKey        []byte `db:"root_key"`
	Initiator      bool   `db:"initiator"`
	EstablishedSec uint64 `db:"established_sec"`
	CreatedSec     uint64 `db:"created_sec"`
}

type handshakeRow struct {
	LocalDeviceID   []byte `db:"local_device_id"`
	RemoteDeviceID  []byte `db:"remote_device_id"`
	Role            uint8  `db:"role"`
	EphPub          []byte `db:"eph_pub"`
	EphPriv         []byte `db:"eph_priv"`
	RemoteSigning   []byte `db:"remote_signing"`
	RemoteAgreement []byte `db:"remote_agreement"`
	RemoteEph       []byte `db:"remote_eph"`
	OfferedPreKey   []byte `db:"offered_prekey"`
	OfferedOneTime  []byte `db:"offered_one_time"`
	CreatedSec      uint64 `db:"created_sec"`
}

const (
	roleInitiator uint8 = 1
	roleResponder uint8 = 2
)

func newDatabase(internalDB *db.Database) (*database, error) {
	d := &database{internalDB}

	if err := internalDB.MigrateNoLock("_session", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _sessions (
						id BLOB PRIMARY KEY,
						local_device_id BLOB NOT NULL,
						remote_device_id BLOB NOT NULL,
						local_user_id BLOB NOT NULL,
						remote_user_id BLOB NOT NULL,
						root_key BLOB NOT NULL,
						initiator INTEGER NOT NULL,
						established_sec INTEGER NOT NULL,
						created_sec INTEGER NOT NULL
					);
					CREATE UNIQUE INDEX sessions_local_remote on _sessions (local_device_id, remote_device_id);

					CREATE TABLE _handshake_states (
						local_device_id BLOB NOT NULL,
						remote_device_id BLOB NOT NULL,
						role INTEGER NOT NULL,
						eph_pub BLOB NOT NULL,
						eph_priv BLOB NOT NULL,
						remote_signing BLOB,
						remote_agreement BLOB,
						remote_eph BLOB,
						offered_prekey BLOB,
						offered_one_time BLOB,
						created_sec INTEGER NOT NULL,
						PRIMARY KEY(local_device_id, remote_device_id)
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

func (db *database) session(id []byte) (*sessionRow, error) {
	s := &sessionRow{}
	if err := db.Tx.Get(s, "SELECT * FROM _sessions WHERE id = $1", id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("session: error getting session: %w", err)
	}
	return s, nil
}

func (db *database) sessionForPair(localDeviceID, remoteDeviceID []byte) (*sessionRow, error) {
	s := &sessionRow{}
	if err := db.Tx.Get(s, "SELECT * FROM _sessions WHERE local_device_id = $1 AND remote_device_id = $2", localDeviceID, remoteDeviceID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("session: error getting session for pair: %w", err)
	}
	return s, nil
}

func (db *database) sessionsForDevice(localDeviceID []byte) ([]*sessionRow, error) {
	sessions := make([]*sessionRow, 0)
	if err := db.Tx.Select(&sessions, "SELECT * FROM _sessions WHERE local_device_id = $1 ORDER BY created_sec", localDeviceID); err != nil {
		return nil, fmt.Errorf("session: error getting sessions for device: %w", err)
	}
	return sessions, nil
}

func (db *database) upsertSession(s *sessionRow) error {
	if _, err := db.Tx.NamedExec("INSERT INTO _sessions (id, local_device_id, remote_device_id, local_user_id, remote_user_id, root_key, initiator, established_sec, created_sec) VALUES (:id, :local_device_id, :remote_device_id, :local_user_id, :remote_user_id, :root_key, :initiator, :established_sec, :created_sec) ON CONFLICT(id) DO UPDATE SET root_key = :root_key, established_sec = :established_sec", s); err != nil {
		return fmt.Errorf("session: error upserting session: %w", err)
	}
	return nil
}

func (db *database) deleteSession(id []byte) error {
	if _, err := db.Tx.Exec("DELETE FROM _sessions WHERE id = $1", id); err != nil {
		return fmt.Errorf("session: error deleting session: %w", err)
	}
	return nil
}

func (db *database) handshake(localDeviceID, remoteDeviceID []byte) (*handshakeRow, error) {
	h := &handshakeRow{}
	if err := db.Tx.Get(h, "SELECT * FROM _handshake_states WHERE local_device_id = $1 AND remote_device_id = $2", localDeviceID, remoteDeviceID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoHandshake
		}
		return nil, fmt.Errorf("session: error getting handshake state: %w", err)
	}
	return h, nil
}

func (db *database) upsertHandshake(h *handshakeRow) error {
	if _, err := db.Tx.NamedExec("INSERT INTO _handshake_states (local_device_id, remote_device_id, role, eph_pub, eph_priv, remote_signing, remote_agreement, remote_eph, offered_prekey, offered_one_time, created_sec) VALUES (:local_device_id, :remote_device_id, :role, :eph_pub, :eph_priv, :remote_signing, :remote_agreement, :remote_eph, :offered_prekey, :offered_one_time, :created_sec) ON CONFLICT(local_device_id, remote_device_id) DO UPDATE SET role = :role, eph_pub = :eph_pub, eph_priv = :eph_priv, remote_signing = :remote_signing, remote_agreement = :remote_agreement, remote_eph = :remote_eph, offered_prekey = :offered_prekey, offered_one_time = :offered_one_time, created_sec = :created_sec", h); err != nil {
		return fmt.Errorf("session: error upserting handshake state: %w", err)
	}
	return nil
}

func (db *database) deleteHandshake(localDeviceID, remoteDeviceID []byte) error {
	if _, err := db.Tx.Exec("DELETE FROM _handshake_states WHERE local_device_id = $1 AND remote_device_id = $2", localDeviceID, remoteDeviceID); err != nil {
		return fmt.Errorf("session: error deleting handshake state: %w", err)
	}
	return nil
}
