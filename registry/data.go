package registry

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

type deviceRow struct {
	ID              []byte `db:"id"`
	UserID          []byte `db:"user_id"`
	Name            string `db:"name"`
	Type            string `db:"type"`
	SigningPub      []byte `db:"signing_pub"`
	SigningPriv     []byte `db:"signing_priv"`
	AgreementPub    []byte `db:"agreement_pub"`
	AgreementPriv   []byte `db:"agreement_priv"`
	Verified        bool   `db:"verified"`
	TrustedAtSec    uint64 `db:"trusted_at_sec"`
	LastSeenSec     uint64 `db:"last_seen_sec"`
	NextRotationSec uint64 `db:"next_rotation_sec"`
	CreatedSec      uint64 `db:"created_sec"`
}

// local reports whether secret material for this device is held here.
func (d *deviceRow) local() bool {
	return len(d.SigningPriv) != 0
}

type signedPreKeyRow struct {
	ID         []byte `db:"id"`
	DeviceID   []byte `db:"device_id"`
	Pub        []byte `db:"pub"`
	Priv       []byte `db:"priv"`
	Sig        []byte `db:"sig"`
	CreatedSec uint64 `db:"created_sec"`
}

type oneTimePreKeyRow struct {
	ID         []byte `db:"id"`
	DeviceID   []byte `db:"device_id"`
	Pub        []byte `db:"pub"`
	Priv       []byte `db:"priv"`
	CreatedSec uint64 `db:"created_sec"`
}

type syncEventRow struct {
	ID             []byte `db:"id"`
	UserID         []byte `db:"user_id"`
	OriginDeviceID []byte `db:"origin_device_id"`
	Type           uint8  `db:"type"`
	Body           []byte `db:"body"`
	Sig            []byte `db:"sig"`
	CreatedSec     uint64 `db:"created_sec"`
}

func newDatabase(internalDB *db.Database) (*database, error) {
	d := &database{internalDB}

	if err := internalDB.MigrateNoLock("_registry", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _devices (
						id BLOB PRIMARY KEY,
						user_id BLOB NOT NULL,
						name STRING NOT NULL,
						type STRING NOT NULL,
						signing_pub BLOB NOT NULL,
						signing_priv BLOB,
						agreement_pub BLOB NOT NULL,
						agreement_priv BLOB,
						verified INTEGER NOT NULL,
						trusted_at_sec INTEGER NOT NULL,
						last_seen_sec INTEGER NOT NULL,
						next_rotation_sec INTEGER NOT NULL,
						created_sec INTEGER NOT NULL
					);
					CREATE INDEX devices_user_id on _devices (user_id);

					CREATE TABLE _signed_prekeys (
						id BLOB PRIMARY KEY,
						device_id BLOB NOT NULL,
						pub BLOB NOT NULL,
						priv BLOB,
						sig BLOB NOT NULL,
						created_sec INTEGER NOT NULL,
						FOREIGN KEY(device_id) REFERENCES _devices(id) ON DELETE CASCADE
					);
					CREATE INDEX signed_prekeys_device_id on _signed_prekeys (device_id);

					CREATE TABLE _one_time_prekeys (
						id BLOB PRIMARY KEY,
						device_id BLOB NOT NULL,
						pub BLOB NOT NULL,
						priv BLOB NOT NULL,
						created_sec INTEGER NOT NULL,
						FOREIGN KEY(device_id) REFERENCES _devices(id) ON DELETE CASCADE
					);
					CREATE UNIQUE INDEX one_time_prekeys_device_id_pub on _one_time_prekeys (device_id, pub);

					CREATE TABLE _sync_events (
						id BLOB PRIMARY KEY,
						user_id BLOB NOT NULL,
						origin_device_id BLOB NOT NULL,
						type INTEGER NOT NULL,
						body BLOB NOT NULL,
						sig BLOB NOT NULL,
						created_sec INTEGER NOT NULL
					);
					CREATE INDEX sync_events_user_id on _sync_events (user_id);

					CREATE TABLE _sync_event_acks (
						event_id BLOB NOT NULL,
						device_id BLOB NOT NULL,
						PRIMARY KEY(event_id, device_id),
						FOREIGN KEY(event_id) REFERENCES _sync_events(id) ON DELETE CASCADE
					);

					CREATE TABLE _applied_sync_events (
						event_id BLOB PRIMARY KEY,
						applied_sec INTEGER NOT NULL
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

func (db *database) device(id []byte) (*deviceRow, error) {
	d := &deviceRow{}
	if err := db.Tx.Get(d, "SELECT * FROM _devices WHERE id = $1", id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("registry: error getting device: %w", err)
	}
	return d, nil
}

func (db *database) devicesForUser(userID []byte) ([]*deviceRow, error) {
	devices := make([]*deviceRow, 0)
	if err := db.Tx.Select(&devices, "SELECT * FROM _devices WHERE user_id = $1 ORDER BY created_sec", userID); err != nil {
		return nil, fmt.Errorf("registry: error getting devices for user: %w", err)
	}
	return devices, nil
}

func (db *database) devicesDueRotation(nowSec uint64) ([]*deviceRow, error) {
	devices := make([]*deviceRow, 0)
	if err := db.Tx.Select(&devices, "SELECT * FROM _devices WHERE signing_priv IS NOT NULL AND next_rotation_sec <= $1", nowSec); err != nil {
		return nil, fmt.Errorf("registry: error getting devices due rotation: %w", err)
	}
	return devices, nil
}

func (db *database) upsertDevice(d *deviceRow) error {
	if _, err := db.Tx.NamedExec("INSERT INTO _devices (id, user_id, name, type, signing_pub, signing_priv, agreement_pub, agreement_priv, verified, trusted_at_sec, last_seen_sec, next_rotation_sec, created_sec) VALUES (:id, :user_id, :name, :type, :signing_pub, :signing_priv, :agreement_pub, :agreement_priv, :verified, :trusted_at_sec, :last_seen_sec, :next_rotation_sec, :created_sec) ON CONFLICT(id) DO UPDATE SET name = :name, type = :type, signing_pub = :signing_pub, signing_priv = :signing_priv, agreement_pub = :agreement_pub, agreement_priv = :agreement_priv, verified = :verified, trusted_at_sec = :trusted_at_sec, last_seen_sec = :last_seen_sec, next_rotation_sec = :next_rotation_sec", d); err != nil {
		return fmt.Errorf("registry: error upserting device: %w", err)
	}
	return nil
}

func (db *database) deleteDevice(id []byte) error {
	res, err := db.Tx.Exec("DELETE FROM _devices WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("registry: error deleting device: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *database) insertSignedPreKey(spk *signedPreKeyRow) error {
	if _, err := db.Tx.NamedExec("INSERT INTO _signed_prekeys (id, device_id, pub, priv, sig, created_sec) VALUES (:id, :device_id, :pub, :priv, :sig, :created_sec)", spk); err != nil {
		return fmt.Errorf("registry: error inserting signed prekey: %w", err)
	}
	return nil
}

func (db *database) latestSignedPreKey(deviceID []byte) (*signedPreKeyRow, error) {
	spk := &signedPreKeyRow{}
	if err := db.Tx.Get(spk, "SELECT * FROM _signed_prekeys WHERE device_id = $1 ORDER BY created_sec DESC, id DESC LIMIT 1", deviceID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("registry: error getting signed prekey: %w", err)
	}
	return spk, nil
}

func (db *database) signedPreKeyByPub(deviceID, pub []byte) (*signedPreKeyRow, error) {
	spk := &signedPreKeyRow{}
	if err := db.Tx.Get(spk, "SELECT * FROM _signed_prekeys WHERE device_id = $1 AND pub = $2", deviceID, pub); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("registry: error getting signed prekey by pub: %w", err)
	}
	return spk, nil
}

func (db *database) insertOneTimePreKey(otk *oneTimePreKeyRow) error {
	if _, err := db.Tx.NamedExec("INSERT INTO _one_time_prekeys (id, device_id, pub, priv, created_sec) VALUES (:id, :device_id, :pub, :priv, :created_sec)", otk); err != nil {
		return fmt.Errorf("registry: error inserting one-time prekey: %w", err)
	}
	return nil
}

func (db *database) nextOneTimePreKey(deviceID []byte) (*oneTimePreKeyRow, error) {
	otk := &oneTimePreKeyRow{}
	if err := db.Tx.Get(otk, "SELECT * FROM _one_time_prekeys WHERE device_id = $1 ORDER BY created_sec, id LIMIT 1", deviceID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("registry: error getting one-time prekey: %w", err)
	}
	return otk, nil
}

func (db *database) takeOneTimePreKey(deviceID, pub []byte) (*oneTimePreKeyRow, error) {
	otk := &oneTimePreKeyRow{}
	if err := db.Tx.Get(otk, "SELECT * FROM _one_time_prekeys WHERE device_id = $1 AND pub = $2", deviceID, pub); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPreKeyExhausted
		}
		return nil, fmt.Errorf("registry: error getting one-time prekey: %w", err)
	}
	if _, err := db.Tx.Exec("DELETE FROM _one_time_prekeys WHERE id = $1", otk.ID); err != nil {
		return nil, fmt.Errorf("registry: error consuming one-time prekey: %w", err)
	}
	return otk, nil
}

func (db *database) countOneTimePreKeys(deviceID []byte) (int, error) {
	var count int
	if err := db.Tx.Get(&count, "SELECT count(*) FROM _one_time_prekeys WHERE device_id = $1", deviceID); err != nil {
		return 0, fmt.Errorf("registry: error counting one-time prekeys: %w", err)
	}
	return count, nil
}

func (db *database) insertSyncEvent(ev *syncEventRow) error {
	if _, err := db.Tx.NamedExec("INSERT INTO _sync_events (id, user_id, origin_device_id, type, body, sig, created_sec) VALUES (:id, :user_id, :origin_device_id, :type, :body, :sig, :created_sec)", ev); err != nil {
		return fmt.Errorf("registry: error inserting sync event: %w", err)
	}
	return nil
}

func (db *database) pendingSyncEvents(userID, consumerDeviceID []byte) ([]*syncEventRow, error) {
	events := make([]*syncEventRow, 0)
	if err := db.Tx.Select(&events, `
		SELECT * FROM _sync_events
		WHERE user_id = $1 AND origin_device_id != $2
		AND id NOT IN (SELECT event_id FROM _sync_event_acks WHERE device_id = $2)
		ORDER BY created_sec, id`, userID, consumerDeviceID); err != nil {
		return nil, fmt.Errorf("registry: error getting pending sync events: %w", err)
	}
	return events, nil
}

func (db *database) ackSyncEvent(eventID, deviceID []byte) error {
	if _, err := db.Tx.Exec("INSERT INTO _sync_event_acks (event_id, device_id) VALUES ($1, $2) ON CONFLICT(event_id, device_id) DO NOTHING", eventID, deviceID); err != nil {
		return fmt.Errorf("registry: error acking sync event: %w", err)
	}
	return nil
}

func (db *database) syncEventApplied(eventID []byte) (bool, error) {
	var count int
	if err := db.Tx.Get(&count, "SELECT count(*) FROM _applied_sync_events WHERE event_id = $1", eventID); err != nil {
		return false, fmt.Errorf("registry: error checking applied sync event: %w", err)
	}
	return count != 0, nil
}

func (db *database) markSyncEventApplied(eventID []byte, nowSec uint64) error {
	if _, err := db.Tx.Exec("INSERT INTO _applied_sync_events (event_id, applied_sec) VALUES ($1, $2) ON CONFLICT(event_id) DO NOTHING", eventID, nowSec); err != nil {
		return fmt.Errorf("registry: error marking sync event applied: %w", err)
	}
	return nil
}
