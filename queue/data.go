package queue

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

type messageRow struct {
	ID                []byte `db:"id"`
	RecipientDeviceID []byte `db:"recipient_device_id"`
	SessionID         []byte `db:"session_id"`
	Counter           uint64 `db:"counter"`
	Payload           []byte `db:"payload"`
	Status            uint8  `db:"status"`
	Attempts          int    `db:"attempts"`
	NextAttemptMs     uint64 `db:"next_attempt_ms"`
	LastError         string `db:"last_error"`
	CreatedMs         uint64 `db:"created_ms"`
	UpdatedMs         uint64 `db:"updated_ms"`
}

func newDatabase(internalDB *db.Database) (*database, error) {
	d := &database{internalDB}

	if err := internalDB.MigrateNoLock("_queue", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _queued_messages (
						id BLOB PRIMARY KEY,
						recipient_device_id BLOB NOT NULL,
						session_id BLOB NOT NULL,
						counter INTEGER NOT NULL,
						payload BLOB NOT NULL,
						status INTEGER NOT NULL,
						attempts INTEGER NOT NULL,
						next_attempt_ms INTEGER NOT NULL,
						last_error STRING NOT NULL,
						created_ms INTEGER NOT NULL,
						updated_ms INTEGER NOT NULL
					);
					CREATE INDEX queued_messages_status_next_attempt on _queued_messages (status, next_attempt_ms);
					CREATE INDEX queued_messages_recipient on _queued_messages (recipient_device_id);
					CREATE INDEX queued_messages_session_counter on _queued_messages (session_id, counter);
				`)
				return err
			},
		},
	}); err != nil {
		return nil, err
	}

	return d, nil
}

func (db *database) message(id []byte) (*messageRow, error) {
	m := &messageRow{}
	if err := db.Tx.Get(m, "SELECT * FROM _queued_messages WHERE id = $1", id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("queue: error getting message: %w", err)
	}
	return m, nil
}

func (db *database) upsertMessage(m *messageRow) error {
	if _, err := db.Tx.NamedExec("INSERT INTO _queued_messages (id, recipient_device_id, session_id, counter, payload, status, attempts, next_attempt_ms, last_error, created_ms, updated_ms) VALUES (:id, :recipient_device_id, :session_id, :counter, :payload, :status, :attempts, :next_attempt_ms, :last_error, :created_ms, :updated_ms) ON CONFLICT(id) DO UPDATE SET status = :status, attempts = :attempts, next_attempt_ms = :next_attempt_ms, last_error = :last_error, updated_ms = :updated_ms", m); err != nil {
		return fmt.Errorf("queue: error upserting message: %w", err)
	}
	return nil
}

func (db *database) messageBySessionCounter(sessionID []byte, counter uint64) (*messageRow, error) {
	m := &messageRow{}
	if err := db.Tx.Get(m, "SELECT * FROM _queued_messages WHERE session_id = $1 AND counter = $2", sessionID, counter); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("queue: error getting message by session and counter: %w", err)
	}
	return m, nil
}

func (db *database) dueMessages(recipientDeviceID []byte, nowMs uint64) ([]*messageRow, error) {
	messages := make([]*messageRow, 0)
	if err := db.Tx.Select(&messages, "SELECT * FROM _queued_messages WHERE recipient_device_id = $1 AND status = $2 AND next_attempt_ms <= $3 ORDER BY created_ms, id", recipientDeviceID, StatusPending, nowMs); err != nil {
		return nil, fmt.Errorf("queue: error getting due messages: %w", err)
	}
	return messages, nil
}

func (db *database) dueRecipients(nowMs uint64) ([][]byte, error) {
	recipients := make([][]byte, 0)
	if err := db.Tx.Select(&recipients, "SELECT DISTINCT recipient_device_id FROM _queued_messages WHERE status = $1 AND next_attempt_ms <= $2", StatusPending, nowMs); err != nil {
		return nil, fmt.Errorf("queue: error getting due recipients: %w", err)
	}
	return recipients, nil
}

func (db *database) messagesForRecipient(recipientDeviceID []byte) ([]*messageRow, error) {
	messages := make([]*messageRow, 0)
	if err := db.Tx.Select(&messages, "SELECT * FROM _queued_messages WHERE recipient_device_id = $1 ORDER BY created_ms, id", recipientDeviceID); err != nil {
		return nil, fmt.Errorf("queue: error getting messages for recipient: %w", err)
	}
	return messages, nil
}

func (db *database) countByStatus(recipientDeviceID []byte) (map[uint8]int, error) {
	rows := make([]struct {
		Status uint8 `db:"status"`
		Count  int   `db:"count"`
	}, 0)
	var err error
	if recipientDeviceID == nil {
		err = db.Tx.Select(&rows, "SELECT status, count(*) as count FROM _queued_messages GROUP BY status")
	} else {
		err = db.Tx.Select(&rows, "SELECT status, count(*) as count FROM _queued_messages WHERE recipient_device_id = $1 GROUP BY status", recipientDeviceID)
	}
	if err != nil {
		return nil, fmt.Errorf("queue: error counting messages: %w", err)
	}
	counts := make(map[uint8]int, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}

func (db *database) requeueSending() error {
	if _, err := db.Tx.Exec("UPDATE _queued_messages SET status = $1 WHERE status = $2", StatusPending, StatusSending); err != nil {
		return fmt.Errorf("queue: error requeueing interrupted messages: %w", err)
	}
	return nil
}

func (db *database) deleteByStatus(status uint8, beforeMs uint64) (int64, error) {
	res, err := db.Tx.Exec("DELETE FROM _queued_messages WHERE status = $1 AND updated_ms < $2", status, beforeMs)
	if err != nil {
		return 0, fmt.Errorf("queue: error purging messages: %w", err)
	}
	return res.RowsAffected()
}
