package queue

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/pairwise-im/go-pairwise/clock"
	"github.com/pairwise-im/go-pairwise/config"
	"github.com/pairwise-im/go-pairwise/ids"
	"github.com/pairwise-im/go-pairwise/internal/db"
	"github.com/pairwise-im/go-pairwise/internal/keylock"
	"go.uber.org/zap"
)

const (
	StatusPending uint8 = iota
	StatusSending
	StatusSent
	StatusFailed
	StatusDelivered
)

var (
	// ErrMaxRetries indicates a message exhausted its send attempts.
	ErrMaxRetries = errors.New("queue: max send attempts exhausted")
	// ErrNotFound indicates no queued message with the given id.
	ErrNotFound = errors.New("queue: message not found")
)

// Sender hands a serialized envelope to whatever transport can reach the
// recipient.
type Sender interface {
	Send(recipientDeviceID ids.ID, payload []byte) error
}

// Message is the public view of a queued message.
type Message struct {
	ID                ids.ID
	RecipientDeviceID ids.ID
	SessionID         [32]byte
	Counter           uint64
	Payload           []byte
	Status            uint8
	Attempts          int
	NextAttemptMs     uint64
	LastError         string
	CreatedMs         uint64
}

// Stats counts queued messages by status.
type Stats struct {
	Total     int
	Pending   int
	Sending   int
	Sent      int
	Failed    int
	Delivered int
}

// Manager is a durable outbound queue. Messages persist across restarts
// and are retried with exponential backoff until sent, delivered or
// failed out.
type Manager struct {
	config *config.Config
	db     *database
	log    *zap.SugaredLogger
	clock  clock.Clock
	sender Sender
	locks  *keylock.KeyLock

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

func NewManager(c *config.Config, internalDB *db.Database, clock clock.Clock, sender Sender) (*Manager, error) {
	database, err := newDatabase(internalDB)
	if err != nil {
		return nil, err
	}
	// a crash between claiming and recording leaves rows stuck in
	// sending, so requeue them on startup
	if err := database.Run("queue: requeue interrupted", func() error {
		return database.requeueSending()
	}); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		config: c,
		db:     database,
		log:    c.Logger("queue"),
		clock:  clock,
		sender: sender,
		locks:  keylock.New(),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Enqueue records an outbound payload as pending, eligible for immediate
// delivery.
func (m *Manager) Enqueue(recipientDeviceID ids.ID, sessionID [32]byte, counter uint64, payload []byte) (*Message, error) {
	now := m.clock.CurrentTimeMs()
	id := ids.NewID()
	row := &messageRow{
		ID:                id[:],
		RecipientDeviceID: recipientDeviceID[:],
		SessionID:         sessionID[:],
		Counter:           counter,
		Payload:           payload,
		Status:            StatusPending,
		Attempts:          0,
		NextAttemptMs:     now,
		LastError:         "",
		CreatedMs:         now,
		UpdatedMs:         now,
	}
	if err := m.db.upsertMessage(row); err != nil {
		return nil, err
	}
	m.log.Debugf("enqueued message %s for %s", id, recipientDeviceID)
	return messageFromRow(row), nil
}

// ProcessOne attempts delivery of a single message. Sent, delivered and
// in-flight messages are left alone, and a pending message whose next
// attempt lies in the future is deferred. A message that has already
// used up its attempts is marked failed and stays in the queue until
// retried or purged. The transport send happens outside any
// transaction: the row is claimed as sending in one transaction and the
// outcome recorded in a second.
func (m *Manager) ProcessOne(id ids.ID) error {
	var (
		row      *messageRow
		deferred bool
		maxed    bool
	)
	if err := m.db.Run("queue: claim message", func() error {
		var err error
		row, err = m.db.message(id[:])
		if err != nil {
			return err
		}
		switch row.Status {
		case StatusSent, StatusDelivered, StatusSending:
			deferred = true
			return nil
		case StatusFailed:
			return fmt.Errorf("queue: message %s is failed, retry to requeue", id)
		}
		now := m.clock.CurrentTimeMs()
		if now < row.NextAttemptMs {
			deferred = true
			return nil
		}
		if row.Attempts >= m.config.MaxSendAttempts {
			row.Status = StatusFailed
			row.UpdatedMs = now
			maxed = true
			return m.db.upsertMessage(row)
		}
		row.Attempts++
		row.Status = StatusSending
		row.UpdatedMs = now
		return m.db.upsertMessage(row)
	}); err != nil {
		return err
	}
	if maxed {
		m.log.Warnf("message %s failed after %d attempts: %s", id, row.Attempts, row.LastError)
		return ErrMaxRetries
	}
	if deferred {
		return nil
	}

	sendErr := m.sender.Send(ids.IDFromBytes(row.RecipientDeviceID), row.Payload)

	now := m.clock.CurrentTimeMs()
	row.UpdatedMs = now
	if sendErr != nil {
		row.Status = StatusPending
		row.LastError = sendErr.Error()
		row.NextAttemptMs = now + m.backoff(row.Attempts)
	} else {
		row.Status = StatusSent
		row.LastError = ""
	}
	if err := m.db.Run("queue: record outcome", func() error {
		current, err := m.db.message(row.ID)
		if err != nil {
			return err
		}
		// the recipient's ack can land before the outcome does
		if current.Status == StatusDelivered {
			row = current
			return nil
		}
		return m.db.upsertMessage(row)
	}); err != nil {
		return err
	}
	if sendErr != nil {
		m.log.Debugf("send attempt %d for %s failed, next at %d: %v", row.Attempts, id, row.NextAttemptMs, sendErr)
	} else {
		m.log.Debugf("message %s sent on attempt %d", id, row.Attempts)
	}
	return nil
}

// MarkDelivered records a recipient acknowledgement. Delivered is
// final. An in-flight message can be acked too, since the ack may
// outrun the sender recording its own outcome.
func (m *Manager) MarkDelivered(id ids.ID) error {
	row, err := m.db.message(id[:])
	if err != nil {
		return err
	}
	if row.Status == StatusDelivered {
		return nil
	}
	if row.Status != StatusSent && row.Status != StatusSending {
		return fmt.Errorf("queue: message %s is not sent, cannot mark delivered", id)
	}
	row.Status = StatusDelivered
	row.UpdatedMs = m.clock.CurrentTimeMs()
	return m.db.upsertMessage(row)
}

// MarkDeliveredBySession resolves an acknowledgement that names a
// session and ratchet counter instead of a queue id.
func (m *Manager) MarkDeliveredBySession(sessionID [32]byte, counter uint64) error {
	row, err := m.db.messageBySessionCounter(sessionID[:], counter)
	if err != nil {
		return err
	}
	return m.MarkDelivered(ids.IDFromBytes(row.ID))
}

// Retry resets a failed message so it gets a full set of fresh attempts.
func (m *Manager) Retry(id ids.ID) error {
	row, err := m.db.message(id[:])
	if err != nil {
		return err
	}
	if row.Status != StatusFailed {
		return fmt.Errorf("queue: message %s is not failed, cannot retry", id)
	}
	now := m.clock.CurrentTimeMs()
	row.Status = StatusPending
	row.Attempts = 0
	row.NextAttemptMs = now
	row.UpdatedMs = now
	m.log.Infof("message %s requeued", id)
	return m.db.upsertMessage(row)
}

// Purge deletes messages in a terminal status last touched before
// beforeMs.
func (m *Manager) Purge(status uint8, beforeMs uint64) (int64, error) {
	if status != StatusFailed && status != StatusDelivered && status != StatusSent {
		return 0, fmt.Errorf("queue: cannot purge status %d", status)
	}
	return m.db.deleteByStatus(status, beforeMs)
}

func (m *Manager) Message(id ids.ID) (*Message, error) {
	row, err := m.db.message(id[:])
	if err != nil {
		return nil, err
	}
	return messageFromRow(row), nil
}

func (m *Manager) MessageBySession(sessionID [32]byte, counter uint64) (*Message, error) {
	row, err := m.db.messageBySessionCounter(sessionID[:], counter)
	if err != nil {
		return nil, err
	}
	return messageFromRow(row), nil
}

func (m *Manager) MessagesForRecipient(recipientDeviceID ids.ID) ([]*Message, error) {
	rows, err := m.db.messagesForRecipient(recipientDeviceID[:])
	if err != nil {
		return nil, err
	}
	messages := make([]*Message, 0, len(rows))
	for _, row := range rows {
		messages = append(messages, messageFromRow(row))
	}
	return messages, nil
}

func (m *Manager) Stats() (*Stats, error) {
	counts, err := m.db.countByStatus(nil)
	if err != nil {
		return nil, err
	}
	return statsFromCounts(counts), nil
}

// StatsForRecipients counts messages addressed to the given devices,
// letting callers scope stats to one user's device set.
func (m *Manager) StatsForRecipients(recipientDeviceIDs ...ids.ID) (*Stats, error) {
	total := make(map[uint8]int)
	for _, r := range recipientDeviceIDs {
		counts, err := m.db.countByStatus(r[:])
		if err != nil {
			return nil, err
		}
		for status, n := range counts {
			total[status] += n
		}
	}
	return statsFromCounts(total), nil
}

func statsFromCounts(counts map[uint8]int) *Stats {
	s := &Stats{
		Pending:   counts[StatusPending],
		Sending:   counts[StatusSending],
		Sent:      counts[StatusSent],
		Failed:    counts[StatusFailed],
		Delivered: counts[StatusDelivered],
	}
	s.Total = s.Pending + s.Sending + s.Sent + s.Failed + s.Delivered
	return s
}

// DrainRecipient pushes every due message for one recipient, oldest
// first, spacing sends so a burst does not arrive as one. Sends for the
// same recipient are serialized; different recipients drain in parallel.
func (m *Manager) DrainRecipient(recipientDeviceID ids.ID) error {
	key := recipientDeviceID.String()
	m.locks.Lock(key)
	defer m.locks.Unlock(key)

	var due []*messageRow
	if err := m.db.Run("queue: collect due", func() error {
		var err error
		due, err = m.db.dueMessages(recipientDeviceID[:], m.clock.CurrentTimeMs())
		return err
	}); err != nil {
		return err
	}

	for i, row := range due {
		if i > 0 {
			select {
			case <-m.ctx.Done():
				return nil
			case <-time.After(time.Duration(m.config.SendSpacingMs) * time.Millisecond):
			}
		}
		if err := m.ProcessOne(ids.IDFromBytes(row.ID)); err != nil && !errors.Is(err, ErrMaxRetries) {
			return err
		}
	}
	return nil
}

// Start launches the background drain loop.
func (m *Manager) Start() {
	if m.started {
		return
	}
	m.started = true
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(time.Duration(m.config.DrainIntervalMs) * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				if err := m.drainAll(); err != nil {
					m.log.Errorf("drain error: %v", err)
				}
			}
		}
	}()
}

func (m *Manager) Shutdown() {
	m.cancel()
	m.wg.Wait()
}

// Drain pushes every currently due message across all recipients.
func (m *Manager) Drain() error {
	return m.drainAll()
}

func (m *Manager) drainAll() error {
	var recipients [][]byte
	if err := m.db.Run("queue: due recipients", func() error {
		var err error
		recipients, err = m.db.dueRecipients(m.clock.CurrentTimeMs())
		return err
	}); err != nil {
		return err
	}
	for _, r := range recipients {
		if err := m.DrainRecipient(ids.IDFromBytes(r)); err != nil {
			return err
		}
	}
	return nil
}

// backoff doubles per attempt from the configured base, capped, with a
// little jitter so peers do not retry in lockstep.
func (m *Manager) backoff(attempts int) uint64 {
	delay := m.config.RetryBaseDelayMs << uint(attempts-1)
	if delay > m.config.RetryMaxDelayMs {
		delay = m.config.RetryMaxDelayMs
	}
	if m.config.RetryJitterMs > 0 {
		delay += uint64(rand.Int63n(int64(m.config.RetryJitterMs)))
	}
	return delay
}

func messageFromRow(row *messageRow) *Message {
	msg := &Message{
		Payload:       row.Payload,
		Status:        row.Status,
		Attempts:      row.Attempts,
		NextAttemptMs: row.NextAttemptMs,
		LastError:     row.LastError,
		CreatedMs:     row.CreatedMs,
	}
	msg.Counter = row.Counter
	msg.ID = ids.IDFromBytes(row.ID)
	msg.RecipientDeviceID = ids.IDFromBytes(row.RecipientDeviceID)
	copy(msg.SessionID[:], row.SessionID)
	return msg
}
