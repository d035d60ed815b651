// Package pairwise is an end-to-end encrypted messaging engine. It
// pairs devices through an authenticated key-agreement handshake,
// ratchets per-session chain keys forward for every message, and
// delivers envelopes through a durable retrying queue over pluggable
// transports. All state lives in an encrypted local database.
package pairwise

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/pairwise-im/go-pairwise/clock"
	"github.com/pairwise-im/go-pairwise/config"
	"github.com/pairwise-im/go-pairwise/crypto"
	"github.com/pairwise-im/go-pairwise/ids"
	"github.com/pairwise-im/go-pairwise/internal/db"
	"github.com/pairwise-im/go-pairwise/queue"
	"github.com/pairwise-im/go-pairwise/ratchet"
	"github.com/pairwise-im/go-pairwise/registry"
	"github.com/pairwise-im/go-pairwise/session"
	"github.com/pairwise-im/go-pairwise/transport"
	"github.com/pairwise-im/go-pairwise/wire"
	"go.uber.org/zap"
)

const (
	StateNew = iota
	StateInitialized
	StateRunning
)

// ErrInvalidMessage indicates a message body that cannot be sent, for
// instance one over the configured size limit.
var ErrInvalidMessage = errors.New("pairwise: invalid message")

const (
	packetHandshakeIdentity uint8 = iota + 1
	packetHandshakeBundle
	packetHandshakeComplete
	packetEnvelope
	packetAck
)

type packet struct {
	Kind uint8  `wire:"k"`
	Body []byte `wire:"b"`
}

type ackBody struct {
	SessionID [32]byte `wire:"s"`
	Counter   uint64   `wire:"c"`
}

// MessageUpdate is emitted when an envelope is decrypted for a local
// device.
type MessageUpdate struct {
	SessionID         [32]byte
	SenderDeviceID    ids.ID
	RecipientDeviceID ids.ID
	Body              []byte
	TimestampMs       uint64
}

// SessionEstablishedUpdate is emitted when a handshake completes on
// either side.
type SessionEstablishedUpdate struct {
	Session *session.Session
}

// MessageDeliveredUpdate is emitted when a recipient acknowledges a
// queued message.
type MessageDeliveredUpdate struct {
	MessageID ids.ID
	SessionID [32]byte
	Counter   uint64
}

type Pairwise struct {
	DB *db.Database

	config    *config.Config
	log       *zap.SugaredLogger
	state     int
	clock     clock.Clock
	provider  crypto.Provider
	registry  *registry.Manager
	session   *session.Manager
	ratchet   *ratchet.Engine
	queue     *queue.Manager
	transport *transport.Manager
	updates   chan interface{}
}

// NewPairwise creates an engine rooted at the config's RootDir. The
// database is not opened until Initialize or Open is called.
func NewPairwise(c *config.Config) (*Pairwise, error) {
	log := c.Logger("")
	absRootPath, err := filepath.Abs(c.RootDir)
	if err != nil {
		return nil, err
	}
	c.RootDir = absRootPath
	log.Debugf("making pairwise, using root path of %s", c.RootDir)

	if err := os.MkdirAll(c.RootDir, 0o700); err != nil {
		return nil, err
	}
	database, err := db.NewDatabase(c, path.Join(c.RootDir, "data"))
	if err != nil {
		return nil, err
	}

	state := StateNew
	if database.Initialized() {
		state = StateInitialized
	}

	return &Pairwise{
		DB:       database,
		config:   c,
		log:      log,
		state:    state,
		clock:    clock.NewSystemClock(),
		provider: crypto.NewProvider(),
		updates:  make(chan interface{}, 100),
	}, nil
}

func (p *Pairwise) New() bool {
	return p.state == StateNew
}

func (p *Pairwise) Initialized() bool {
	return p.state == StateInitialized
}

func (p *Pairwise) Running() bool {
	return p.state == StateRunning
}

// Updates delivers decrypted messages, session establishments and
// delivery acknowledgements.
func (p *Pairwise) Updates() chan interface{} {
	return p.updates
}

// Initialize creates the encrypted database with the given key and
// opens it.
func (p *Pairwise) Initialize(key []byte) error {
	if p.state != StateNew {
		return errors.New("cannot initialize unless in state new")
	}
	if err := p.DB.Initialize(key); err != nil {
		return err
	}
	p.state = StateInitialized
	return p.Open(key)
}

// Open opens an existing engine with the given key and starts the
// delivery loop.
func (p *Pairwise) Open(key []byte) error {
	if p.state != StateInitialized {
		return errors.New("cannot open unless in state initialized")
	}
	if err := p.DB.Open(key); err != nil {
		return err
	}

	var err error
	p.registry, err = registry.NewManager(p.config, p.DB, p.clock, p.provider)
	if err != nil {
		return err
	}
	p.ratchet, err = ratchet.NewEngine(p.config, p.DB, p.clock, p.provider)
	if err != nil {
		return err
	}
	p.session, err = session.NewManager(p.config, p.DB, p.clock, p.provider, p.registry, p.ratchet)
	if err != nil {
		return err
	}
	p.transport = transport.NewManager(p.config)
	p.queue, err = queue.NewManager(p.config, p.DB, p.clock, p.transport)
	if err != nil {
		return err
	}
	p.queue.Start()
	p.state = StateRunning
	return nil
}

func (p *Pairwise) Shutdown() error {
	if p.state != StateRunning {
		return nil
	}
	defer runtime.GC()

	errs := make([]string, 0)
	p.queue.Shutdown()
	if err := p.DB.Shutdown(); err != nil {
		errs = append(errs, err.Error())
	}
	if len(errs) != 0 {
		return fmt.Errorf("error during shutdown: %s", strings.Join(errs, ", "))
	}

	p.registry = nil
	p.session = nil
	p.ratchet = nil
	p.queue = nil
	p.transport = nil
	p.state = StateInitialized

	close(p.updates)
	p.updates = make(chan interface{}, 100)
	return nil
}

// RegisterTransport adds a delivery mechanism.
func (p *Pairwise) RegisterTransport(t transport.Transport) {
	p.transport.Register(t)
}

// RegisterDevice creates a local device for a user, generating its key
// material.
func (p *Pairwise) RegisterDevice(userID ids.ID, name, deviceType string) (*registry.Device, error) {
	var device *registry.Device
	err := p.DB.Run("register device", func() error {
		keys, err := registry.NewDeviceKeys(p.provider)
		if err != nil {
			return err
		}
		device, err = p.registry.RegisterDevice(userID, name, deviceType, keys)
		return err
	})
	return device, err
}

func (p *Pairwise) Device(deviceID ids.ID) (*registry.Device, error) {
	var device *registry.Device
	err := p.DB.RunReadOnly("get device", func() error {
		var err error
		device, err = p.registry.Device(deviceID)
		return err
	})
	return device, err
}

func (p *Pairwise) DevicesForUser(userID ids.ID) ([]*registry.Device, error) {
	var devices []*registry.Device
	err := p.DB.RunReadOnly("get devices", func() error {
		var err error
		devices, err = p.registry.DevicesForUser(userID)
		return err
	})
	return devices, err
}

func (p *Pairwise) VerifyDevice(deviceID, approverDeviceID ids.ID) error {
	return p.DB.Run("verify device", func() error {
		return p.registry.VerifyDevice(deviceID, approverDeviceID)
	})
}

func (p *Pairwise) RemoveDevice(deviceID, actorDeviceID ids.ID) error {
	return p.DB.Run("remove device", func() error {
		return p.registry.RemoveDevice(deviceID, actorDeviceID)
	})
}

func (p *Pairwise) Fingerprint(deviceID ids.ID) (string, error) {
	var fingerprint string
	err := p.DB.RunReadOnly("fingerprint", func() error {
		var err error
		fingerprint, err = p.registry.Fingerprint(deviceID)
		return err
	})
	return fingerprint, err
}

// RotateDueKeys rotates long-term keys for every local device whose
// rotation deadline has passed, returning how many were rotated.
func (p *Pairwise) RotateDueKeys() (int, error) {
	rotated := 0
	err := p.DB.Run("rotate due keys", func() error {
		devices, err := p.registry.DevicesDueRotation()
		if err != nil {
			return err
		}
		for _, device := range devices {
			keys, err := registry.NewDeviceKeys(p.provider)
			if err != nil {
				return err
			}
			if err := p.registry.RotateKeys(device.ID, keys); err != nil {
				return err
			}
			rotated++
		}
		return nil
	})
	return rotated, err
}

// PendingSyncEvents returns registry changes a sibling device has not
// yet acknowledged.
func (p *Pairwise) PendingSyncEvents(userID, consumerDeviceID ids.ID) ([]*registry.SyncEvent, error) {
	var events []*registry.SyncEvent
	err := p.DB.RunReadOnly("pending sync events", func() error {
		var err error
		events, err = p.registry.PendingSyncEvents(userID, consumerDeviceID)
		return err
	})
	return events, err
}

func (p *Pairwise) ApplySyncEvent(ev *registry.SyncEvent) error {
	return p.DB.Run("apply sync event", func() error {
		return p.registry.ApplySyncEvent(ev)
	})
}

func (p *Pairwise) AckSyncEvent(eventID, consumerDeviceID ids.ID) error {
	return p.DB.Run("ack sync event", func() error {
		return p.registry.AckSyncEvent(eventID, consumerDeviceID)
	})
}

// StartHandshake opens a session handshake toward a remote device and
// sends the first message over the transport.
func (p *Pairwise) StartHandshake(localDeviceID, remoteUserID, remoteDeviceID ids.ID) error {
	var payload []byte
	if err := p.DB.Run("start handshake", func() error {
		msg, err := p.session.Initiate(localDeviceID, remoteUserID, remoteDeviceID)
		if err != nil {
			return err
		}
		payload, err = packPacket(packetHandshakeIdentity, msg)
		return err
	}); err != nil {
		return err
	}
	return p.transport.Send(remoteDeviceID, payload)
}

// Receive processes one inbound payload from a transport: handshake
// traffic, encrypted envelopes and delivery acknowledgements.
func (p *Pairwise) Receive(payload []byte) error {
	pkt := &packet{}
	if err := wire.Deserialize(payload, pkt); err != nil {
		return fmt.Errorf("pairwise: undecodable packet: %w", err)
	}
	switch pkt.Kind {
	case packetHandshakeIdentity:
		return p.receiveHandshakeIdentity(pkt.Body)
	case packetHandshakeBundle:
		return p.receiveHandshakeBundle(pkt.Body)
	case packetHandshakeComplete:
		return p.receiveHandshakeComplete(pkt.Body)
	case packetEnvelope:
		return p.receiveEnvelope(pkt.Body)
	case packetAck:
		return p.receiveAck(pkt.Body)
	default:
		return fmt.Errorf("pairwise: unknown packet kind %d", pkt.Kind)
	}
}

func (p *Pairwise) receiveHandshakeIdentity(body []byte) error {
	msg := &session.IdentityKeyMessage{}
	if err := wire.Deserialize(body, msg); err != nil {
		return err
	}
	var reply []byte
	if err := p.DB.Run("handshake respond", func() error {
		out, err := p.session.Respond(msg.RecipientDeviceID, msg)
		if err != nil {
			return err
		}
		reply, err = packPacket(packetHandshakeBundle, out)
		return err
	}); err != nil {
		return err
	}
	return p.transport.Send(msg.DeviceID, reply)
}

func (p *Pairwise) receiveHandshakeBundle(body []byte) error {
	msg := &session.PreKeyBundleMessage{}
	if err := wire.Deserialize(body, msg); err != nil {
		return err
	}
	var reply []byte
	var established *session.Session
	if err := p.DB.Run("handshake complete", func() error {
		complete, sess, err := p.session.Complete(msg.RecipientDeviceID, msg)
		if err != nil {
			return err
		}
		established = sess
		reply, err = packPacket(packetHandshakeComplete, complete)
		return err
	}); err != nil {
		return err
	}
	if err := p.transport.Send(msg.Bundle.DeviceID, reply); err != nil {
		return err
	}
	p.updates <- &SessionEstablishedUpdate{Session: established}
	return nil
}

func (p *Pairwise) receiveHandshakeComplete(body []byte) error {
	msg := &session.HandshakeCompleteMessage{}
	if err := wire.Deserialize(body, msg); err != nil {
		return err
	}
	var established *session.Session
	if err := p.DB.Run("handshake accept", func() error {
		sess, err := p.session.AcceptComplete(msg.RecipientDeviceID, msg)
		if err != nil {
			return err
		}
		established = sess
		return nil
	}); err != nil {
		return err
	}
	p.updates <- &SessionEstablishedUpdate{Session: established}
	return nil
}

func (p *Pairwise) receiveEnvelope(body []byte) error {
	env := &ratchet.Envelope{}
	if err := wire.Deserialize(body, env); err != nil {
		return err
	}
	var plaintext []byte
	if err := p.DB.Run("receive envelope", func() error {
		var err error
		plaintext, err = p.ratchet.Decrypt(env)
		if err != nil {
			return err
		}
		return p.registry.MarkSeen(env.SenderDeviceID)
	}); err != nil {
		return err
	}

	p.updates <- &MessageUpdate{
		SessionID:         env.SessionID,
		SenderDeviceID:    env.SenderDeviceID,
		RecipientDeviceID: env.RecipientDeviceID,
		Body:              plaintext,
		TimestampMs:       env.TimestampMs,
	}

	ack, err := packPacket(packetAck, &ackBody{SessionID: env.SessionID, Counter: env.Counter})
	if err != nil {
		return err
	}
	if err := p.transport.Send(env.SenderDeviceID, ack); err != nil {
		p.log.Debugf("ack to %s not sent: %v", env.SenderDeviceID, err)
	}
	return nil
}

func (p *Pairwise) receiveAck(body []byte) error {
	ack := &ackBody{}
	if err := wire.Deserialize(body, ack); err != nil {
		return err
	}
	var delivered *queue.Message
	if err := p.DB.Run("receive ack", func() error {
		if err := p.queue.MarkDeliveredBySession(ack.SessionID, ack.Counter); err != nil {
			return err
		}
		msg, err := p.queue.MessageBySession(ack.SessionID, ack.Counter)
		if err != nil {
			return err
		}
		delivered = msg
		return nil
	}); err != nil {
		return err
	}
	p.updates <- &MessageDeliveredUpdate{
		MessageID: delivered.ID,
		SessionID: ack.SessionID,
		Counter:   ack.Counter,
	}
	return nil
}

// Session returns the established session between two devices, or nil.
func (p *Pairwise) Session(localDeviceID, remoteDeviceID ids.ID) (*session.Session, error) {
	var sess *session.Session
	err := p.DB.RunReadOnly("get session", func() error {
		var err error
		sess, err = p.session.EstablishedSession(localDeviceID, remoteDeviceID)
		return err
	})
	return sess, err
}

func (p *Pairwise) ActiveSessions(localDeviceID ids.ID) ([]*session.Session, error) {
	var sessions []*session.Session
	err := p.DB.RunReadOnly("active sessions", func() error {
		var err error
		sessions, err = p.session.ActiveSessions(localDeviceID)
		return err
	})
	return sessions, err
}

// RekeySession advances a session's root key. Both peers must rekey at
// the same point in the stream.
func (p *Pairwise) RekeySession(id [32]byte) error {
	return p.DB.Run("rekey session", func() error {
		return p.session.Rekey(id)
	})
}

// SendMessage encrypts a body for an established session and queues it
// for delivery.
func (p *Pairwise) SendMessage(localDeviceID, remoteDeviceID ids.ID, body []byte) (*queue.Message, error) {
	if len(body) == 0 || len(body) > p.config.MaxMessageSizeBytes {
		return nil, ErrInvalidMessage
	}
	var queued *queue.Message
	err := p.DB.Run("send message", func() error {
		sess, err := p.session.EstablishedSession(localDeviceID, remoteDeviceID)
		if err != nil {
			return err
		}
		if sess == nil {
			return session.ErrSessionNotEstablished
		}
		env, err := p.ratchet.Encrypt(sess.ID, localDeviceID, remoteDeviceID, body)
		if err != nil {
			return err
		}
		payload, err := packPacket(packetEnvelope, env)
		if err != nil {
			return err
		}
		queued, err = p.queue.Enqueue(remoteDeviceID, sess.ID, env.Counter, payload)
		if err != nil {
			return err
		}
		// kick delivery as soon as the enqueue is durable instead of
		// waiting for the next drain tick
		q := p.queue
		p.DB.AfterCommit(func() {
			if err := q.DrainRecipient(remoteDeviceID); err != nil {
				p.log.Debugf("drain after send failed: %v", err)
			}
		})
		return nil
	})
	return queued, err
}

// Flush pushes all currently due queued messages without waiting for
// the drain interval.
func (p *Pairwise) Flush() error {
	return p.queue.Drain()
}

func (p *Pairwise) QueueStats() (*queue.Stats, error) {
	var stats *queue.Stats
	err := p.DB.RunReadOnly("queue stats", func() error {
		var err error
		stats, err = p.queue.Stats()
		return err
	})
	return stats, err
}

// QueueStatsForUser counts queued messages addressed to any of the
// user's devices.
func (p *Pairwise) QueueStatsForUser(userID ids.ID) (*queue.Stats, error) {
	var stats *queue.Stats
	err := p.DB.RunReadOnly("queue stats for user", func() error {
		devices, err := p.registry.DevicesForUser(userID)
		if err != nil {
			return err
		}
		deviceIDs := make([]ids.ID, 0, len(devices))
		for _, d := range devices {
			deviceIDs = append(deviceIDs, d.ID)
		}
		stats, err = p.queue.StatsForRecipients(deviceIDs...)
		return err
	})
	return stats, err
}

func (p *Pairwise) QueuedMessage(id ids.ID) (*queue.Message, error) {
	var msg *queue.Message
	err := p.DB.RunReadOnly("queued message", func() error {
		var err error
		msg, err = p.queue.Message(id)
		return err
	})
	return msg, err
}

// RetryMessage gives a failed message a fresh set of attempts.
func (p *Pairwise) RetryMessage(id ids.ID) error {
	return p.DB.Run("retry message", func() error {
		return p.queue.Retry(id)
	})
}

func packPacket(kind uint8, msg interface{}) ([]byte, error) {
	body, err := wire.Serialize(msg)
	if err != nil {
		return nil, err
	}
	return wire.Serialize(&packet{Kind: kind, Body: body})
}
