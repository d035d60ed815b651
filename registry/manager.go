package registry

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/pairwise-im/go-pairwise/clock"
	"github.com/pairwise-im/go-pairwise/config"
	"github.com/pairwise-im/go-pairwise/crypto"
	"github.com/pairwise-im/go-pairwise/ids"
	"github.com/pairwise-im/go-pairwise/internal/db"
	"go.uber.org/zap"
)

var (
	ErrNotFound        = errors.New("registry: not found")
	ErrPreKeyExhausted = errors.New("registry: one-time prekey exhausted")
	ErrNotLocal        = errors.New("registry: device keys not held locally")
)

const secondsPerDay = 24 * 60 * 60

// DeviceKeys is the full key material generated for a local device.
type DeviceKeys struct {
	Signing   *crypto.SigningKeyPair
	Agreement *crypto.KeyPair
}

func NewDeviceKeys(provider crypto.Provider) (*DeviceKeys, error) {
	signing, err := provider.GenerateSigningKeyPair()
	if err != nil {
		return nil, err
	}
	agreement, err := provider.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return &DeviceKeys{Signing: signing, Agreement: agreement}, nil
}

// Device is the public view of a registered device.
type Device struct {
	ID              ids.ID
	UserID          ids.ID
	Name            string
	Type            string
	SigningKey      ed25519.PublicKey
	AgreementKey    [32]byte
	Verified        bool
	Local           bool
	TrustedAtSec    uint64
	LastSeenSec     uint64
	NextRotationSec uint64
	CreatedSec      uint64
}

// PreKeyBundle is the published key material a peer needs to start a
// session with a device.
type PreKeyBundle struct {
	DeviceID         ids.ID   `wire:"d"`
	UserID           ids.ID   `wire:"u"`
	SigningKey       []byte   `wire:"i"`
	AgreementKey     [32]byte `wire:"a"`
	SignedPreKey     [32]byte `wire:"s"`
	SignedPreKeySig  []byte   `wire:"g"`
	OneTimePreKey    [32]byte `wire:"o"`
	HasOneTimePreKey bool     `wire:"h"`
}

type Manager struct {
	config   *config.Config
	db       *database
	log      *zap.SugaredLogger
	clock    clock.Clock
	provider crypto.Provider
}

func NewManager(c *config.Config, internalDB *db.Database, clock clock.Clock, provider crypto.Provider) (*Manager, error) {
	database, err := newDatabase(internalDB)
	if err != nil {
		return nil, err
	}
	return &Manager{c, database, c.Logger("registry"), clock, provider}, nil
}

// RegisterDevice creates a local device for a user. The first device of a
// user is implicitly verified; later devices start unverified and wait for
// approval from an existing verified device.
func (m *Manager) RegisterDevice(userID ids.ID, name, deviceType string, keys *DeviceKeys) (*Device, error) {
	existing, err := m.db.devicesForUser(userID[:])
	if err != nil {
		return nil, err
	}

	now := m.clock.CurrentTimeSec()
	id := ids.NewID()
	verified := len(existing) == 0
	trustedAt := uint64(0)
	if verified {
		trustedAt = now
	}

	row := &deviceRow{
		ID:              id[:],
		UserID:          userID[:],
		Name:            name,
		Type:            deviceType,
		SigningPub:      keys.Signing.Public,
		SigningPriv:     keys.Signing.Private,
		AgreementPub:    keys.Agreement.Public[:],
		AgreementPriv:   keys.Agreement.Private[:],
		Verified:        verified,
		TrustedAtSec:    trustedAt,
		LastSeenSec:     now,
		NextRotationSec: now + uint64(m.config.KeyRotationDays)*secondsPerDay,
		CreatedSec:      now,
	}
	if err := m.db.upsertDevice(row); err != nil {
		return nil, err
	}

	if err := m.issueSignedPreKey(row); err != nil {
		return nil, err
	}
	if err := m.replenishOneTimePreKeys(row); err != nil {
		return nil, err
	}

	m.log.Debugf("registered device %s for user %s verified=%t", id, userID, verified)

	if err := m.appendSyncEvent(row, SyncEventDeviceAdded, &DeviceAddedEvent{
		DeviceID:     id,
		UserID:       userID,
		Name:         name,
		Type:         deviceType,
		SigningKey:   keys.Signing.Public,
		AgreementKey: keys.Agreement.Public,
		Verified:     verified,
	}); err != nil {
		return nil, err
	}

	return deviceFromRow(row), nil
}

// AddRemoteDevice records a device belonging to a peer. Only public key
// material is stored.
func (m *Manager) AddRemoteDevice(deviceID, userID ids.ID, name, deviceType string, signingKey ed25519.PublicKey, agreementKey [32]byte) (*Device, error) {
	now := m.clock.CurrentTimeSec()
	row := &deviceRow{
		ID:              deviceID[:],
		UserID:          userID[:],
		Name:            name,
		Type:            deviceType,
		SigningPub:      signingKey,
		AgreementPub:    agreementKey[:],
		Verified:        false,
		LastSeenSec:     now,
		NextRotationSec: 0,
		CreatedSec:      now,
	}
	if err := m.db.upsertDevice(row); err != nil {
		return nil, err
	}
	return deviceFromRow(row), nil
}

func (m *Manager) Device(deviceID ids.ID) (*Device, error) {
	row, err := m.db.device(deviceID[:])
	if err != nil {
		return nil, err
	}
	return deviceFromRow(row), nil
}

// DevicesForUser lists every known device of a user. A user with no
// devices is unknown, so an empty result is ErrNotFound.
func (m *Manager) DevicesForUser(userID ids.ID) ([]*Device, error) {
	rows, err := m.db.devicesForUser(userID[:])
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	devices := make([]*Device, 0, len(rows))
	for _, row := range rows {
		devices = append(devices, deviceFromRow(row))
	}
	return devices, nil
}

// VerifyDevice marks a device as trusted. The approver must itself be a
// verified device of the same user.
func (m *Manager) VerifyDevice(deviceID, approverDeviceID ids.ID) error {
	row, err := m.db.device(deviceID[:])
	if err != nil {
		return err
	}
	approver, err := m.db.device(approverDeviceID[:])
	if err != nil {
		return err
	}
	if !approver.Verified {
		return fmt.Errorf("registry: approver %s is not verified", approverDeviceID)
	}
	if string(approver.UserID) != string(row.UserID) {
		return fmt.Errorf("registry: approver %s belongs to a different user", approverDeviceID)
	}
	if row.Verified {
		return nil
	}

	row.Verified = true
	row.TrustedAtSec = m.clock.CurrentTimeSec()
	if err := m.db.upsertDevice(row); err != nil {
		return err
	}

	m.log.Debugf("device %s verified by %s", deviceID, approverDeviceID)

	if approver.local() {
		return m.appendSyncEvent(approver, SyncEventDeviceVerified, &DeviceVerifiedEvent{
			DeviceID:         deviceID,
			ApproverDeviceID: approverDeviceID,
		})
	}
	return nil
}

// RemoveDevice deletes a device and all of its prekey material.
func (m *Manager) RemoveDevice(deviceID, actorDeviceID ids.ID) error {
	actor, err := m.db.device(actorDeviceID[:])
	if err != nil {
		return err
	}
	if err := m.db.deleteDevice(deviceID[:]); err != nil {
		return err
	}

	m.log.Debugf("device %s removed by %s", deviceID, actorDeviceID)

	if actor.local() {
		return m.appendSyncEvent(actor, SyncEventDeviceRemoved, &DeviceRemovedEvent{DeviceID: deviceID})
	}
	return nil
}

// RotateKeys replaces a local device's long-term keys and issues a fresh
// signed prekey. The next rotation is scheduled from now.
func (m *Manager) RotateKeys(deviceID ids.ID, keys *DeviceKeys) error {
	row, err := m.db.device(deviceID[:])
	if err != nil {
		return err
	}
	if !row.local() {
		return ErrNotLocal
	}

	now := m.clock.CurrentTimeSec()
	row.SigningPub = keys.Signing.Public
	row.SigningPriv = keys.Signing.Private
	row.AgreementPub = keys.Agreement.Public[:]
	row.AgreementPriv = keys.Agreement.Private[:]
	row.NextRotationSec = now + uint64(m.config.KeyRotationDays)*secondsPerDay
	if err := m.db.upsertDevice(row); err != nil {
		return err
	}
	if err := m.issueSignedPreKey(row); err != nil {
		return err
	}

	m.log.Infof("rotated keys for device %s, next rotation at %d", deviceID, row.NextRotationSec)

	return m.appendSyncEvent(row, SyncEventKeysRotated, &KeysRotatedEvent{
		DeviceID:        deviceID,
		SigningKey:      keys.Signing.Public,
		AgreementKey:    keys.Agreement.Public,
		NextRotationSec: row.NextRotationSec,
	})
}

// DevicesDueRotation returns local devices whose rotation deadline has
// passed.
func (m *Manager) DevicesDueRotation() ([]*Device, error) {
	rows, err := m.db.devicesDueRotation(m.clock.CurrentTimeSec())
	if err != nil {
		return nil, err
	}
	devices := make([]*Device, 0, len(rows))
	for _, row := range rows {
		devices = append(devices, deviceFromRow(row))
	}
	return devices, nil
}

func (m *Manager) MarkSeen(deviceID ids.ID) error {
	row, err := m.db.device(deviceID[:])
	if err != nil {
		return err
	}
	row.LastSeenSec = m.clock.CurrentTimeSec()
	return m.db.upsertDevice(row)
}

// Fingerprint renders a short comparison string for a device's long-term
// keys, suitable for out-of-band verification.
func (m *Manager) Fingerprint(deviceID ids.ID) (string, error) {
	row, err := m.db.device(deviceID[:])
	if err != nil {
		return "", err
	}
	return crypto.Fingerprint(row.SigningPub, row.AgreementPub), nil
}

// SigningKeys returns the full signing key pair for a local device.
func (m *Manager) SigningKeys(deviceID ids.ID) (*crypto.SigningKeyPair, error) {
	row, err := m.db.device(deviceID[:])
	if err != nil {
		return nil, err
	}
	if !row.local() {
		return nil, ErrNotLocal
	}
	return &crypto.SigningKeyPair{Public: row.SigningPub, Private: row.SigningPriv}, nil
}

// AgreementKeys returns the full agreement key pair for a local device.
func (m *Manager) AgreementKeys(deviceID ids.ID) (*crypto.KeyPair, error) {
	row, err := m.db.device(deviceID[:])
	if err != nil {
		return nil, err
	}
	if !row.local() {
		return nil, ErrNotLocal
	}
	kp := &crypto.KeyPair{}
	copy(kp.Public[:], row.AgreementPub)
	copy(kp.Private[:], row.AgreementPriv)
	return kp, nil
}

// PreKeyBundle assembles the published bundle for a device. The one-time
// prekey, if present, is only peeked at here; it is consumed when a peer
// actually completes a handshake with it.
func (m *Manager) PreKeyBundle(deviceID ids.ID) (*PreKeyBundle, error) {
	row, err := m.db.device(deviceID[:])
	if err != nil {
		return nil, err
	}
	spk, err := m.db.latestSignedPreKey(deviceID[:])
	if err != nil {
		return nil, err
	}
	if !ed25519.Verify(row.SigningPub, spk.Pub, spk.Sig) {
		return nil, fmt.Errorf("registry: signed prekey signature invalid for device %s", deviceID)
	}

	bundle := &PreKeyBundle{
		SigningKey:      row.SigningPub,
		SignedPreKeySig: spk.Sig,
	}
	bundle.DeviceID = ids.IDFromBytes(row.ID)
	bundle.UserID = ids.IDFromBytes(row.UserID)
	copy(bundle.AgreementKey[:], row.AgreementPub)
	copy(bundle.SignedPreKey[:], spk.Pub)

	otk, err := m.db.nextOneTimePreKey(deviceID[:])
	if err != nil {
		return nil, err
	}
	if otk != nil {
		bundle.HasOneTimePreKey = true
		copy(bundle.OneTimePreKey[:], otk.Pub)
	}
	return bundle, nil
}

// VerifyPreKeyBundle checks a peer bundle's signed prekey signature.
func VerifyPreKeyBundle(bundle *PreKeyBundle) error {
	if len(bundle.SigningKey) != ed25519.PublicKeySize {
		return fmt.Errorf("registry: bundle signing key has wrong length %d", len(bundle.SigningKey))
	}
	if !ed25519.Verify(bundle.SigningKey, bundle.SignedPreKey[:], bundle.SignedPreKeySig) {
		return fmt.Errorf("registry: bundle signed prekey signature invalid")
	}
	return nil
}

// SignedPreKeyPrivate returns the private half of the signed prekey whose
// public half matches pub.
func (m *Manager) SignedPreKeyPrivate(deviceID ids.ID, pub [32]byte) (*crypto.KeyPair, error) {
	spk, err := m.db.signedPreKeyByPub(deviceID[:], pub[:])
	if err != nil {
		return nil, err
	}
	if len(spk.Priv) == 0 {
		return nil, ErrNotLocal
	}
	kp := &crypto.KeyPair{}
	copy(kp.Public[:], spk.Pub)
	copy(kp.Private[:], spk.Priv)
	return kp, nil
}

// ConsumeOneTimePreKey removes and returns the one-time prekey matching
// pub. A prekey can only ever be consumed once; a second taker gets
// ErrPreKeyExhausted.
func (m *Manager) ConsumeOneTimePreKey(deviceID ids.ID, pub [32]byte) (*crypto.KeyPair, error) {
	otk, err := m.db.takeOneTimePreKey(deviceID[:], pub[:])
	if err != nil {
		return nil, err
	}
	kp := &crypto.KeyPair{}
	copy(kp.Public[:], otk.Pub)
	copy(kp.Private[:], otk.Priv)
	return kp, nil
}

// ReplenishOneTimePreKeys tops a local device back up to the configured
// one-time prekey count.
func (m *Manager) ReplenishOneTimePreKeys(deviceID ids.ID) (int, error) {
	row, err := m.db.device(deviceID[:])
	if err != nil {
		return 0, err
	}
	if !row.local() {
		return 0, ErrNotLocal
	}
	before, err := m.db.countOneTimePreKeys(deviceID[:])
	if err != nil {
		return 0, err
	}
	if err := m.replenishOneTimePreKeys(row); err != nil {
		return 0, err
	}
	after, err := m.db.countOneTimePreKeys(deviceID[:])
	if err != nil {
		return 0, err
	}
	return after - before, nil
}

func (m *Manager) OneTimePreKeyCount(deviceID ids.ID) (int, error) {
	return m.db.countOneTimePreKeys(deviceID[:])
}

func (m *Manager) issueSignedPreKey(row *deviceRow) error {
	kp, err := m.provider.GenerateKeyPair()
	if err != nil {
		return err
	}
	sig := m.provider.Sign(row.SigningPriv, kp.Public[:])
	id := ids.NewID()
	return m.db.insertSignedPreKey(&signedPreKeyRow{
		ID:         id[:],
		DeviceID:   row.ID,
		Pub:        kp.Public[:],
		Priv:       kp.Private[:],
		Sig:        sig,
		CreatedSec: m.clock.CurrentTimeSec(),
	})
}

func (m *Manager) replenishOneTimePreKeys(row *deviceRow) error {
	count, err := m.db.countOneTimePreKeys(row.ID)
	if err != nil {
		return err
	}
	for i := count; i < m.config.OneTimePreKeyCount; i++ {
		kp, err := m.provider.GenerateKeyPair()
		if err != nil {
			return err
		}
		id := ids.NewID()
		if err := m.db.insertOneTimePreKey(&oneTimePreKeyRow{
			ID:         id[:],
			DeviceID:   row.ID,
			Pub:        kp.Public[:],
			Priv:       kp.Private[:],
			CreatedSec: m.clock.CurrentTimeSec(),
		}); err != nil {
			return err
		}
	}
	return nil
}

func deviceFromRow(row *deviceRow) *Device {
	d := &Device{
		Name:            row.Name,
		Type:            row.Type,
		SigningKey:      row.SigningPub,
		Verified:        row.Verified,
		Local:           row.local(),
		TrustedAtSec:    row.TrustedAtSec,
		LastSeenSec:     row.LastSeenSec,
		NextRotationSec: row.NextRotationSec,
		CreatedSec:      row.CreatedSec,
	}
	d.ID = ids.IDFromBytes(row.ID)
	d.UserID = ids.IDFromBytes(row.UserID)
	copy(d.AgreementKey[:], row.AgreementPub)
	return d
}
