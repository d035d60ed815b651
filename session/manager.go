package session

import (
	"bytes"
	"errors"

	"github.com/pairwise-im/go-pairwise/clock"
	"github.com/pairwise-im/go-pairwise/config"
	"github.com/pairwise-im/go-pairwise/crypto"
	"github.com/pairwise-im/go-pairwise/ids"
	"github.com/pairwise-im/go-pairwise/internal/db"
	"github.com/pairwise-im/go-pairwise/ratchet"
	"github.com/pairwise-im/go-pairwise/registry"
	"go.uber.org/zap"
)

var (
	// ErrSessionNotEstablished indicates no established session exists
	// for the device pair.
	ErrSessionNotEstablished = errors.New("session: not established")
	// ErrHandshakeAuth indicates a handshake message failed signature or
	// identity verification.
	ErrHandshakeAuth = errors.New("session: handshake authentication failed")
	// ErrNoHandshake indicates no handshake is in flight for the pair.
	ErrNoHandshake = errors.New("session: no handshake in progress")
)

// Session is the established pairing between a local and a remote
// device. Chain state lives with the ratchet engine; the session holds
// the root key and lifecycle.
type Session struct {
	ID             [32]byte
	LocalDeviceID  ids.ID
	RemoteDeviceID ids.ID
	LocalUserID    ids.ID
	RemoteUserID   ids.ID
	Initiator      bool
	EstablishedSec uint64
	CreatedSec     uint64
}

type Manager struct {
	config   *config.Config
	db       *database
	log      *zap.SugaredLogger
	clock    clock.Clock
	provider crypto.Provider
	registry *registry.Manager
	ratchet  *ratchet.Engine
}

func NewManager(c *config.Config, internalDB *db.Database, clock clock.Clock, provider crypto.Provider, reg *registry.Manager, eng *ratchet.Engine) (*Manager, error) {
	database, err := newDatabase(internalDB)
	if err != nil {
		return nil, err
	}
	return &Manager{c, database, c.Logger("session"), clock, provider, reg, eng}, nil
}

// Initiate opens a handshake from a local device toward a remote one,
// producing the identity-key message to send.
func (m *Manager) Initiate(localDeviceID, remoteUserID, remoteDeviceID ids.ID) (*IdentityKeyMessage, error) {
	local, err := m.registry.Device(localDeviceID)
	if err != nil {
		return nil, err
	}
	signing, err := m.registry.SigningKeys(localDeviceID)
	if err != nil {
		return nil, err
	}
	agreement, err := m.registry.AgreementKeys(localDeviceID)
	if err != nil {
		return nil, err
	}

	eph, err := m.provider.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	if err := m.db.upsertHandshake(&handshakeRow{
		LocalDeviceID:  localDeviceID[:],
		RemoteDeviceID: remoteDeviceID[:],
		Role:           roleInitiator,
		EphPub:         eph.Public[:],
		EphPriv:        eph.Private[:],
		CreatedSec:     m.clock.CurrentTimeSec(),
	}); err != nil {
		return nil, err
	}

	msg := &IdentityKeyMessage{
		UserID:            local.UserID,
		DeviceID:          localDeviceID,
		RecipientUserID:   remoteUserID,
		RecipientDeviceID: remoteDeviceID,
		SigningKey:        signing.Public,
		AgreementKey:      agreement.Public,
		EphemeralKey:      eph.Public,
	}
	msg.Sig = m.provider.Sign(signing.Private, msg.signingBody())

	m.log.Debugf("initiated handshake %s -> %s", localDeviceID, remoteDeviceID)
	return msg, nil
}

// Respond handles an incoming identity-key message, records the peer in
// the registry and answers with the local device's prekey bundle. The
// offered one-time prekey is not consumed yet; that happens when the
// initiator's completion arrives.
func (m *Manager) Respond(localDeviceID ids.ID, msg *IdentityKeyMessage) (*PreKeyBundleMessage, error) {
	if msg.RecipientDeviceID != localDeviceID {
		return nil, ErrHandshakeAuth
	}
	if !m.provider.Verify(msg.SigningKey, msg.signingBody(), msg.Sig) {
		return nil, ErrHandshakeAuth
	}
	known, err := m.registry.Device(msg.DeviceID)
	if err != nil && err != registry.ErrNotFound {
		return nil, err
	}
	if known != nil && !bytes.Equal(known.SigningKey, msg.SigningKey) {
		return nil, ErrHandshakeAuth
	}
	if known == nil {
		if _, err := m.registry.AddRemoteDevice(msg.DeviceID, msg.UserID, "", "", msg.SigningKey, msg.AgreementKey); err != nil {
			return nil, err
		}
	}

	bundle, err := m.registry.PreKeyBundle(localDeviceID)
	if err != nil {
		return nil, err
	}

	h := &handshakeRow{
		LocalDeviceID:   localDeviceID[:],
		RemoteDeviceID:  msg.DeviceID[:],
		Role:            roleResponder,
		EphPub:          []byte{},
		EphPriv:         []byte{},
		RemoteSigning:   msg.SigningKey,
		RemoteAgreement: msg.AgreementKey[:],
		RemoteEph:       msg.EphemeralKey[:],
		OfferedPreKey:   bundle.SignedPreKey[:],
		CreatedSec:      m.clock.CurrentTimeSec(),
	}
	if bundle.HasOneTimePreKey {
		h.OfferedOneTime = bundle.OneTimePreKey[:]
	}
	if err := m.db.upsertHandshake(h); err != nil {
		return nil, err
	}

	signing, err := m.registry.SigningKeys(localDeviceID)
	if err != nil {
		return nil, err
	}
	out := &PreKeyBundleMessage{RecipientDeviceID: msg.DeviceID, Bundle: bundle}
	body, err := out.signingBody(msg.EphemeralKey[:])
	if err != nil {
		return nil, err
	}
	out.Sig = m.provider.Sign(signing.Private, body)

	m.log.Debugf("responding to handshake from %s with bundle", msg.DeviceID)
	return out, nil
}

// Complete consumes the responder's bundle on the initiator side, derives
// the session keys and installs the ratchet chains. The returned
// completion message tells the responder which one-time prekey to burn.
func (m *Manager) Complete(localDeviceID ids.ID, msg *PreKeyBundleMessage) (*HandshakeCompleteMessage, *Session, error) {
	bundle := msg.Bundle
	h, err := m.db.handshake(localDeviceID[:], bundle.DeviceID[:])
	if err != nil {
		return nil, nil, err
	}
	if h.Role != roleInitiator {
		return nil, nil, ErrNoHandshake
	}

	if err := registry.VerifyPreKeyBundle(bundle); err != nil {
		return nil, nil, ErrHandshakeAuth
	}
	body, err := msg.signingBody(h.EphPub)
	if err != nil {
		return nil, nil, err
	}
	if !m.provider.Verify(bundle.SigningKey, body, msg.Sig) {
		return nil, nil, ErrHandshakeAuth
	}
	known, err := m.registry.Device(bundle.DeviceID)
	if err != nil && err != registry.ErrNotFound {
		return nil, nil, err
	}
	if known != nil && !bytes.Equal(known.SigningKey, bundle.SigningKey) {
		return nil, nil, ErrHandshakeAuth
	}
	if known == nil {
		if _, err := m.registry.AddRemoteDevice(bundle.DeviceID, bundle.UserID, "", "", bundle.SigningKey, bundle.AgreementKey); err != nil {
			return nil, nil, err
		}
	}

	local, err := m.registry.Device(localDeviceID)
	if err != nil {
		return nil, nil, err
	}
	identity, err := m.registry.AgreementKeys(localDeviceID)
	if err != nil {
		return nil, nil, err
	}

	dh1, err := m.provider.DH(identity.Private[:], bundle.SignedPreKey[:])
	if err != nil {
		return nil, nil, err
	}
	dh2, err := m.provider.DH(h.EphPriv, bundle.AgreementKey[:])
	if err != nil {
		return nil, nil, err
	}
	dh3, err := m.provider.DH(h.EphPriv, bundle.SignedPreKey[:])
	if err != nil {
		return nil, nil, err
	}
	dh4, err := m.provider.DH(identity.Private[:], bundle.AgreementKey[:])
	if err != nil {
		return nil, nil, err
	}
	dhs := [][]byte{dh1, dh2, dh3, dh4}
	if bundle.HasOneTimePreKey {
		dh5, err := m.provider.DH(h.EphPriv, bundle.OneTimePreKey[:])
		if err != nil {
			return nil, nil, err
		}
		dhs = append(dhs, dh5)
	}
	keys, err := deriveKeys(m.provider, dhs...)
	if err != nil {
		return nil, nil, err
	}

	sid := sessionID(local.UserID, localDeviceID, bundle.UserID, bundle.DeviceID)
	session, err := m.establish(sid, localDeviceID, bundle.DeviceID, local.UserID, bundle.UserID, keys.rootKey, true)
	if err != nil {
		return nil, nil, err
	}
	if err := m.ratchet.InitChains(sid, keys.initiator, keys.responder); err != nil {
		return nil, nil, err
	}
	if err := m.db.deleteHandshake(localDeviceID[:], bundle.DeviceID[:]); err != nil {
		return nil, nil, err
	}

	signing, err := m.registry.SigningKeys(localDeviceID)
	if err != nil {
		return nil, nil, err
	}
	complete := &HandshakeCompleteMessage{
		DeviceID:          localDeviceID,
		RecipientDeviceID: bundle.DeviceID,
		SessionID:         sid,
		OneTimePreKey:     bundle.OneTimePreKey,
		HasOneTimePreKey:  bundle.HasOneTimePreKey,
	}
	complete.Sig = m.provider.Sign(signing.Private, complete.signingBody())

	m.log.Infof("session established with %s as initiator", bundle.DeviceID)
	return complete, session, nil
}

// AcceptComplete finishes the handshake on the responder side. The named
// one-time prekey is consumed here; if another handshake already burned
// it the completion fails with ErrPreKeyExhausted and the initiator has
// to start over.
func (m *Manager) AcceptComplete(localDeviceID ids.ID, msg *HandshakeCompleteMessage) (*Session, error) {
	if msg.RecipientDeviceID != localDeviceID {
		return nil, ErrHandshakeAuth
	}
	h, err := m.db.handshake(localDeviceID[:], msg.DeviceID[:])
	if err != nil {
		return nil, err
	}
	if h.Role != roleResponder {
		return nil, ErrNoHandshake
	}
	if !m.provider.Verify(h.RemoteSigning, msg.signingBody(), msg.Sig) {
		return nil, ErrHandshakeAuth
	}

	identity, err := m.registry.AgreementKeys(localDeviceID)
	if err != nil {
		return nil, err
	}
	var offeredPreKey [32]byte
	copy(offeredPreKey[:], h.OfferedPreKey)
	spk, err := m.registry.SignedPreKeyPrivate(localDeviceID, offeredPreKey)
	if err != nil {
		return nil, err
	}

	dh1, err := m.provider.DH(spk.Private[:], h.RemoteAgreement)
	if err != nil {
		return nil, err
	}
	dh2, err := m.provider.DH(identity.Private[:], h.RemoteEph)
	if err != nil {
		return nil, err
	}
	dh3, err := m.provider.DH(spk.Private[:], h.RemoteEph)
	if err != nil {
		return nil, err
	}
	dh4, err := m.provider.DH(identity.Private[:], h.RemoteAgreement)
	if err != nil {
		return nil, err
	}
	dhs := [][]byte{dh1, dh2, dh3, dh4}
	if msg.HasOneTimePreKey {
		otk, err := m.registry.ConsumeOneTimePreKey(localDeviceID, msg.OneTimePreKey)
		if err != nil {
			return nil, err
		}
		dh5, err := m.provider.DH(otk.Private[:], h.RemoteEph)
		if err != nil {
			return nil, err
		}
		dhs = append(dhs, dh5)
	}
	keys, err := deriveKeys(m.provider, dhs...)
	if err != nil {
		return nil, err
	}

	local, err := m.registry.Device(localDeviceID)
	if err != nil {
		return nil, err
	}
	remote, err := m.registry.Device(msg.DeviceID)
	if err != nil {
		return nil, err
	}
	sid := sessionID(local.UserID, localDeviceID, remote.UserID, msg.DeviceID)
	if sid != msg.SessionID {
		return nil, ErrHandshakeAuth
	}

	session, err := m.establish(sid, localDeviceID, msg.DeviceID, local.UserID, remote.UserID, keys.rootKey, false)
	if err != nil {
		return nil, err
	}
	if err := m.ratchet.InitChains(sid, keys.responder, keys.initiator); err != nil {
		return nil, err
	}
	if err := m.db.deleteHandshake(localDeviceID[:], msg.DeviceID[:]); err != nil {
		return nil, err
	}
	if _, err := m.registry.ReplenishOneTimePreKeys(localDeviceID); err != nil {
		return nil, err
	}

	m.log.Infof("session established with %s as responder", msg.DeviceID)
	return session, nil
}

// EstablishedSession returns the session for a device pair, or nil when
// none exists yet.
func (m *Manager) EstablishedSession(localDeviceID, remoteDeviceID ids.ID) (*Session, error) {
	row, err := m.db.sessionForPair(localDeviceID[:], remoteDeviceID[:])
	if err != nil || row == nil {
		return nil, err
	}
	return sessionFromRow(row), nil
}

func (m *Manager) SessionByID(id [32]byte) (*Session, error) {
	row, err := m.db.session(id[:])
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, ErrSessionNotEstablished
	}
	return sessionFromRow(row), nil
}

func (m *Manager) ActiveSessions(localDeviceID ids.ID) ([]*Session, error) {
	rows, err := m.db.sessionsForDevice(localDeviceID[:])
	if err != nil {
		return nil, err
	}
	sessions := make([]*Session, 0, len(rows))
	for _, row := range rows {
		sessions = append(sessions, sessionFromRow(row))
	}
	return sessions, nil
}

// Rekey advances a session's root key one way and installs fresh chains.
// Compromise of the new root does not expose traffic sent under the old
// one. Both sides must rekey at the same point in the message stream.
func (m *Manager) Rekey(id [32]byte) error {
	row, err := m.db.session(id[:])
	if err != nil {
		return err
	}
	if row == nil {
		return ErrSessionNotEstablished
	}
	keys, err := rekeyed(m.provider, row.RootKey)
	if err != nil {
		return err
	}
	row.RootKey = keys.rootKey
	if err := m.db.upsertSession(row); err != nil {
		return err
	}
	send, recv := keys.initiator, keys.responder
	if !row.Initiator {
		send, recv = recv, send
	}
	m.log.Infof("rekeyed session %x", id[:4])
	return m.ratchet.InitChains(id, send, recv)
}

func (m *Manager) DeleteSession(id [32]byte) error {
	if err := m.db.deleteSession(id[:]); err != nil {
		return err
	}
	return m.ratchet.DeleteChains(id)
}

func (m *Manager) establish(id [32]byte, localDeviceID, remoteDeviceID, localUserID, remoteUserID ids.ID, rootKey []byte, initiator bool) (*Session, error) {
	now := m.clock.CurrentTimeSec()
	row := &sessionRow{
		ID:             id[:],
		LocalDeviceID:  localDeviceID[:],
		RemoteDeviceID: remoteDeviceID[:],
		LocalUserID:    localUserID[:],
		RemoteUserID:   remoteUserID[:],
		RootKey:        rootKey,
		Initiator:      initiator,
		EstablishedSec: now,
		CreatedSec:     now,
	}
	if err := m.db.upsertSession(row); err != nil {
		return nil, err
	}
	return sessionFromRow(row), nil
}

func sessionFromRow(row *sessionRow) *Session {
	s := &Session{
		Initiator:      row.Initiator,
		EstablishedSec: row.EstablishedSec,
		CreatedSec:     row.CreatedSec,
	}
	copy(s.ID[:], row.ID)
	s.LocalDeviceID = ids.IDFromBytes(row.LocalDeviceID)
	s.RemoteDeviceID = ids.IDFromBytes(row.RemoteDeviceID)
	s.LocalUserID = ids.IDFromBytes(row.LocalUserID)
	s.RemoteUserID = ids.IDFromBytes(row.RemoteUserID)
	return s
}
