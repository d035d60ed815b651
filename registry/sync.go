package registry

import (
	"crypto/ed25519"
	"fmt"

	"github.com/pairwise-im/go-pairwise/crypto"
	"github.com/pairwise-im/go-pairwise/ids"
	"github.com/pairwise-im/go-pairwise/wire"
)

const (
	SyncEventDeviceAdded uint8 = iota + 1
	SyncEventDeviceVerified
	SyncEventDeviceRemoved
	SyncEventKeysRotated
)

// SyncEvent is a signed record of a registry change, fanned out to a
// user's other devices so every device converges on the same view.
type SyncEvent struct {
	ID             ids.ID
	UserID         ids.ID
	OriginDeviceID ids.ID
	Type           uint8
	Body           []byte
	Sig            []byte
	CreatedSec     uint64
}

type DeviceAddedEvent struct {
	DeviceID     ids.ID   `wire:"d"`
	UserID       ids.ID   `wire:"u"`
	Name         string   `wire:"n"`
	Type         string   `wire:"t"`
	SigningKey   []byte   `wire:"i"`
	AgreementKey [32]byte `wire:"a"`
	Verified     bool     `wire:"v"`
}

type DeviceVerifiedEvent struct {
	DeviceID         ids.ID `wire:"d"`
	ApproverDeviceID ids.ID `wire:"p"`
}

type DeviceRemovedEvent struct {
	DeviceID ids.ID `wire:"d"`
}

type KeysRotatedEvent struct {
	DeviceID        ids.ID   `wire:"d"`
	SigningKey      []byte   `wire:"i"`
	AgreementKey    [32]byte `wire:"a"`
	NextRotationSec uint64   `wire:"r"`
}

func syncEventSigningBody(id, userID, originDeviceID []byte, eventType uint8, body []byte) []byte {
	return crypto.Concat(id, userID, originDeviceID, []byte{eventType}, body)
}

func (m *Manager) appendSyncEvent(origin *deviceRow, eventType uint8, payload interface{}) error {
	body, err := wire.Serialize(payload)
	if err != nil {
		return err
	}
	id := ids.NewID()
	sig := m.provider.Sign(origin.SigningPriv, syncEventSigningBody(id[:], origin.UserID, origin.ID, eventType, body))
	return m.db.insertSyncEvent(&syncEventRow{
		ID:             id[:],
		UserID:         origin.UserID,
		OriginDeviceID: origin.ID,
		Type:           eventType,
		Body:           body,
		Sig:            sig,
		CreatedSec:     m.clock.CurrentTimeSec(),
	})
}

// PendingSyncEvents returns events a consumer device has not yet
// acknowledged, oldest first. Events originated by the consumer itself
// are excluded.
func (m *Manager) PendingSyncEvents(userID, consumerDeviceID ids.ID) ([]*SyncEvent, error) {
	rows, err := m.db.pendingSyncEvents(userID[:], consumerDeviceID[:])
	if err != nil {
		return nil, err
	}
	events := make([]*SyncEvent, 0, len(rows))
	for _, row := range rows {
		events = append(events, syncEventFromRow(row))
	}
	return events, nil
}

func (m *Manager) AckSyncEvent(eventID, consumerDeviceID ids.ID) error {
	return m.db.ackSyncEvent(eventID[:], consumerDeviceID[:])
}

// ApplySyncEvent verifies an event's signature and applies its change to
// the local registry. Applying the same event twice is a no-op.
func (m *Manager) ApplySyncEvent(ev *SyncEvent) error {
	applied, err := m.db.syncEventApplied(ev.ID[:])
	if err != nil {
		return err
	}
	if applied {
		return nil
	}

	signingKey, err := m.syncEventSigningKey(ev)
	if err != nil {
		return err
	}
	if !m.provider.Verify(signingKey, syncEventSigningBody(ev.ID[:], ev.UserID[:], ev.OriginDeviceID[:], ev.Type, ev.Body), ev.Sig) {
		return fmt.Errorf("registry: sync event %s signature invalid", ev.ID)
	}

	switch ev.Type {
	case SyncEventDeviceAdded:
		added := &DeviceAddedEvent{}
		if err := wire.Deserialize(ev.Body, added); err != nil {
			return err
		}
		if _, err := m.AddRemoteDevice(added.DeviceID, added.UserID, added.Name, added.Type, added.SigningKey, added.AgreementKey); err != nil {
			return err
		}
		if added.Verified {
			row, err := m.db.device(added.DeviceID[:])
			if err != nil {
				return err
			}
			row.Verified = true
			row.TrustedAtSec = m.clock.CurrentTimeSec()
			if err := m.db.upsertDevice(row); err != nil {
				return err
			}
		}
	case SyncEventDeviceVerified:
		verified := &DeviceVerifiedEvent{}
		if err := wire.Deserialize(ev.Body, verified); err != nil {
			return err
		}
		row, err := m.db.device(verified.DeviceID[:])
		if err != nil {
			return err
		}
		row.Verified = true
		row.TrustedAtSec = m.clock.CurrentTimeSec()
		if err := m.db.upsertDevice(row); err != nil {
			return err
		}
	case SyncEventDeviceRemoved:
		removed := &DeviceRemovedEvent{}
		if err := wire.Deserialize(ev.Body, removed); err != nil {
			return err
		}
		if err := m.db.deleteDevice(removed.DeviceID[:]); err != nil && err != ErrNotFound {
			return err
		}
	case SyncEventKeysRotated:
		rotated := &KeysRotatedEvent{}
		if err := wire.Deserialize(ev.Body, rotated); err != nil {
			return err
		}
		row, err := m.db.device(rotated.DeviceID[:])
		if err != nil {
			return err
		}
		if row.local() {
			return fmt.Errorf("registry: refusing to overwrite local keys for device %s from sync event", rotated.DeviceID)
		}
		row.SigningPub = rotated.SigningKey
		row.AgreementPub = rotated.AgreementKey[:]
		row.NextRotationSec = rotated.NextRotationSec
		if err := m.db.upsertDevice(row); err != nil {
			return err
		}
	default:
		return fmt.Errorf("registry: unknown sync event type %d", ev.Type)
	}

	m.log.Debugf("applied sync event %s type=%d from %s", ev.ID, ev.Type, ev.OriginDeviceID)
	return m.db.markSyncEventApplied(ev.ID[:], m.clock.CurrentTimeSec())
}

// syncEventSigningKey resolves the key an event must verify under. A
// DeviceAdded event for an unknown origin is self-certifying; everything
// else must come from a device already in the registry.
func (m *Manager) syncEventSigningKey(ev *SyncEvent) (ed25519.PublicKey, error) {
	origin, err := m.db.device(ev.OriginDeviceID[:])
	if err == nil {
		return origin.SigningPub, nil
	}
	if err != ErrNotFound {
		return nil, err
	}
	if ev.Type != SyncEventDeviceAdded {
		return nil, fmt.Errorf("registry: sync event %s from unknown device %s", ev.ID, ev.OriginDeviceID)
	}
	added := &DeviceAddedEvent{}
	if err := wire.Deserialize(ev.Body, added); err != nil {
		return nil, err
	}
	if added.DeviceID != ev.OriginDeviceID {
		return nil, fmt.Errorf("registry: self-certifying sync event %s device mismatch", ev.ID)
	}
	return added.SigningKey, nil
}

func syncEventFromRow(row *syncEventRow) *SyncEvent {
	ev := &SyncEvent{
		Type:       row.Type,
		Body:       row.Body,
		Sig:        row.Sig,
		CreatedSec: row.CreatedSec,
	}
	ev.ID = ids.IDFromBytes(row.ID)
	ev.UserID = ids.IDFromBytes(row.UserID)
	ev.OriginDeviceID = ids.IDFromBytes(row.OriginDeviceID)
	return ev
}
