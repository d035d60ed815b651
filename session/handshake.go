package session

import (
	"bytes"
	"crypto/sha256"

	"github.com/pairwise-im/go-pairwise/crypto"
	"github.com/pairwise-im/go-pairwise/ids"
	"github.com/pairwise-im/go-pairwise/registry"
	"github.com/pairwise-im/go-pairwise/wire"
)

// IdentityKeyMessage opens a handshake. It announces the initiator's
// long-term keys and a fresh ephemeral key, signed so the responder can
// tie the ephemeral to the claimed identity.
type IdentityKeyMessage struct {
	UserID            ids.ID   `wire:"u"`
	DeviceID          ids.ID   `wire:"d"`
	RecipientUserID   ids.ID   `wire:"v"`
	RecipientDeviceID ids.ID   `wire:"e"`
	SigningKey        []byte   `wire:"i"`
	AgreementKey      [32]byte `wire:"a"`
	EphemeralKey      [32]byte `wire:"k"`
	Sig               []byte   `wire:"s"`
}

func (m *IdentityKeyMessage) signingBody() []byte {
	return crypto.Concat(m.UserID[:], m.DeviceID[:], m.RecipientUserID[:], m.RecipientDeviceID[:], m.AgreementKey[:], m.EphemeralKey[:])
}

// PreKeyBundleMessage answers an IdentityKeyMessage with the responder's
// published bundle. The signature covers the bundle and the initiator's
// ephemeral key, so a bundle cannot be replayed into another handshake.
type PreKeyBundleMessage struct {
	RecipientDeviceID ids.ID                 `wire:"r"`
	Bundle            *registry.PreKeyBundle `wire:"b"`
	Sig               []byte                 `wire:"s"`
}

func (m *PreKeyBundleMessage) signingBody(initiatorEphemeral []byte) ([]byte, error) {
	bundleBytes, err := wire.Serialize(m.Bundle)
	if err != nil {
		return nil, err
	}
	return crypto.Concat(bundleBytes, initiatorEphemeral), nil
}

// HandshakeCompleteMessage closes the handshake from the initiator's
// side, naming the derived session and the one-time prekey it consumed.
type HandshakeCompleteMessage struct {
	DeviceID          ids.ID   `wire:"d"`
	RecipientDeviceID ids.ID   `wire:"e"`
	SessionID         [32]byte `wire:"n"`
	OneTimePreKey     [32]byte `wire:"o"`
	HasOneTimePreKey  bool     `wire:"h"`
	Sig               []byte   `wire:"s"`
}

func (m *HandshakeCompleteMessage) signingBody() []byte {
	used := byte(0)
	if m.HasOneTimePreKey {
		used = 1
	}
	return crypto.Concat(m.DeviceID[:], m.RecipientDeviceID[:], m.SessionID[:], m.OneTimePreKey[:], []byte{used})
}

// sessionID derives the canonical id for a device pair. Both halves sort
// the same way on either end, so initiator and responder agree on the id
// without exchanging it.
func sessionID(userA, deviceA, userB, deviceB ids.ID) [32]byte {
	a := append(append([]byte{}, userA[:]...), deviceA[:]...)
	b := append(append([]byte{}, userB[:]...), deviceB[:]...)
	if bytes.Compare(a, b) > 0 {
		a, b = b, a
	}
	return sha256.Sum256(crypto.Concat(a, b))
}

type derivedKeys struct {
	rootKey   []byte
	initiator []byte
	responder []byte
}

// deriveKeys runs the agreement over the four (or five, with a one-time
// prekey) DH results and expands them into a root key and the two
// initial chain keys.
func deriveKeys(provider crypto.Provider, dhs ...[]byte) (*derivedKeys, error) {
	okm, err := provider.KDF(crypto.Concat(dhs...), []byte("handshake-v1"), 96)
	if err != nil {
		return nil, err
	}
	return &derivedKeys{
		rootKey:   okm[0:32],
		initiator: okm[32:64],
		responder: okm[64:96],
	}, nil
}

// rekeyed advances a root key one way and derives fresh chain keys. The
// old root is unrecoverable from the new material.
func rekeyed(provider crypto.Provider, rootKey []byte) (*derivedKeys, error) {
	okm, err := provider.KDF(rootKey, []byte("rekey-v1"), 96)
	if err != nil {
		return nil, err
	}
	return &derivedKeys{
		rootKey:   okm[0:32],
		initiator: okm[32:64],
		responder: okm[64:96],
	}, nil
}
