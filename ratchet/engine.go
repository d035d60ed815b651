package ratchet

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/pairwise-im/go-pairwise/clock"
	"github.com/pairwise-im/go-pairwise/config"
	"github.com/pairwise-im/go-pairwise/crypto"
	"github.com/pairwise-im/go-pairwise/ids"
	"github.com/pairwise-im/go-pairwise/internal/db"
	"github.com/pairwise-im/go-pairwise/internal/keylock"
	"github.com/pairwise-im/go-pairwise/wire"
	"github.com/status-im/doubleratchet"
	"go.uber.org/zap"
)

const maxSkip = 1000

var (
	// ErrReplay indicates an envelope at or below the high-water counter.
	ErrReplay = errors.New("ratchet: envelope counter already consumed")
	// ErrStateNotFound indicates no chain state exists for a session.
	ErrStateNotFound = errors.New("ratchet: no state for session")
)

// Envelope is the encrypted form of a message as it crosses a transport.
type Envelope struct {
	SessionID         [32]byte `wire:"s"`
	SenderDeviceID    ids.ID   `wire:"f"`
	RecipientDeviceID ids.ID   `wire:"r"`
	Counter           uint64   `wire:"c"`
	TimestampMs       uint64   `wire:"m"`
	Nonce             []byte   `wire:"n"`
	Body              []byte   `wire:"b"`
	Tag               []byte   `wire:"t"`
}

type envelopeHeader struct {
	SessionID         [32]byte `wire:"s"`
	SenderDeviceID    ids.ID   `wire:"f"`
	RecipientDeviceID ids.ID   `wire:"r"`
	Counter           uint64   `wire:"c"`
	TimestampMs       uint64   `wire:"m"`
}

// Engine advances per-session symmetric chains. Sending derives the next
// key off the send chain; receiving walks the receive chain forward to
// the envelope's counter, discarding keys for any skipped envelopes.
type Engine struct {
	config   *config.Config
	db       *database
	log      *zap.SugaredLogger
	clock    clock.Clock
	provider crypto.Provider
	kdf      doubleratchet.DefaultCrypto
	locks    *keylock.KeyLock
}

func NewEngine(c *config.Config, internalDB *db.Database, clock clock.Clock, provider crypto.Provider) (*Engine, error) {
	database, err := newDatabase(internalDB)
	if err != nil {
		return nil, err
	}
	return &Engine{
		config:   c,
		db:       database,
		log:      c.Logger("ratchet"),
		clock:    clock,
		provider: provider,
		locks:    keylock.New(),
	}, nil
}

// InitChains installs fresh send and receive chains for a session,
// replacing any previous state and resetting both counters.
func (e *Engine) InitChains(sessionID [32]byte, sendChKey, recvChKey []byte) error {
	return e.db.upsertState(&stateRow{
		SessionID: sessionID[:],
		SendChKey: sendChKey,
		RecvChKey: recvChKey,
		SendCount: 0,
		RecvCount: 0,
	})
}

func (e *Engine) DeleteChains(sessionID [32]byte) error {
	return e.db.deleteState(sessionID[:])
}

// Counters reports the current send and receive high-water marks.
func (e *Engine) Counters(sessionID [32]byte) (uint64, uint64, error) {
	state, err := e.db.state(sessionID[:])
	if err != nil {
		return 0, 0, err
	}
	return state.SendCount, state.RecvCount, nil
}

// Encrypt derives the next send-chain message key and seals plaintext
// into an envelope. The header is bound as associated data, so any
// tampering with routing fields fails decryption on the other side.
func (e *Engine) Encrypt(sessionID [32]byte, sender, recipient ids.ID, plaintext []byte) (*Envelope, error) {
	key := fmt.Sprintf("%x", sessionID)
	e.locks.Lock(key)
	defer e.locks.Unlock(key)

	state, err := e.db.state(sessionID[:])
	if err != nil {
		return nil, err
	}

	ck, mk := e.kdf.KdfCK(state.SendChKey)
	counter := state.SendCount + 1

	header := &envelopeHeader{
		SessionID:         sessionID,
		SenderDeviceID:    sender,
		RecipientDeviceID: recipient,
		Counter:           counter,
		TimestampMs:       e.clock.CurrentTimeMs(),
	}
	ad, err := wire.Serialize(header)
	if err != nil {
		return nil, err
	}
	nonce, err := e.provider.NewNonce()
	if err != nil {
		return nil, err
	}
	body, err := e.provider.AEADEncrypt(mk, nonce, ad, plaintext)
	if err != nil {
		return nil, err
	}
	tag, err := e.headerTag(mk, ad)
	if err != nil {
		return nil, err
	}

	state.SendChKey = ck
	state.SendCount = counter
	if err := e.db.upsertState(state); err != nil {
		return nil, err
	}

	e.log.Debugf("encrypted envelope %d on session %x", counter, sessionID[:4])

	return &Envelope{
		SessionID:         header.SessionID,
		SenderDeviceID:    header.SenderDeviceID,
		RecipientDeviceID: header.RecipientDeviceID,
		Counter:           header.Counter,
		TimestampMs:       header.TimestampMs,
		Nonce:             nonce,
		Body:              body,
		Tag:               tag,
	}, nil
}

// Decrypt opens an envelope, advancing the receive chain to its counter.
// Keys for skipped counters are discarded, so an envelope arriving after
// a later one has been accepted is rejected as a replay. Chain state is
// only persisted after authentication succeeds; a failed decrypt inside
// a transaction leaves the chain untouched on rollback.
func (e *Engine) Decrypt(env *Envelope) ([]byte, error) {
	key := fmt.Sprintf("%x", env.SessionID)
	e.locks.Lock(key)
	defer e.locks.Unlock(key)

	state, err := e.db.state(env.SessionID[:])
	if err != nil {
		return nil, err
	}
	if env.Counter <= state.RecvCount {
		return nil, ErrReplay
	}
	if env.Counter-state.RecvCount > maxSkip {
		return nil, fmt.Errorf("ratchet: envelope counter %d too far ahead of %d", env.Counter, state.RecvCount)
	}

	ck := state.RecvChKey
	var mk doubleratchet.Key
	for i := state.RecvCount + 1; i <= env.Counter; i++ {
		ck, mk = e.kdf.KdfCK(ck)
	}

	ad, err := wire.Serialize(&envelopeHeader{
		SessionID:         env.SessionID,
		SenderDeviceID:    env.SenderDeviceID,
		RecipientDeviceID: env.RecipientDeviceID,
		Counter:           env.Counter,
		TimestampMs:       env.TimestampMs,
	})
	if err != nil {
		return nil, err
	}
	expected, err := e.headerTag(mk, ad)
	if err != nil {
		return nil, err
	}
	if !hmac.Equal(expected, env.Tag) {
		return nil, crypto.ErrAuthFailed
	}
	plaintext, err := e.provider.AEADDecrypt(mk, env.Nonce, ad, env.Body)
	if err != nil {
		return nil, err
	}

	state.RecvChKey = ck
	state.RecvCount = env.Counter
	if err := e.db.upsertState(state); err != nil {
		return nil, err
	}

	e.log.Debugf("decrypted envelope %d on session %x", env.Counter, env.SessionID[:4])

	return plaintext, nil
}

func (e *Engine) headerTag(mk doubleratchet.Key, ad []byte) ([]byte, error) {
	tagKey, err := e.provider.KDF(mk, []byte("header-auth"), 32)
	if err != nil {
		return nil, err
	}
	h := hmac.New(sha256.New, tagKey)
	h.Write(ad)
	return h.Sum(nil), nil
}
