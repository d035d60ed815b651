package ratchet

import (
	"crypto/sha256"
	"os"
	"testing"

	"github.com/pairwise-im/go-pairwise/clock"
	"github.com/pairwise-im/go-pairwise/config"
	"github.com/pairwise-im/go-pairwise/crypto"
	"github.com/pairwise-im/go-pairwise/ids"
	"github.com/pairwise-im/go-pairwise/internal/db"
	"github.com/pairwise-im/go-pairwise/internal/test"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

type pair struct {
	alice, bob     *Engine
	aliceDB, bobDB *db.Database
	sessionID      [32]byte
	aliceID, bobID ids.ID
}

func newPair(t *testing.T) *pair {
	c := config.NewConfig()
	p := &pair{
		aliceID:   ids.NewID(),
		bobID:     ids.NewID(),
		sessionID: sha256.Sum256([]byte("session under test")),
	}
	p.aliceDB = test.NewTestDatabase(c)
	p.bobDB = test.NewTestDatabase(c)

	var err error
	p.alice, err = NewEngine(c, p.aliceDB, clock.NewSystemClock(), crypto.NewProvider())
	require.Nil(t, err)
	p.bob, err = NewEngine(c, p.bobDB, clock.NewSystemClock(), crypto.NewProvider())
	require.Nil(t, err)

	k1 := sha256.Sum256([]byte("chain one"))
	k2 := sha256.Sum256([]byte("chain two"))
	require.Nil(t, p.aliceDB.Run("init", func() error {
		return p.alice.InitChains(p.sessionID, k1[:], k2[:])
	}))
	require.Nil(t, p.bobDB.Run("init", func() error {
		return p.bob.InitChains(p.sessionID, k2[:], k1[:])
	}))
	return p
}

func (p *pair) shutdown() {
	p.aliceDB.Shutdown()
	p.bobDB.Shutdown()
}

func (p *pair) encrypt(t *testing.T, plaintext []byte) *Envelope {
	var env *Envelope
	require.Nil(t, p.aliceDB.Run("encrypt", func() error {
		var err error
		env, err = p.alice.Encrypt(p.sessionID, p.aliceID, p.bobID, plaintext)
		return err
	}))
	return env
}

func (p *pair) decrypt(env *Envelope) ([]byte, error) {
	var plaintext []byte
	err := p.bobDB.Run("decrypt", func() error {
		var err error
		plaintext, err = p.bob.Decrypt(env)
		return err
	})
	return plaintext, err
}

func TestEncryptDecryptRoundtrip(t *testing.T) {
	require := require.New(t)
	p := newPair(t)
	defer p.shutdown()

	env := p.encrypt(t, []byte("hello"))
	require.Equal(uint64(1), env.Counter)

	plaintext, err := p.decrypt(env)
	require.Nil(err)
	require.Equal([]byte("hello"), plaintext)
}

func TestCountersAdvancePerMessage(t *testing.T) {
	require := require.New(t)
	p := newPair(t)
	defer p.shutdown()

	for i := uint64(1); i <= 3; i++ {
		env := p.encrypt(t, []byte("msg"))
		require.Equal(i, env.Counter)
		_, err := p.decrypt(env)
		require.Nil(err)
	}

	require.Nil(p.bobDB.Run("counters", func() error {
		send, recv, err := p.bob.Counters(p.sessionID)
		require.Nil(err)
		require.Equal(uint64(0), send)
		require.Equal(uint64(3), recv)
		return nil
	}))
}

func TestReplayRejected(t *testing.T) {
	require := require.New(t)
	p := newPair(t)
	defer p.shutdown()

	env := p.encrypt(t, []byte("hello"))
	_, err := p.decrypt(env)
	require.Nil(err)
	_, err = p.decrypt(env)
	require.ErrorIs(err, ErrReplay)
}

func TestOutOfOrderWithinGapRejected(t *testing.T) {
	require := require.New(t)
	p := newPair(t)
	defer p.shutdown()

	first := p.encrypt(t, []byte("one"))
	second := p.encrypt(t, []byte("two"))

	// accept the later envelope first, skipping the gap
	plaintext, err := p.decrypt(second)
	require.Nil(err)
	require.Equal([]byte("two"), plaintext)

	// the skipped envelope's key was discarded
	_, err = p.decrypt(first)
	require.ErrorIs(err, ErrReplay)
}

func TestTamperedBodyFailsAuth(t *testing.T) {
	require := require.New(t)
	p := newPair(t)
	defer p.shutdown()

	env := p.encrypt(t, []byte("hello"))
	env.Body[0] ^= 0xff
	_, err := p.decrypt(env)
	require.ErrorIs(err, crypto.ErrAuthFailed)
}

func TestTamperedHeaderFailsAuth(t *testing.T) {
	require := require.New(t)
	p := newPair(t)
	defer p.shutdown()

	env := p.encrypt(t, []byte("hello"))
	env.RecipientDeviceID = ids.NewID()
	_, err := p.decrypt(env)
	require.ErrorIs(err, crypto.ErrAuthFailed)
}

func TestFailedDecryptLeavesChainUsable(t *testing.T) {
	require := require.New(t)
	p := newPair(t)
	defer p.shutdown()

	good := p.encrypt(t, []byte("hello"))
	bad := &Envelope{}
	*bad = *good
	bad.Body = append([]byte{}, good.Body...)
	bad.Body[0] ^= 0xff

	_, err := p.decrypt(bad)
	require.ErrorIs(err, crypto.ErrAuthFailed)

	plaintext, err := p.decrypt(good)
	require.Nil(err)
	require.Equal([]byte("hello"), plaintext)
}

func TestCounterTooFarAheadRejected(t *testing.T) {
	require := require.New(t)
	p := newPair(t)
	defer p.shutdown()

	env := p.encrypt(t, []byte("hello"))
	env.Counter += maxSkip + 1
	_, err := p.decrypt(env)
	require.ErrorContains(err, "too far ahead")
}

func TestInitChainsResetsCounters(t *testing.T) {
	require := require.New(t)
	p := newPair(t)
	defer p.shutdown()

	p.encrypt(t, []byte("one"))
	p.encrypt(t, []byte("two"))

	k1 := sha256.Sum256([]byte("fresh one"))
	k2 := sha256.Sum256([]byte("fresh two"))
	require.Nil(p.aliceDB.Run("reset", func() error {
		return p.alice.InitChains(p.sessionID, k1[:], k2[:])
	}))
	require.Nil(p.bobDB.Run("reset", func() error {
		return p.bob.InitChains(p.sessionID, k2[:], k1[:])
	}))

	env := p.encrypt(t, []byte("three"))
	require.Equal(uint64(1), env.Counter)
	plaintext, err := p.decrypt(env)
	require.Nil(err)
	require.Equal([]byte("three"), plaintext)
}

func TestMissingStateReturnsError(t *testing.T) {
	require := require.New(t)
	p := newPair(t)
	defer p.shutdown()

	var other [32]byte
	copy(other[:], []byte("some other session id goes here!"))
	err := p.aliceDB.Run("encrypt", func() error {
		_, err := p.alice.Encrypt(other, p.aliceID, p.bobID, []byte("hello"))
		return err
	})
	require.ErrorIs(err, ErrStateNotFound)
}
