package session

import (
	"os"
	"testing"

	"github.com/pairwise-im/go-pairwise/clock"
	"github.com/pairwise-im/go-pairwise/config"
	"github.com/pairwise-im/go-pairwise/crypto"
	"github.com/pairwise-im/go-pairwise/ids"
	"github.com/pairwise-im/go-pairwise/internal/db"
	"github.com/pairwise-im/go-pairwise/internal/test"
	"github.com/pairwise-im/go-pairwise/ratchet"
	"github.com/pairwise-im/go-pairwise/registry"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

type party struct {
	db       *db.Database
	reg      *registry.Manager
	eng      *ratchet.Engine
	mgr      *Manager
	userID   ids.ID
	deviceID ids.ID
}

func newParty(t *testing.T, opts ...config.Option) *party {
	c := config.NewConfig(opts...)
	d := test.NewTestDatabase(c)
	provider := crypto.NewProvider()
	cl := clock.NewSystemClock()

	reg, err := registry.NewManager(c, d, cl, provider)
	require.Nil(t, err)
	eng, err := ratchet.NewEngine(c, d, cl, provider)
	require.Nil(t, err)
	mgr, err := NewManager(c, d, cl, provider, reg, eng)
	require.Nil(t, err)

	p := &party{db: d, reg: reg, eng: eng, mgr: mgr, userID: ids.NewID()}
	require.Nil(t, d.Run("register", func() error {
		keys, err := registry.NewDeviceKeys(provider)
		if err != nil {
			return err
		}
		dev, err := reg.RegisterDevice(p.userID, "dev", "test", keys)
		if err != nil {
			return err
		}
		p.deviceID = dev.ID
		return nil
	}))
	return p
}

func handshake(t *testing.T, alice, bob *party) (*Session, *Session) {
	var ikm *IdentityKeyMessage
	require.Nil(t, alice.db.Run("initiate", func() error {
		var err error
		ikm, err = alice.mgr.Initiate(alice.deviceID, bob.userID, bob.deviceID)
		return err
	}))

	var pkm *PreKeyBundleMessage
	require.Nil(t, bob.db.Run("respond", func() error {
		var err error
		pkm, err = bob.mgr.Respond(bob.deviceID, ikm)
		return err
	}))

	var complete *HandshakeCompleteMessage
	var aliceSession *Session
	require.Nil(t, alice.db.Run("complete", func() error {
		var err error
		complete, aliceSession, err = alice.mgr.Complete(alice.deviceID, pkm)
		return err
	}))

	var bobSession *Session
	require.Nil(t, bob.db.Run("accept", func() error {
		var err error
		bobSession, err = bob.mgr.AcceptComplete(bob.deviceID, complete)
		return err
	}))
	return aliceSession, bobSession
}

func roundtrip(t *testing.T, from, to *party, sessionID [32]byte, plaintext []byte) {
	var env *ratchet.Envelope
	require.Nil(t, from.db.Run("encrypt", func() error {
		var err error
		env, err = from.eng.Encrypt(sessionID, from.deviceID, to.deviceID, plaintext)
		return err
	}))
	require.Nil(t, to.db.Run("decrypt", func() error {
		got, err := to.eng.Decrypt(env)
		if err != nil {
			return err
		}
		require.Equal(t, plaintext, got)
		return nil
	}))
}

func TestHandshakeEstablishesMatchingSessions(t *testing.T) {
	require := require.New(t)
	alice := newParty(t)
	defer alice.db.Shutdown()
	bob := newParty(t)
	defer bob.db.Shutdown()

	aliceSession, bobSession := handshake(t, alice, bob)

	require.Equal(aliceSession.ID, bobSession.ID)
	require.True(aliceSession.Initiator)
	require.False(bobSession.Initiator)
	require.Equal(bob.deviceID, aliceSession.RemoteDeviceID)
	require.Equal(alice.deviceID, bobSession.RemoteDeviceID)

	roundtrip(t, alice, bob, aliceSession.ID, []byte("hello from alice"))
	roundtrip(t, bob, alice, aliceSession.ID, []byte("hello from bob"))
}

func TestHandshakeConsumesOneTimePreKey(t *testing.T) {
	require := require.New(t)
	alice := newParty(t)
	defer alice.db.Shutdown()
	bob := newParty(t)
	defer bob.db.Shutdown()

	var ikm *IdentityKeyMessage
	require.Nil(alice.db.Run("initiate", func() error {
		var err error
		ikm, err = alice.mgr.Initiate(alice.deviceID, bob.userID, bob.deviceID)
		return err
	}))
	var pkm *PreKeyBundleMessage
	require.Nil(bob.db.Run("respond", func() error {
		var err error
		pkm, err = bob.mgr.Respond(bob.deviceID, ikm)
		return err
	}))
	require.True(pkm.Bundle.HasOneTimePreKey)

	var complete *HandshakeCompleteMessage
	require.Nil(alice.db.Run("complete", func() error {
		var err error
		complete, _, err = alice.mgr.Complete(alice.deviceID, pkm)
		return err
	}))
	require.Nil(bob.db.Run("accept", func() error {
		_, err := bob.mgr.AcceptComplete(bob.deviceID, complete)
		return err
	}))

	// the offered one-time prekey is gone
	err := bob.db.Run("consume again", func() error {
		_, err := bob.reg.ConsumeOneTimePreKey(bob.deviceID, pkm.Bundle.OneTimePreKey)
		return err
	})
	require.ErrorIs(err, registry.ErrPreKeyExhausted)
}

func TestConcurrentHandshakesRaceForOneTimePreKey(t *testing.T) {
	require := require.New(t)
	alice := newParty(t)
	defer alice.db.Shutdown()
	carol := newParty(t)
	defer carol.db.Shutdown()
	bob := newParty(t, config.WithOneTimePreKeyCount(1))
	defer bob.db.Shutdown()

	completions := make([]*HandshakeCompleteMessage, 0, 2)
	for _, p := range []*party{alice, carol} {
		var ikm *IdentityKeyMessage
		require.Nil(p.db.Run("initiate", func() error {
			var err error
			ikm, err = p.mgr.Initiate(p.deviceID, bob.userID, bob.deviceID)
			return err
		}))
		var pkm *PreKeyBundleMessage
		require.Nil(bob.db.Run("respond", func() error {
			var err error
			pkm, err = bob.mgr.Respond(bob.deviceID, ikm)
			return err
		}))
		var complete *HandshakeCompleteMessage
		require.Nil(p.db.Run("complete", func() error {
			var err error
			complete, _, err = p.mgr.Complete(p.deviceID, pkm)
			return err
		}))
		completions = append(completions, complete)
	}

	// both initiators were offered the same one-time prekey; only the
	// first completion can consume it
	require.Nil(bob.db.Run("accept first", func() error {
		_, err := bob.mgr.AcceptComplete(bob.deviceID, completions[0])
		return err
	}))
	err := bob.db.Run("accept second", func() error {
		_, err := bob.mgr.AcceptComplete(bob.deviceID, completions[1])
		return err
	})
	require.ErrorIs(err, registry.ErrPreKeyExhausted)
}

func TestRespondRejectsTamperedSignature(t *testing.T) {
	require := require.New(t)
	alice := newParty(t)
	defer alice.db.Shutdown()
	bob := newParty(t)
	defer bob.db.Shutdown()

	var ikm *IdentityKeyMessage
	require.Nil(alice.db.Run("initiate", func() error {
		var err error
		ikm, err = alice.mgr.Initiate(alice.deviceID, bob.userID, bob.deviceID)
		return err
	}))
	ikm.Sig[0] ^= 0xff
	err := bob.db.Run("respond", func() error {
		_, err := bob.mgr.Respond(bob.deviceID, ikm)
		return err
	})
	require.ErrorIs(err, ErrHandshakeAuth)
}

func TestRespondRejectsWrongRecipient(t *testing.T) {
	require := require.New(t)
	alice := newParty(t)
	defer alice.db.Shutdown()
	bob := newParty(t)
	defer bob.db.Shutdown()

	var ikm *IdentityKeyMessage
	require.Nil(alice.db.Run("initiate", func() error {
		var err error
		ikm, err = alice.mgr.Initiate(alice.deviceID, bob.userID, ids.NewID())
		return err
	}))
	err := bob.db.Run("respond", func() error {
		_, err := bob.mgr.Respond(bob.deviceID, ikm)
		return err
	})
	require.ErrorIs(err, ErrHandshakeAuth)
}

func TestCompleteRejectsTamperedBundle(t *testing.T) {
	require := require.New(t)
	alice := newParty(t)
	defer alice.db.Shutdown()
	bob := newParty(t)
	defer bob.db.Shutdown()

	var ikm *IdentityKeyMessage
	require.Nil(alice.db.Run("initiate", func() error {
		var err error
		ikm, err = alice.mgr.Initiate(alice.deviceID, bob.userID, bob.deviceID)
		return err
	}))
	var pkm *PreKeyBundleMessage
	require.Nil(bob.db.Run("respond", func() error {
		var err error
		pkm, err = bob.mgr.Respond(bob.deviceID, ikm)
		return err
	}))
	pkm.Bundle.SignedPreKey[0] ^= 0xff
	err := alice.db.Run("complete", func() error {
		_, _, err := alice.mgr.Complete(alice.deviceID, pkm)
		return err
	})
	require.ErrorIs(err, ErrHandshakeAuth)
}

func TestAcceptCompleteRejectsForgedCompletion(t *testing.T) {
	require := require.New(t)
	alice := newParty(t)
	defer alice.db.Shutdown()
	bob := newParty(t)
	defer bob.db.Shutdown()

	var ikm *IdentityKeyMessage
	require.Nil(alice.db.Run("initiate", func() error {
		var err error
		ikm, err = alice.mgr.Initiate(alice.deviceID, bob.userID, bob.deviceID)
		return err
	}))
	var pkm *PreKeyBundleMessage
	require.Nil(bob.db.Run("respond", func() error {
		var err error
		pkm, err = bob.mgr.Respond(bob.deviceID, ikm)
		return err
	}))
	var complete *HandshakeCompleteMessage
	require.Nil(alice.db.Run("complete", func() error {
		var err error
		complete, _, err = alice.mgr.Complete(alice.deviceID, pkm)
		return err
	}))
	complete.Sig[0] ^= 0xff
	err := bob.db.Run("accept", func() error {
		_, err := bob.mgr.AcceptComplete(bob.deviceID, complete)
		return err
	})
	require.ErrorIs(err, ErrHandshakeAuth)
}

func TestCompleteWithoutHandshakeFails(t *testing.T) {
	require := require.New(t)
	alice := newParty(t)
	defer alice.db.Shutdown()
	bob := newParty(t)
	defer bob.db.Shutdown()

	var pkm *PreKeyBundleMessage
	require.Nil(bob.db.Run("bundle", func() error {
		bundle, err := bob.reg.PreKeyBundle(bob.deviceID)
		if err != nil {
			return err
		}
		pkm = &PreKeyBundleMessage{Bundle: bundle, Sig: []byte{0}}
		return nil
	}))
	err := alice.db.Run("complete", func() error {
		_, _, err := alice.mgr.Complete(alice.deviceID, pkm)
		return err
	})
	require.ErrorIs(err, ErrNoHandshake)
}

func TestEstablishedSessionNilWhenAbsent(t *testing.T) {
	require := require.New(t)
	alice := newParty(t)
	defer alice.db.Shutdown()

	require.Nil(alice.db.Run("lookup", func() error {
		s, err := alice.mgr.EstablishedSession(alice.deviceID, ids.NewID())
		require.Nil(err)
		require.Nil(s)
		return nil
	}))
}

func TestRekeyKeepsBothSidesInSync(t *testing.T) {
	require := require.New(t)
	alice := newParty(t)
	defer alice.db.Shutdown()
	bob := newParty(t)
	defer bob.db.Shutdown()

	aliceSession, _ := handshake(t, alice, bob)
	roundtrip(t, alice, bob, aliceSession.ID, []byte("before rekey"))

	require.Nil(alice.db.Run("rekey", func() error {
		return alice.mgr.Rekey(aliceSession.ID)
	}))
	require.Nil(bob.db.Run("rekey", func() error {
		return bob.mgr.Rekey(aliceSession.ID)
	}))

	roundtrip(t, alice, bob, aliceSession.ID, []byte("after rekey"))
	roundtrip(t, bob, alice, aliceSession.ID, []byte("and back"))
}

func TestEnvelopeFromBeforeRekeyRejected(t *testing.T) {
	require := require.New(t)
	alice := newParty(t)
	defer alice.db.Shutdown()
	bob := newParty(t)
	defer bob.db.Shutdown()

	aliceSession, _ := handshake(t, alice, bob)

	var env *ratchet.Envelope
	require.Nil(alice.db.Run("encrypt", func() error {
		var err error
		env, err = alice.eng.Encrypt(aliceSession.ID, alice.deviceID, bob.deviceID, []byte("stale"))
		return err
	}))

	require.Nil(bob.db.Run("rekey", func() error {
		return bob.mgr.Rekey(aliceSession.ID)
	}))
	err := bob.db.Run("decrypt", func() error {
		_, err := bob.eng.Decrypt(env)
		return err
	})
	require.ErrorIs(err, crypto.ErrAuthFailed)
}
