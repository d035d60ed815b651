package registry

import (
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

func newManager(t *testing.T) (*Manager, *db.Database) {
	c := config.NewConfig(config.WithOneTimePreKeyCount(3))
	d := test.NewTestDatabase(c)
	m, err := NewManager(c, d, clock.NewSystemClock(), crypto.NewProvider())
	require.Nil(t, err)
	return m, d
}

func registerDevice(t *testing.T, m *Manager, d *db.Database, userID ids.ID, name string) *Device {
	var dev *Device
	require.Nil(t, d.Run("register device", func() error {
		keys, err := NewDeviceKeys(m.provider)
		if err != nil {
			return err
		}
		dev, err = m.RegisterDevice(userID, name, "desktop", keys)
		return err
	}))
	return dev
}

func TestRegisterFirstDeviceIsVerified(t *testing.T) {
	require := require.New(t)
	m, d := newManager(t)
	defer d.Shutdown()

	userID := ids.NewID()
	first := registerDevice(t, m, d, userID, "laptop")
	second := registerDevice(t, m, d, userID, "phone")

	require.True(first.Verified)
	require.NotZero(first.TrustedAtSec)
	require.False(second.Verified)
	require.Zero(second.TrustedAtSec)

	require.Nil(d.Run("list devices", func() error {
		devices, err := m.DevicesForUser(userID)
		require.Nil(err)
		require.Len(devices, 2)
		return nil
	}))
}

func TestDevicesForUnknownUserNotFound(t *testing.T) {
	require := require.New(t)
	m, d := newManager(t)
	defer d.Shutdown()

	err := d.Run("list devices", func() error {
		_, err := m.DevicesForUser(ids.NewID())
		return err
	})
	require.ErrorIs(err, ErrNotFound)
}

func TestVerifyDevice(t *testing.T) {
	require := require.New(t)
	m, d := newManager(t)
	defer d.Shutdown()

	userID := ids.NewID()
	first := registerDevice(t, m, d, userID, "laptop")
	second := registerDevice(t, m, d, userID, "phone")

	require.Nil(d.Run("verify", func() error {
		return m.VerifyDevice(second.ID, first.ID)
	}))
	require.Nil(d.Run("check", func() error {
		dev, err := m.Device(second.ID)
		require.Nil(err)
		require.True(dev.Verified)
		require.NotZero(dev.TrustedAtSec)
		return nil
	}))
}

func TestVerifyDeviceRequiresVerifiedApprover(t *testing.T) {
	require := require.New(t)
	m, d := newManager(t)
	defer d.Shutdown()

	userID := ids.NewID()
	registerDevice(t, m, d, userID, "laptop")
	second := registerDevice(t, m, d, userID, "phone")
	third := registerDevice(t, m, d, userID, "tablet")

	err := d.Run("verify", func() error {
		return m.VerifyDevice(third.ID, second.ID)
	})
	require.ErrorContains(err, "not verified")
}

func TestRemoveDeviceDeletesPreKeys(t *testing.T) {
	require := require.New(t)
	m, d := newManager(t)
	defer d.Shutdown()

	userID := ids.NewID()
	first := registerDevice(t, m, d, userID, "laptop")
	second := registerDevice(t, m, d, userID, "phone")

	require.Nil(d.Run("remove", func() error {
		return m.RemoveDevice(second.ID, first.ID)
	}))
	require.Nil(d.Run("check", func() error {
		_, err := m.Device(second.ID)
		require.ErrorIs(err, ErrNotFound)
		count, err := m.OneTimePreKeyCount(second.ID)
		require.Nil(err)
		require.Zero(count)
		return nil
	}))
}

func TestPreKeyBundle(t *testing.T) {
	require := require.New(t)
	m, d := newManager(t)
	defer d.Shutdown()

	userID := ids.NewID()
	dev := registerDevice(t, m, d, userID, "laptop")

	require.Nil(d.Run("bundle", func() error {
		bundle, err := m.PreKeyBundle(dev.ID)
		require.Nil(err)
		require.Equal(dev.ID, bundle.DeviceID)
		require.Equal(userID, bundle.UserID)
		require.True(bundle.HasOneTimePreKey)
		require.Nil(VerifyPreKeyBundle(bundle))
		return nil
	}))
}

func TestConsumeOneTimePreKeyIsSingleUse(t *testing.T) {
	require := require.New(t)
	m, d := newManager(t)
	defer d.Shutdown()

	userID := ids.NewID()
	dev := registerDevice(t, m, d, userID, "laptop")

	var pub [32]byte
	require.Nil(d.Run("bundle", func() error {
		bundle, err := m.PreKeyBundle(dev.ID)
		require.Nil(err)
		pub = bundle.OneTimePreKey
		return nil
	}))

	require.Nil(d.Run("consume", func() error {
		kp, err := m.ConsumeOneTimePreKey(dev.ID, pub)
		require.Nil(err)
		require.Equal(pub, kp.Public)
		return nil
	}))
	err := d.Run("consume again", func() error {
		_, err := m.ConsumeOneTimePreKey(dev.ID, pub)
		return err
	})
	require.ErrorIs(err, ErrPreKeyExhausted)
}

func TestReplenishOneTimePreKeys(t *testing.T) {
	require := require.New(t)
	m, d := newManager(t)
	defer d.Shutdown()

	userID := ids.NewID()
	dev := registerDevice(t, m, d, userID, "laptop")

	require.Nil(d.Run("drain two", func() error {
		for i := 0; i < 2; i++ {
			bundle, err := m.PreKeyBundle(dev.ID)
			require.Nil(err)
			_, err = m.ConsumeOneTimePreKey(dev.ID, bundle.OneTimePreKey)
			require.Nil(err)
		}
		return nil
	}))
	require.Nil(d.Run("replenish", func() error {
		added, err := m.ReplenishOneTimePreKeys(dev.ID)
		require.Nil(err)
		require.Equal(2, added)
		count, err := m.OneTimePreKeyCount(dev.ID)
		require.Nil(err)
		require.Equal(3, count)
		return nil
	}))
}

func TestRotateKeysSchedulesNextRotation(t *testing.T) {
	require := require.New(t)
	m, d := newManager(t)
	defer d.Shutdown()

	userID := ids.NewID()
	dev := registerDevice(t, m, d, userID, "laptop")

	var rotated *Device
	require.Nil(d.Run("rotate", func() error {
		keys, err := NewDeviceKeys(m.provider)
		if err != nil {
			return err
		}
		if err := m.RotateKeys(dev.ID, keys); err != nil {
			return err
		}
		rotated, err = m.Device(dev.ID)
		return err
	}))
	require.NotEqual(dev.SigningKey, rotated.SigningKey)
	require.NotEqual(dev.AgreementKey, rotated.AgreementKey)
	require.GreaterOrEqual(rotated.NextRotationSec, dev.NextRotationSec)

	require.Nil(d.Run("fresh prekey", func() error {
		bundle, err := m.PreKeyBundle(dev.ID)
		require.Nil(err)
		require.Nil(VerifyPreKeyBundle(bundle))
		require.Equal([]byte(rotated.SigningKey), []byte(bundle.SigningKey))
		return nil
	}))
}

func TestSyncEventsConvergeRemoteRegistry(t *testing.T) {
	require := require.New(t)
	m1, d1 := newManager(t)
	defer d1.Shutdown()
	m2, d2 := newManager(t)
	defer d2.Shutdown()

	userID := ids.NewID()
	dev := registerDevice(t, m1, d1, userID, "laptop")

	consumer := ids.NewID()
	var events []*SyncEvent
	require.Nil(d1.Run("pending", func() error {
		var err error
		events, err = m1.PendingSyncEvents(userID, consumer)
		return err
	}))
	require.Len(events, 1)
	require.Equal(SyncEventDeviceAdded, events[0].Type)

	require.Nil(d2.Run("apply", func() error {
		return m2.ApplySyncEvent(events[0])
	}))
	require.Nil(d2.Run("check", func() error {
		remote, err := m2.Device(dev.ID)
		require.Nil(err)
		require.Equal(userID, remote.UserID)
		require.Equal(dev.SigningKey, remote.SigningKey)
		require.True(remote.Verified)
		require.False(remote.Local)
		return nil
	}))

	// applying twice is a no-op
	require.Nil(d2.Run("apply again", func() error {
		return m2.ApplySyncEvent(events[0])
	}))
}

func TestSyncEventRejectsTamperedBody(t *testing.T) {
	require := require.New(t)
	m1, d1 := newManager(t)
	defer d1.Shutdown()
	m2, d2 := newManager(t)
	defer d2.Shutdown()

	userID := ids.NewID()
	registerDevice(t, m1, d1, userID, "laptop")

	consumer := ids.NewID()
	var events []*SyncEvent
	require.Nil(d1.Run("pending", func() error {
		var err error
		events, err = m1.PendingSyncEvents(userID, consumer)
		return err
	}))
	require.Len(events, 1)

	events[0].Body[len(events[0].Body)-1] ^= 0xff
	err := d2.Run("apply", func() error {
		return m2.ApplySyncEvent(events[0])
	})
	require.NotNil(err)
}

func TestAckSyncEventStopsDelivery(t *testing.T) {
	require := require.New(t)
	m, d := newManager(t)
	defer d.Shutdown()

	userID := ids.NewID()
	registerDevice(t, m, d, userID, "laptop")
	second := registerDevice(t, m, d, userID, "phone")

	require.Nil(d.Run("ack all", func() error {
		events, err := m.PendingSyncEvents(userID, second.ID)
		if err != nil {
			return err
		}
		for _, ev := range events {
			if err := m.AckSyncEvent(ev.ID, second.ID); err != nil {
				return err
			}
		}
		return nil
	}))
	require.Nil(d.Run("pending", func() error {
		events, err := m.PendingSyncEvents(userID, second.ID)
		require.Nil(err)
		require.Empty(events)
		return nil
	}))
}

func TestFingerprintStable(t *testing.T) {
	require := require.New(t)
	m, d := newManager(t)
	defer d.Shutdown()

	userID := ids.NewID()
	dev := registerDevice(t, m, d, userID, "laptop")

	require.Nil(d.Run("fingerprint", func() error {
		f1, err := m.Fingerprint(dev.ID)
		require.Nil(err)
		f2, err := m.Fingerprint(dev.ID)
		require.Nil(err)
		require.Equal(f1, f2)
		require.NotEmpty(f1)
		return nil
	}))
}
