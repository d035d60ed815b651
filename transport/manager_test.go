package transport_test

import (
	"testing"

	"github.com/pairwise-im/go-pairwise/config"
	"github.com/pairwise-im/go-pairwise/ids"
	"github.com/pairwise-im/go-pairwise/transport"
	"github.com/pairwise-im/go-pairwise/transport/mem"
	"github.com/stretchr/testify/require"
)

func TestSendRoutesToReachableTransport(t *testing.T) {
	require := require.New(t)
	c := config.NewConfig()
	hub := mem.NewHub()

	deviceID := ids.NewID()
	var received [][]byte
	endpoint := hub.Attach(deviceID, func(payload []byte) {
		received = append(received, payload)
	})

	m := transport.NewManager(c)
	m.Register(endpoint)

	require.True(m.CanReach(deviceID))
	require.Nil(m.Send(deviceID, []byte("hello")))
	hub.Wait()
	require.Equal([][]byte{[]byte("hello")}, received)
}

func TestSendUnreachableDevice(t *testing.T) {
	require := require.New(t)
	c := config.NewConfig()
	hub := mem.NewHub()

	m := transport.NewManager(c)
	m.Register(hub.Attach(ids.NewID(), func([]byte) {}))

	other := ids.NewID()
	require.False(m.CanReach(other))
	require.ErrorIs(m.Send(other, []byte("hello")), transport.ErrUnreachable)
}

func TestSendSurfacesTransportError(t *testing.T) {
	require := require.New(t)
	c := config.NewConfig()
	hub := mem.NewHub()

	deviceID := ids.NewID()
	m := transport.NewManager(c)
	m.Register(hub.Attach(deviceID, func([]byte) {}))

	hub.FailNext(deviceID, 1)
	require.ErrorIs(m.Send(deviceID, []byte("hello")), mem.ErrInjectedFailure)
	require.Nil(m.Send(deviceID, []byte("hello")))
	hub.Wait()
	require.Equal(1, hub.Delivered(deviceID))
}

func TestHubPreservesPerDeviceOrder(t *testing.T) {
	require := require.New(t)
	hub := mem.NewHub()

	deviceID := ids.NewID()
	var received []string
	endpoint := hub.Attach(deviceID, func(payload []byte) {
		received = append(received, string(payload))
	})

	for _, s := range []string{"one", "two", "three", "four"} {
		require.Nil(endpoint.Send(deviceID, []byte(s)))
	}
	hub.Wait()
	require.Equal([]string{"one", "two", "three", "four"}, received)
}

func TestHubDetach(t *testing.T) {
	require := require.New(t)
	hub := mem.NewHub()

	deviceID := ids.NewID()
	endpoint := hub.Attach(deviceID, func([]byte) {})
	require.Len(hub.Devices(), 1)

	hub.Detach(deviceID)
	require.Empty(hub.Devices())
	require.False(endpoint.CanReach(deviceID))
	require.NotNil(endpoint.Send(deviceID, []byte("hello")))
}
