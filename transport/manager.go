// Package transport routes serialized envelopes to whichever registered
// transport can currently reach a device.
package transport

import (
	"errors"
	"fmt"

	"github.com/pairwise-im/go-pairwise/config"
	"github.com/pairwise-im/go-pairwise/ids"
	"go.uber.org/zap"
)

// ErrUnreachable indicates no registered transport can reach the device.
var ErrUnreachable = errors.New("transport: device unreachable")

// Transport is a single delivery mechanism.
type Transport interface {
	Name() string
	CanReach(deviceID ids.ID) bool
	Send(deviceID ids.ID, payload []byte) error
}

type Manager struct {
	config     *config.Config
	log        *zap.SugaredLogger
	transports []Transport
}

func NewManager(c *config.Config) *Manager {
	return &Manager{
		config:     c,
		log:        c.Logger("transport"),
		transports: make([]Transport, 0),
	}
}

// Register adds a transport. Transports are tried in registration order.
func (m *Manager) Register(t Transport) {
	m.transports = append(m.transports, t)
}

// Send delivers a payload over the first transport that claims the
// device.
func (m *Manager) Send(deviceID ids.ID, payload []byte) error {
	for _, t := range m.transports {
		if !t.CanReach(deviceID) {
			continue
		}
		if err := t.Send(deviceID, payload); err != nil {
			return fmt.Errorf("transport: send over %s failed: %w", t.Name(), err)
		}
		m.log.Debugf("sent %d bytes to %s over %s", len(payload), deviceID, t.Name())
		return nil
	}
	return ErrUnreachable
}

// CanReach reports whether any transport claims the device.
func (m *Manager) CanReach(deviceID ids.ID) bool {
	for _, t := range m.transports {
		if t.CanReach(deviceID) {
			return true
		}
	}
	return false
}
