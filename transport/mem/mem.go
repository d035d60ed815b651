// Package mem is an in-process transport, used for same-process nodes
// and tests. A hub connects endpoints; each endpoint delivers payloads
// for its device to a handler on a per-device pump goroutine, so
// delivery order is preserved per device but never runs on the sender's
// call stack. Failures can be injected per device to exercise retry
// paths.
package mem

import (
	"errors"
	"sync"

	"github.com/pairwise-im/go-pairwise/ids"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// ErrInjectedFailure is returned by sends while failure injection is
// armed for the recipient.
var ErrInjectedFailure = errors.New("mem: injected send failure")

type Handler func(payload []byte)

type pipe struct {
	ch chan []byte
}

// Hub wires in-process endpoints together.
type Hub struct {
	lock      sync.Mutex
	pipes     map[ids.ID]*pipe
	failures  map[ids.ID]int
	delivered map[ids.ID]int
	pending   sync.WaitGroup
}

func NewHub() *Hub {
	return &Hub{
		pipes:     make(map[ids.ID]*pipe),
		failures:  make(map[ids.ID]int),
		delivered: make(map[ids.ID]int),
	}
}

// Attach registers a handler for a device and returns the endpoint to
// hand to a transport manager.
func (h *Hub) Attach(deviceID ids.ID, handler Handler) *Endpoint {
	h.lock.Lock()
	defer h.lock.Unlock()
	p := &pipe{ch: make(chan []byte, 64)}
	h.pipes[deviceID] = p
	go func() {
		for payload := range p.ch {
			handler(payload)
			h.pending.Done()
		}
	}()
	return &Endpoint{hub: h}
}

func (h *Hub) Detach(deviceID ids.ID) {
	h.lock.Lock()
	defer h.lock.Unlock()
	if p, ok := h.pipes[deviceID]; ok {
		close(p.ch)
		delete(h.pipes, deviceID)
	}
}

// Devices lists attached device ids in stable order.
func (h *Hub) Devices() []ids.ID {
	h.lock.Lock()
	defer h.lock.Unlock()
	devices := maps.Keys(h.pipes)
	slices.SortFunc(devices, func(a, b ids.ID) bool {
		return ids.Compare(a, b) < 0
	})
	return devices
}

// FailNext makes the next n sends to a device fail.
func (h *Hub) FailNext(deviceID ids.ID, n int) {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.failures[deviceID] = n
}

// Delivered reports how many payloads have been accepted for a device.
func (h *Hub) Delivered(deviceID ids.ID) int {
	h.lock.Lock()
	defer h.lock.Unlock()
	return h.delivered[deviceID]
}

// Wait blocks until every accepted payload has been handled. Callers
// must stop sending first.
func (h *Hub) Wait() {
	h.pending.Wait()
}

func (h *Hub) send(deviceID ids.ID, payload []byte) error {
	h.lock.Lock()
	if h.failures[deviceID] > 0 {
		h.failures[deviceID]--
		h.lock.Unlock()
		return ErrInjectedFailure
	}
	p, ok := h.pipes[deviceID]
	if !ok {
		h.lock.Unlock()
		return errors.New("mem: no handler for device")
	}
	h.delivered[deviceID]++
	h.pending.Add(1)
	h.lock.Unlock()

	p.ch <- payload
	return nil
}

func (h *Hub) canReach(deviceID ids.ID) bool {
	h.lock.Lock()
	defer h.lock.Unlock()
	_, ok := h.pipes[deviceID]
	return ok
}

// Endpoint is the hub-backed Transport implementation.
type Endpoint struct {
	hub *Hub
}

func (e *Endpoint) Name() string {
	return "mem"
}

func (e *Endpoint) CanReach(deviceID ids.ID) bool {
	return e.hub.canReach(deviceID)
}

func (e *Endpoint) Send(deviceID ids.ID, payload []byte) error {
	return e.hub.send(deviceID, payload)
}
