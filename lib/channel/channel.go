// Copyright 2026 The Axon Authors
// SPDX-License-Identifier: Apache-2.0

// Package channel implements the named channel registry: subscriber
// sets, capability masks over target classes, per-channel send quotas,
// and the handle to each channel's delivery queue.
package channel

import (
	"errors"
	"fmt"

	"github.com/axon-embedded/axon/lib/queue"
	"github.com/axon-embedded/axon/lib/tick"
	"github.com/axon-embedded/axon/lib/wire"
)

var (
	// ErrNotFound is returned for operations on unregistered channels.
	ErrNotFound = errors.New("channel: not found")

	// ErrCapabilityDenied is returned when a message's target class is
	// outside the channel's capability mask.
	ErrCapabilityDenied = errors.New("channel: capability denied")

	// ErrQuotaExceeded is returned when a send would exceed the
	// channel's message quota inside the current window.
	ErrQuotaExceeded = errors.New("channel: send quota exceeded")
)

// Capability is a bit mask over target classes a channel may route to.
type Capability uint8

const (
	CapCore Capability = 1 << iota
	CapSecurity
	CapModules
	CapStorage
	CapDevice
	CapUi

	// CapAll permits every target class. Freshly registered channels
	// start fully open; SetCapabilities narrows them.
	CapAll = CapCore | CapSecurity | CapModules | CapStorage | CapDevice | CapUi
)

// capabilityFor maps a resolved target class to its mask bit.
func capabilityFor(class wire.TargetClass) Capability {
	switch class {
	case wire.ClassCore:
		return CapCore
	case wire.ClassSecurity:
		return CapSecurity
	case wire.ClassModules:
		return CapModules
	case wire.ClassStorage:
		return CapStorage
	case wire.ClassDevice:
		return CapDevice
	case wire.ClassUi:
		return CapUi
	default:
		return 0
	}
}

// Permits reports whether the mask allows routing to the given class.
func (c Capability) Permits(class wire.TargetClass) bool {
	return c&capabilityFor(class) != 0
}

// Quota is a per-channel send-rate limit: at most MaxMessages sends
// inside a window of WindowTicks, anchored at the first send of the
// window. MaxMessages <= 0 disables the quota.
type Quota struct {
	MaxMessages int
	WindowTicks uint64
}

// Channel is one named channel and its routing state. Owned by the
// Registry and guarded by the bus lock.
type Channel struct {
	Name string

	// Queue is the channel's bounded delivery queue.
	Queue *queue.Queue

	// Capabilities restricts routable target classes.
	Capabilities Capability

	// RequireAuth overrides the bus-wide auth requirement when
	// non-nil.
	RequireAuth *bool

	quota       Quota
	windowStart tick.Tick
	windowCount int

	subscribers []string
}

// SetQuota installs or replaces the send quota. The current window
// restarts at the next send.
func (c *Channel) SetQuota(q Quota) {
	c.quota = q
	c.windowCount = 0
	c.windowStart = 0
}

// Quota returns the active quota.
func (c *Channel) Quota() Quota { return c.quota }

// AdmitSend charges one send against the quota at the given tick.
// The window is anchored at its first send; once it elapses, the
// counter resets and sends succeed again.
func (c *Channel) AdmitSend(now tick.Tick) error {
	if c.quota.MaxMessages <= 0 {
		return nil
	}
	if c.windowCount == 0 || uint64(now-c.windowStart) >= c.quota.WindowTicks {
		c.windowStart = now
		c.windowCount = 0
	}
	if c.windowCount >= c.quota.MaxMessages {
		return fmt.Errorf("%w: %d messages in window starting at tick %d on %q",
			ErrQuotaExceeded, c.windowCount, c.windowStart, c.Name)
	}
	c.windowCount++
	return nil
}

// CheckCapability verifies the message's resolved target class against
// the channel mask.
func (c *Channel) CheckCapability(m *wire.Message) error {
	class := m.TargetClass()
	if !c.Capabilities.Permits(class) {
		return fmt.Errorf("%w: class %s (opcode 0x%02x) on %q",
			ErrCapabilityDenied, class, m.Opcode, c.Name)
	}
	return nil
}

// EffectiveRequireAuth resolves the channel's auth requirement against
// the bus default.
func (c *Channel) EffectiveRequireAuth(busDefault bool) bool {
	if c.RequireAuth != nil {
		return *c.RequireAuth
	}
	return busDefault
}

// Subscribers returns the subscriber list in subscription order. The
// caller must not retain or mutate the returned slice across bus
// calls.
func (c *Channel) Subscribers() []string { return c.subscribers }

// subscribe adds a module to the subscriber set. Idempotent.
func (c *Channel) subscribe(module string) {
	for _, existing := range c.subscribers {
		if existing == module {
			return
		}
	}
	c.subscribers = append(c.subscribers, module)
}

// Registry holds every registered channel. Owned by the bus.
type Registry struct {
	channels map[string]*Channel
	// order preserves registration order so routing iterates
	// deterministically.
	order []string

	defaults queue.Backpressure
}

// NewRegistry returns an empty registry. New channels inherit the
// given backpressure defaults.
func NewRegistry(defaults queue.Backpressure) *Registry {
	return &Registry{
		channels: make(map[string]*Channel),
		defaults: defaults,
	}
}

// Register creates the named channel with default configuration, or
// returns the existing one. Idempotent.
func (r *Registry) Register(name string) *Channel {
	if existing, ok := r.channels[name]; ok {
		return existing
	}
	created := &Channel{
		Name:         name,
		Queue:        queue.New(r.defaults),
		Capabilities: CapAll,
	}
	r.channels[name] = created
	r.order = append(r.order, name)
	return created
}

// Get returns the named channel or ErrNotFound.
func (r *Registry) Get(name string) (*Channel, error) {
	ch, ok := r.channels[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return ch, nil
}

// Subscribe adds a module to a channel's subscriber set. The channel
// must already be registered.
func (r *Registry) Subscribe(module, name string) error {
	ch, err := r.Get(name)
	if err != nil {
		return err
	}
	ch.subscribe(module)
	return nil
}

// Channels returns every channel in registration order.
func (r *Registry) Channels() []*Channel {
	out := make([]*Channel, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.channels[name])
	}
	return out
}
