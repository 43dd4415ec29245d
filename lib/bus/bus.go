// Copyright 2026 The Axon Authors
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"io"
	"log/slog"
	"sync"

	"github.com/axon-embedded/axon/lib/channel"
	"github.com/axon-embedded/axon/lib/queue"
	"github.com/axon-embedded/axon/lib/quota"
	"github.com/axon-embedded/axon/lib/retry"
	"github.com/axon-embedded/axon/lib/seal"
	"github.com/axon-embedded/axon/lib/tick"
	"github.com/axon-embedded/axon/lib/wire"
)

// DefaultTTLTicks is the message lifetime applied by Send when the
// caller does not choose one via SendWithTTL.
const DefaultTTLTicks = 100

// Options configures a new Bus. The zero value is usable: protocol
// version and payload bound default to the wire package's constants,
// logging is discarded, and backpressure defaults apply to every
// channel until configured.
type Options struct {
	// ProtocolVersion stamps and validates every message. Defaults to
	// wire.ProtocolVersion.
	ProtocolVersion uint8

	// MaxPayload bounds payload sizes. Defaults to
	// wire.DefaultMaxPayload.
	MaxPayload int

	// Logger receives debug/info events. Nil discards.
	Logger *slog.Logger

	// DefaultBackpressure applies to channels registered without an
	// explicit ConfigureBackpressure call. Zero value selects
	// queue.DefaultBackpressure.
	DefaultBackpressure queue.Backpressure

	// RetrySeed seeds backoff jitter. Fix it in tests for reproducible
	// schedules.
	RetrySeed int64

	// Clock supplies the bus's time source. Nil starts a fresh manual
	// clock at tick zero; Tick drives it either way.
	Clock *tick.Manual
}

// inboxEntry is one routed message waiting in a subscriber's inbox.
type inboxEntry struct {
	message *wire.Message
	channel string
}

// Bus is the IPC message bus. Construct with New; the zero value is
// not usable. Safe for concurrent use; every exported method takes
// the instance lock for its whole duration and never suspends while
// holding it.
type Bus struct {
	mu sync.Mutex

	log   *slog.Logger
	codec wire.Codec

	clock *tick.Manual

	keys        *seal.KeySchedule
	requireAuth bool
	freshness   seal.FreshnessPolicy
	ledger      *seal.NonceLedger

	registry *channel.Registry
	retries  *retry.Manager
	quotas   *quota.Manager

	nextID uint64

	// inboxes holds routed messages per subscriber module, in
	// dispatch order.
	inboxes map[string][]inboxEntry

	// pending keeps unacknowledged retry-tracked messages for
	// resubmission, keyed by message id.
	pending map[uint64]*wire.Message

	// inflightChannel maps a dispatched message id to its channel so
	// Ack can release the channel's in-flight slot.
	inflightChannel map[uint64]string
}

// New constructs a bus from options.
func New(opts Options) *Bus {
	version := opts.ProtocolVersion
	if version == 0 {
		version = wire.ProtocolVersion
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	defaults := opts.DefaultBackpressure
	if defaults == (queue.Backpressure{}) {
		defaults = queue.DefaultBackpressure()
	}
	clock := opts.Clock
	if clock == nil {
		clock = tick.NewManual(0)
	}
	return &Bus{
		log:             logger,
		codec:           wire.NewCodec(version, opts.MaxPayload),
		clock:           clock,
		keys:            seal.NewKeySchedule(nil),
		ledger:          seal.NewNonceLedger(),
		registry:        channel.NewRegistry(defaults),
		retries:         retry.NewManager(retry.DefaultPolicy(), opts.RetrySeed),
		quotas:          quota.NewManager(),
		inboxes:         make(map[string][]inboxEntry),
		pending:         make(map[uint64]*wire.Message),
		inflightChannel: make(map[uint64]string),
	}
}

// Codec returns the bus's wire codec, for callers that serialize
// messages for storage or diagnostics.
func (b *Bus) Codec() wire.Codec { return b.codec }

// Now returns the bus's current tick.
func (b *Bus) Now() tick.Tick {
	return b.clock.Now()
}

// Tick advances bus time to now. Quota windows roll over and expired
// messages are purged from every channel queue; such messages are
// never delivered. The time source is monotonically non-decreasing:
// an earlier now is clamped to the current tick.
func (b *Bus) Tick(now tick.Tick) {
	b.mu.Lock()
	defer b.mu.Unlock()

	current := b.clock.Set(now)
	b.quotas.Tick(current)
	for _, ch := range b.registry.Channels() {
		for _, expired := range ch.Queue.PurgeExpired(current) {
			b.log.Debug("message expired in queue",
				"channel", ch.Name,
				"id", expired.Message.ID,
				"created", uint64(expired.Message.CreatedTick),
				"ttl", expired.Message.TTLTicks)
		}
	}
}

// RegisterChannel creates a channel with default configuration.
// Idempotent: registering an existing name is a no-op.
func (b *Bus) RegisterChannel(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.registry.Register(name)
}

// Subscribe adds a module to a channel's subscriber set. The channel
// must be registered.
func (b *Bus) Subscribe(module, channelName string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.registry.Subscribe(module, channelName)
}

// SetChannelCapabilities restricts the target classes the channel may
// route to.
func (b *Bus) SetChannelCapabilities(channelName string, mask channel.Capability) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, err := b.registry.Get(channelName)
	if err != nil {
		return err
	}
	ch.Capabilities = mask
	b.log.Info("channel capabilities set", "channel", channelName, "mask", uint8(mask))
	return nil
}

// SetChannelRequireAuth overrides the bus-wide auth requirement for
// one channel.
func (b *Bus) SetChannelRequireAuth(channelName string, required bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, err := b.registry.Get(channelName)
	if err != nil {
		return err
	}
	ch.RequireAuth = &required
	return nil
}

// SetChannelQuota installs a per-channel send-rate quota.
func (b *Bus) SetChannelQuota(channelName string, q channel.Quota) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, err := b.registry.Get(channelName)
	if err != nil {
		return err
	}
	ch.SetQuota(q)
	return nil
}

// ConfigureBackpressure replaces a channel's queue limits and drop
// policy.
func (b *Bus) ConfigureBackpressure(channelName string, bp queue.Backpressure) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, err := b.registry.Get(channelName)
	if err != nil {
		return err
	}
	ch.Queue.Configure(bp)
	b.log.Info("channel backpressure configured",
		"channel", channelName,
		"max_queue", bp.MaxQueue,
		"max_in_flight", bp.MaxInFlight,
		"max_bytes", bp.MaxBytes,
		"policy", bp.Policy.String())
	return nil
}

// ConfigureSecurity installs the shared signing secret from the
// identity subsystem and sets whether auth tags are mandatory bus-wide.
// Per-module keys are derived from the secret; a nil secret keeps the
// bring-up schedule (well-defined but worthless keys).
func (b *Bus) ConfigureSecurity(sharedSecret []byte, requireAuth bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.keys = seal.NewKeySchedule(sharedSecret)
	b.requireAuth = requireAuth
	b.log.Info("security configured", "require_auth", requireAuth, "secret_set", len(sharedSecret) > 0)
}

// ConfigureTimeSkew sets the timestamp freshness policy applied during
// routing and verification.
func (b *Bus) ConfigureTimeSkew(mode seal.FreshnessMode, skewTicks uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.freshness = seal.FreshnessPolicy{Mode: mode, SkewTicks: skewTicks}
}

// ConfigureRetry replaces the retry policy for subsequent sends.
func (b *Bus) ConfigureRetry(policy retry.Policy) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.retries.Configure(policy)
}

// SetBudget creates or overwrites a module's resource budget.
func (b *Bus) SetBudget(module string, budget quota.Budget) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.quotas.SetBudget(module, budget)
}

// RecordCPU accumulates CPU usage against the module's budget window.
func (b *Bus) RecordCPU(module string, ms uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.quotas.RecordCPU(module, ms)
}

// RecordGPU accumulates GPU usage against the module's budget window.
func (b *Bus) RecordGPU(module string, ms uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.quotas.RecordGPU(module, ms)
}

// RecordLatency folds a latency sample into the module's EMA.
func (b *Bus) RecordLatency(module string, ms uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.quotas.RecordLatency(module, ms)
}

// IsOverBudget reports whether the module exceeds any budget limit.
func (b *Bus) IsOverBudget(module string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.quotas.IsOverBudget(module)
}

// AdmissionDecision returns the quota gate's decision for one action
// by module at the given priority, recomputed from current
// accumulators.
func (b *Bus) AdmissionDecision(module string, priority wire.Priority) quota.Decision {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.quotas.Admit(module, priority)
}

// QueueDepth returns the queued message count for a channel, for
// observability of silent backpressure evictions.
func (b *Bus) QueueDepth(channelName string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, err := b.registry.Get(channelName)
	if err != nil {
		return 0, err
	}
	return ch.Queue.Len(), nil
}
