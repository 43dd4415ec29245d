// Copyright 2026 The Axon Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/axon-embedded/axon/lib/bus"
	"github.com/axon-embedded/axon/lib/tick"
	"github.com/axon-embedded/axon/lib/wire"
)

// Scenario is a scripted sequence of bus operations.
type Scenario struct {
	// Name labels the run in output.
	Name string `yaml:"name"`

	Steps []Step `yaml:"steps"`
}

// Step is one scenario operation. Exactly one field should be set;
// Execute applies whichever is present, in field order.
type Step struct {
	// Tick advances bus time to the given tick.
	Tick *uint64 `yaml:"tick,omitempty"`

	// Send submits a message.
	Send *SendStep `yaml:"send,omitempty"`

	// Route runs a routing pass.
	Route bool `yaml:"route,omitempty"`

	// Recv pops one message from a module's inbox.
	Recv *RecvStep `yaml:"recv,omitempty"`

	// RecordCPU charges CPU milliseconds to a module's budget.
	RecordCPU *UsageStep `yaml:"record_cpu,omitempty"`

	// RecordGPU charges GPU milliseconds to a module's budget.
	RecordGPU *UsageStep `yaml:"record_gpu,omitempty"`

	// RecordLatency feeds a latency sample into a module's EMA.
	RecordLatency *UsageStep `yaml:"record_latency,omitempty"`

	// RetryPending resubmits every due unacknowledged send.
	RetryPending bool `yaml:"retry_pending,omitempty"`

	// Depth prints a channel's queue depth.
	Depth string `yaml:"depth,omitempty"`
}

// SendStep describes one send operation.
type SendStep struct {
	Sender   string `yaml:"sender"`
	Channel  string `yaml:"channel"`
	Payload  string `yaml:"payload"`
	Priority string `yaml:"priority"`
	// TTLTicks overrides the bus default lifetime when positive.
	TTLTicks uint64 `yaml:"ttl_ticks"`
	// Opcode targets a specific class for capability checks.
	Opcode uint8 `yaml:"opcode"`
}

// RecvStep describes one receive operation.
type RecvStep struct {
	Module string `yaml:"module"`
	// Ack acknowledges the received message, releasing its in-flight
	// slot and cancelling retries.
	Ack bool `yaml:"ack"`
}

// UsageStep charges resource usage to a module.
type UsageStep struct {
	Module string `yaml:"module"`
	Ms     uint64 `yaml:"ms"`
}

// LoadScenario reads and parses a scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseScenario(data)
}

// ParseScenario decodes a scenario document.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	if err := yaml.Unmarshal(data, &scenario); err != nil {
		return nil, fmt.Errorf("parsing scenario: %w", err)
	}
	for i, step := range scenario.Steps {
		if step.Send != nil && step.Send.Priority != "" {
			if _, err := parsePriority(step.Send.Priority); err != nil {
				return nil, fmt.Errorf("steps[%d]: %w", i, err)
			}
		}
	}
	return &scenario, nil
}

// Execute drives the bus through every step, printing each observable
// outcome to out. Rejections are outcomes, not failures: an over-quota
// send prints its error and the run continues. Only malformed steps
// stop execution.
func (s *Scenario) Execute(b *bus.Bus, out io.Writer) error {
	if s.Name != "" {
		fmt.Fprintf(out, "scenario: %s\n", s.Name)
	}

	for i, step := range s.Steps {
		switch {
		case step.Tick != nil:
			b.Tick(tick.Tick(*step.Tick))
			fmt.Fprintf(out, "tick -> %d\n", uint64(b.Now()))

		case step.Send != nil:
			if err := executeSend(b, step.Send, out); err != nil {
				return fmt.Errorf("steps[%d]: %w", i, err)
			}

		case step.Route:
			report := b.Route()
			fmt.Fprintf(out, "route: delivered=%d expired=%d rejected=%d\n",
				report.Delivered, len(report.Expired), len(report.Rejected))
			for _, rejection := range report.Rejected {
				fmt.Fprintf(out, "  rejected id=%d channel=%s: %v\n",
					rejection.ID, rejection.Channel, rejection.Err)
			}

		case step.Recv != nil:
			message, ok := b.RecvRaw(step.Recv.Module)
			if !ok {
				fmt.Fprintf(out, "recv %s: empty\n", step.Recv.Module)
				break
			}
			fmt.Fprintf(out, "recv %s: id=%d channel=%s priority=%s payload=%q\n",
				step.Recv.Module, message.ID, message.Channel,
				message.Priority, message.Payload)
			if step.Recv.Ack {
				b.Ack(step.Recv.Module, message.ID)
				fmt.Fprintf(out, "ack %s: id=%d\n", step.Recv.Module, message.ID)
			}

		case step.RecordCPU != nil:
			recordUsage(b, out, "cpu", step.RecordCPU, b.RecordCPU)

		case step.RecordGPU != nil:
			recordUsage(b, out, "gpu", step.RecordGPU, b.RecordGPU)

		case step.RecordLatency != nil:
			recordUsage(b, out, "latency", step.RecordLatency, b.RecordLatency)

		case step.RetryPending:
			resubmitted := b.RetryPending()
			fmt.Fprintf(out, "retry_pending: resubmitted=%v\n", resubmitted)

		case step.Depth != "":
			depth, err := b.QueueDepth(step.Depth)
			if err != nil {
				fmt.Fprintf(out, "depth %s: %v\n", step.Depth, err)
				break
			}
			fmt.Fprintf(out, "depth %s: %d\n", step.Depth, depth)

		default:
			return fmt.Errorf("steps[%d]: empty step", i)
		}
	}
	return nil
}

func executeSend(b *bus.Bus, send *SendStep, out io.Writer) error {
	priority := wire.Normal
	if send.Priority != "" {
		parsed, err := parsePriority(send.Priority)
		if err != nil {
			return err
		}
		priority = parsed
	}

	var id uint64
	var err error
	if send.Opcode != 0 {
		ttl := send.TTLTicks
		if ttl == 0 {
			ttl = bus.DefaultTTLTicks
		}
		message := &wire.Message{
			Channel:  send.Channel,
			Payload:  []byte(send.Payload),
			Priority: priority,
			Sender:   send.Sender,
			TTLTicks: ttl,
			Opcode:   send.Opcode,
		}
		id, err = b.SendRaw(message)
	} else if send.TTLTicks > 0 {
		id, err = b.SendWithTTL(send.Sender, send.Channel, []byte(send.Payload), priority, send.TTLTicks)
	} else {
		id, err = b.Send(send.Sender, send.Channel, []byte(send.Payload), priority)
	}
	if err != nil {
		fmt.Fprintf(out, "send %s -> %s: %v\n", send.Sender, send.Channel, err)
		return nil
	}
	fmt.Fprintf(out, "send %s -> %s: id=%d\n", send.Sender, send.Channel, id)
	return nil
}

func recordUsage(b *bus.Bus, out io.Writer, kind string, usage *UsageStep, record func(string, uint64) error) {
	if err := record(usage.Module, usage.Ms); err != nil {
		fmt.Fprintf(out, "record_%s %s: %v\n", kind, usage.Module, err)
		return
	}
	fmt.Fprintf(out, "record_%s %s: %dms over_budget=%v\n",
		kind, usage.Module, usage.Ms, b.IsOverBudget(usage.Module))
}

func parsePriority(value string) (wire.Priority, error) {
	switch value {
	case "best_effort", "besteffort":
		return wire.BestEffort, nil
	case "normal":
		return wire.Normal, nil
	case "realtime":
		return wire.Realtime, nil
	default:
		return wire.Normal, fmt.Errorf("invalid priority %q (want best_effort, normal, or realtime)", value)
	}
}
