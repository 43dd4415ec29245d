// Copyright 2026 The Axon Authors
// SPDX-License-Identifier: Apache-2.0

package wire

// Priority classifies a message for drop and admission decisions.
// Higher values outrank lower ones; the zero value is BestEffort so a
// forgotten priority never outranks real traffic.
type Priority uint8

const (
	// BestEffort traffic is the first to be dropped under queue or
	// quota pressure.
	BestEffort Priority = iota
	// Normal is the default service class for module traffic.
	Normal
	// Realtime traffic is never fully denied by quota pressure, only
	// throttled.
	Realtime
)

// Valid reports whether p is a defined priority class.
func (p Priority) Valid() bool {
	return p <= Realtime
}

// Compare returns -1, 0, or +1 as p ranks below, equal to, or above
// other. Equal priorities never evict each other under drop policies;
// callers must use the strict comparison, not >=.
func (p Priority) Compare(other Priority) int {
	switch {
	case p < other:
		return -1
	case p > other:
		return 1
	default:
		return 0
	}
}

func (p Priority) String() string {
	switch p {
	case BestEffort:
		return "best-effort"
	case Normal:
		return "normal"
	case Realtime:
		return "realtime"
	default:
		return "invalid"
	}
}

// TargetClass identifies the subsystem a message addresses. Channel
// capability masks restrict which classes a channel may route to.
type TargetClass uint8

const (
	ClassCore TargetClass = iota
	ClassSecurity
	ClassModules
	ClassStorage
	ClassDevice
	ClassUi
)

func (c TargetClass) String() string {
	switch c {
	case ClassCore:
		return "core"
	case ClassSecurity:
		return "security"
	case ClassModules:
		return "modules"
	case ClassStorage:
		return "storage"
	case ClassDevice:
		return "device"
	case ClassUi:
		return "ui"
	default:
		return "invalid"
	}
}

// TargetClassFromOpcode resolves the target class addressed by an
// opcode. The high nibble selects the class: 0x1 core, 0x2 security,
// 0x3 storage, 0x4 device, 0x5 ui. Nibble 0x0 and every unassigned
// nibble resolve to the general modules class, so plain data traffic
// (opcode 0) routes without a capability grant beyond CapModules.
func TargetClassFromOpcode(opcode uint8) TargetClass {
	switch opcode >> 4 {
	case 0x1:
		return ClassCore
	case 0x2:
		return ClassSecurity
	case 0x3:
		return ClassStorage
	case 0x4:
		return ClassDevice
	case 0x5:
		return ClassUi
	default:
		return ClassModules
	}
}
