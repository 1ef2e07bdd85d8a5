// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package ring defines the ring storage engine contract the server core
// consumes (§6 "Ring engine contract (consumed)") and a reference in-memory
// implementation used for tests and for deployments that run with
// volatile_ring enabled. The on-disk packet record layout, index, and reader
// cursor mechanics are explicitly out of scope for the core (§1); this
// package only has to honour the shape the supervisor and listener rely on.
package ring

import (
	"errors"
	"fmt"
)

// ErrFatal is returned when ring initialisation fails in a way that is never
// recoverable (§7 "Ring init fatal").
var ErrFatal = errors.New("ring: fatal initialization error")

// ErrCorrupt is returned when the ring files are present but unreadable —
// recoverable via the auto-recovery protocol (§7 "Ring init recoverable").
var ErrCorrupt = errors.New("ring: packet buffer files are corrupt")

// VersionError is returned when the ring files are on an older on-disk
// format. The auto-recovery protocol renames the files aside and invokes the
// registered Converter for Version before re-initializing empty.
type VersionError struct {
	Version int
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("ring: packet buffer is on-disk version %d", e.Version)
}

// Packet is the minimal packet record the core needs to reason about: an
// identity (stream + sequence) and its position in ring-offset space.
type Packet struct {
	StreamID string
	Offset   int64 // absolute, wraps modulo MaxOffset
	Data     []byte
}

// Handle is the typed reference the core holds to the ring storage engine
// (§3 RingHandle, §6). Implementations must be safe for concurrent use by
// many client goroutines, with the sole exception that aggregate-rate fields
// are written only by the supervisor (§5 "the supervisor is the sole writer
// of the aggregate-rate fields").
type Handle interface {
	// LatestOffset, EarliestOffset and MaxOffset are read-only fields used by
	// percent-lag computation (§4.4) and reader validity checks.
	LatestOffset() int64
	EarliestOffset() int64
	MaxOffset() int64

	// SetAggregateRates publishes the ring-wide tx/rx rates the supervisor
	// computed this tick (§4.1 step 7).
	SetAggregateRates(txBytesPerSec, rxBytesPerSec float64)
	AggregateRates() (txBytesPerSec, rxBytesPerSec float64)

	// WritePacket admits one packet from a producer client and returns its
	// assigned offset.
	WritePacket(streamID string, data []byte) (offset int64, err error)

	// ReadPacket returns the packet record at offset, or an error if the
	// offset has already been evicted or has not been written yet.
	ReadPacket(offset int64) (Packet, error)

	// Shutdown flushes any indexes and releases resources. Safe to call
	// exactly once; the supervisor invokes it exactly once on clean exit
	// (§4.1 "After the loop").
	Shutdown() error
}

// ErrOffsetExpired is returned by ReadPacket when offset is older than
// EarliestOffset.
var ErrOffsetExpired = errors.New("ring: offset no longer in buffer")

// ErrOffsetNotReady is returned by ReadPacket when offset is at or beyond
// LatestOffset.
var ErrOffsetNotReady = errors.New("ring: offset not yet written")
