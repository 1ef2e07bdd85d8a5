// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package ring

import (
	"sync"
)

// MemEngine is a reference Handle implementation backed by a fixed-capacity
// slice of packet records. It generalizes the teacher's single-writer
// circular byte buffer (internal/agent/ringbuffer.go's RingBuffer: absolute
// head/tail offsets, wraparound arithmetic, sync.Mutex-guarded state) from a
// byte pipe to a packet ring: each slot holds one whole packet rather than a
// span of bytes, and offsets here count packets rather than bytes.
//
// It is the engine used for volatile_ring deployments and for tests; a
// persistent mmap/disk-backed engine is out of scope for the core (§1) and
// would implement the same Handle interface.
type MemEngine struct {
	mu       sync.Mutex
	slots    []Packet
	maxOff   int64 // capacity, in packet-offset units
	latest   int64 // offset one past the most recently written packet
	earliest int64 // offset of the oldest packet still retained
	written  int64 // total packets ever written (for earliest/latest bookkeeping)

	txBps, rxBps float64
}

// NewMemEngine creates an in-memory ring with room for capacity packets.
func NewMemEngine(capacity int64) *MemEngine {
	if capacity < 1 {
		capacity = 1
	}
	return &MemEngine{
		slots:  make([]Packet, capacity),
		maxOff: capacity,
	}
}

func (m *MemEngine) LatestOffset() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latest
}

func (m *MemEngine) EarliestOffset() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.earliest
}

func (m *MemEngine) MaxOffset() int64 {
	return m.maxOff
}

func (m *MemEngine) SetAggregateRates(tx, rx float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txBps, m.rxBps = tx, rx
}

func (m *MemEngine) AggregateRates() (float64, float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.txBps, m.rxBps
}

func (m *MemEngine) WritePacket(streamID string, data []byte) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	offset := m.written
	slot := offset % m.maxOff

	cp := make([]byte, len(data))
	copy(cp, data)
	m.slots[slot] = Packet{StreamID: streamID, Offset: offset, Data: cp}

	m.written++
	m.latest = m.written
	if m.written > m.maxOff {
		m.earliest = m.written - m.maxOff
	}

	return offset, nil
}

func (m *MemEngine) ReadPacket(offset int64) (Packet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if offset < m.earliest {
		return Packet{}, ErrOffsetExpired
	}
	if offset >= m.latest {
		return Packet{}, ErrOffsetNotReady
	}

	slot := offset % m.maxOff
	return m.slots[slot], nil
}

func (m *MemEngine) Shutdown() error {
	return nil
}
