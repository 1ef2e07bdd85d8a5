// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package client implements the per-connection ClientRecord (§3), its
// statistics accumulation (§4.4) and idle-timeout bookkeeping. Ownership:
// a Record is built by the listener after policy admits the connection,
// then owned solely by one client goroutine until the supervisor reaps it
// (§3 "Lifecycle").
package client

import (
	"io"
	"net"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/nishisan-dev/ringserver/internal/lifecycle"
)

// Protocol is the wire protocol a client has been detected to speak.
// Detection itself is the protocol handler's job (§6); the core only stores
// the result.
type Protocol int32

const (
	ProtocolUndetermined Protocol = iota
	ProtocolDataLink
	ProtocolSeedLink
	ProtocolHTTP
)

func (p Protocol) String() string {
	switch p {
	case ProtocolDataLink:
		return "datalink"
	case ProtocolSeedLink:
		return "seedlink"
	case ProtocolHTTP:
		return "http"
	default:
		return "undetermined"
	}
}

// counters holds the monotonically non-decreasing tx/rx packet and byte
// totals (§3 invariant, §5 "Client counters are written by one owning client
// thread and read by the supervisor without locking"). Plain atomics, never
// a per-client lock on this path (§9 "Counter races").
type counters struct {
	txPackets atomic.Int64
	txBytes   atomic.Int64
	rxPackets atomic.Int64
	rxBytes   atomic.Int64
}

// rateHistory is the two-slot {current, previous} pair from §9 ("Per-client
// rate history as two-slot arrays: reify as a pair {current, previous} with
// a single rollover(now) operation"). Accessed only by the supervisor
// (§4.4 "Contract: must be called strictly in one thread").
type rateHistory struct {
	prevTxBytes int64
	prevRxBytes int64
	rateTime    time.Time
	txRate      float64
	rxRate      float64
}

// ReaderPos is a client's cursor into the ring: a packet offset, and whether
// it has ever been set (§3 "current reader cursor into the ring").
type ReaderPos struct {
	valid  atomic.Bool
	offset atomic.Int64
}

// Set records the reader's current offset. Called by the protocol handler
// as it streams packets to the client.
func (r *ReaderPos) Set(offset int64) {
	r.offset.Store(offset)
	r.valid.Store(true)
}

// Get returns (offset, true) if the reader has ever been positioned.
func (r *ReaderPos) Get() (int64, bool) {
	if !r.valid.Load() {
		return 0, false
	}
	return r.offset.Load(), true
}

// Record is one connected client (§3 ClientRecord).
type Record struct {
	ID uint64 // assigned by the registry at admission time

	Conn       net.Conn
	RemoteAddr net.Addr

	EndpointPort  string   // identity of the ListenEndpoint that admitted this client
	AllowedProto  []string // protocol mask copied from the endpoint
	TLS           bool     // copied from the endpoint
	TxBytesPerSec int      // copied from the endpoint's optional rate_limit_bps; 0 = unlimited

	Protocol  atomic.Int32 // Protocol, set once by the handler after detection
	Host      string
	Port      string
	DisplayID string

	WritePermit bool
	Trusted     bool
	StreamLimit *regexp.Regexp // optional stream-ID limit pattern (§4.2 step 4)

	connectTimeNano  int64 // unix nano, immutable after construction
	lastExchangeNano atomic.Int64

	Counters counters
	Rate     rateHistory // supervisor-only; no lock needed (§4.4 contract)

	Reader ReaderPos

	lagPercentHundredths atomic.Int64 // supervisor-written, any-reader; see SetPercentLag
	tlogPrevTxBytes      atomic.Int64 // supervisor-only bookkeeping, see TransferDelta
	tlogPrevRxBytes      atomic.Int64

	ArchiveWriter io.WriteCloser // optional, nil unless configured (§3, §6 mseedArchive)

	Lifecycle *lifecycle.Box
}

// New constructs a Record with counters at zero and connect/last-exchange
// stamped to now (§4.2 step 4).
func New(id uint64, conn net.Conn, now time.Time) *Record {
	r := &Record{
		ID:              id,
		Conn:            conn,
		connectTimeNano: now.UnixNano(),
		Lifecycle:       lifecycle.NewBox(),
	}
	if conn != nil {
		r.RemoteAddr = conn.RemoteAddr()
	}
	r.lastExchangeNano.Store(now.UnixNano())
	return r
}

// ConnectTime returns the immutable connect timestamp.
func (r *Record) ConnectTime() time.Time {
	return time.Unix(0, r.connectTimeNano)
}

// LastExchange returns the last successful I/O timestamp.
func (r *Record) LastExchange() time.Time {
	return time.Unix(0, r.lastExchangeNano.Load())
}

// Touch stamps LastExchange to now. Called by the protocol handler on every
// successful read or write. Maintains the invariant lastExchange >=
// connectTime because now is always >= ConnectTime() in practice (monotonic
// wall clock) and Touch never moves the value backwards in the same
// goroutine's sequential use.
func (r *Record) Touch(now time.Time) {
	r.lastExchangeNano.Store(now.UnixNano())
}

// IdleFor reports how long the client has been idle as of now.
func (r *Record) IdleFor(now time.Time) time.Duration {
	return now.Sub(r.LastExchange())
}

// AddTx records a transmitted packet. Called by the protocol handler.
func (r *Record) AddTx(packets, bytes int64) {
	r.Counters.txPackets.Add(packets)
	r.Counters.txBytes.Add(bytes)
}

// AddRx records a received packet.
func (r *Record) AddRx(packets, bytes int64) {
	r.Counters.rxPackets.Add(packets)
	r.Counters.rxBytes.Add(bytes)
}

// TxTotals returns the current cumulative tx packet/byte counts.
func (r *Record) TxTotals() (packets, bytes int64) {
	return r.Counters.txPackets.Load(), r.Counters.txBytes.Load()
}

// RxTotals returns the current cumulative rx packet/byte counts.
func (r *Record) RxTotals() (packets, bytes int64) {
	return r.Counters.rxPackets.Load(), r.Counters.rxBytes.Load()
}

// SetPercentLag stores the supervisor's most recently computed percent-lag
// (§4.4) for this client. Written once per tick by the supervisor only.
func (r *Record) SetPercentLag(pct float64) {
	r.lagPercentHundredths.Store(int64(pct * 100))
}

// PercentLag returns the value last stored by SetPercentLag.
func (r *Record) PercentLag() float64 {
	return float64(r.lagPercentHundredths.Load()) / 100
}

// TransferDelta returns the tx/rx bytes accumulated since the previous call,
// for the supervisor's per-tick transfer-log line (§4.1 step 6). Must be
// called strictly from one goroutine, same contract as RollRates.
func (r *Record) TransferDelta() (txBytes, rxBytes int64) {
	_, tx := r.TxTotals()
	_, rx := r.RxTotals()
	txBytes = tx - r.tlogPrevTxBytes.Swap(tx)
	rxBytes = rx - r.tlogPrevRxBytes.Swap(rx)
	return txBytes, rxBytes
}
