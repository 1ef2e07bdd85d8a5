// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package client

import "time"

// RollRates computes tx/rx rates in bytes/sec since the previous call and
// rolls current counters into history (§4.4 "Tx rate / Rx rate"). Must be
// called strictly from one goroutine — the supervisor (§4.4 contract); no
// lock is taken here on purpose.
func (r *Record) RollRates(now time.Time) (txRate, rxRate float64) {
	dt := 1.0
	if !r.Rate.rateTime.IsZero() {
		dt = now.Sub(r.Rate.rateTime).Seconds()
		if dt <= 0 {
			dt = 1.0
		}
	}

	_, txBytes := r.TxTotals()
	_, rxBytes := r.RxTotals()

	r.Rate.txRate = float64(txBytes-r.Rate.prevTxBytes) / dt
	r.Rate.rxRate = float64(rxBytes-r.Rate.prevRxBytes) / dt

	r.Rate.prevTxBytes = txBytes
	r.Rate.prevRxBytes = rxBytes
	r.Rate.rateTime = now

	return r.Rate.txRate, r.Rate.rxRate
}

// TxRate and RxRate return the rates computed by the most recent RollRates
// call (supervisor-only read, consistent with the single-writer contract).
func (r *Record) TxRate() float64 { return r.Rate.txRate }
func (r *Record) RxRate() float64 { return r.Rate.rxRate }

// PercentLag computes the client's lag as a percentage of the ring's
// current span (§4.4 "Percent lag"). latest, earliest and maxOffset come
// from the ring handle (§3 RingHandle). If the reader has no valid
// position, or the ring span is zero (latest == earliest — §9 open question
// "no lag defined"), it reports 0.
func PercentLag(reader *ReaderPos, latest, earliest, maxOffset int64) float64 {
	pos, ok := reader.Get()
	if !ok {
		return 0
	}

	// Unwrap: any value less than earliest is assumed to be on the far side
	// of a ring wrap, so add maxOffset to bring it into the same coordinate
	// space as latest (§4.4).
	if pos < earliest {
		pos += maxOffset
	}
	unwrappedLatest := latest
	if unwrappedLatest < earliest {
		unwrappedLatest += maxOffset
	}

	denom := unwrappedLatest - earliest
	if denom <= 0 {
		return 0
	}

	lag := 100 * float64(unwrappedLatest-pos) / float64(denom)
	if lag < 0 {
		lag = 0
	}
	if lag > 100 {
		lag = 100
	}
	return lag
}
