// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package clientio provides the optional per-client bandwidth-shaping hook
// applied to a client's outbound stream. This is a supplement beyond
// spec.md's explicit scope: §6 lists a ListenEndpoint's protocol/family/TLS
// attributes but is silent on bandwidth shaping, so ListenEndpointConfig
// adds an optional rate_limit_bps field and this package is its home.
package clientio

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// maxBurstSize caps the token bucket's burst, mirroring the teacher's
// internal/agent/throttle.go (aligned to its 256KB write-buffer size there;
// kept the same constant here even though this package's buffer is smaller,
// since it only bounds how coarsely large writes get chunked).
const maxBurstSize = 256 * 1024

// ThrottledWriter rate-limits writes through w to at most bytesPerSec
// bytes/second using a token-bucket limiter, grounded on
// internal/agent/throttle.go's ThrottledWriter.
type ThrottledWriter struct {
	w       io.Writer
	limiter *rate.Limiter
	ctx     context.Context
}

// NewThrottledWriter wraps w with a token-bucket rate limiter. If
// bytesPerSec <= 0, w is returned unchanged (no throttling).
func NewThrottledWriter(ctx context.Context, w io.Writer, bytesPerSec int) io.Writer {
	if bytesPerSec <= 0 {
		return w
	}

	burst := bytesPerSec
	if burst > maxBurstSize {
		burst = maxBurstSize
	}

	return &ThrottledWriter{
		w:       w,
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst),
		ctx:     ctx,
	}
}

// Write implements io.Writer, chunking writes larger than the burst size so
// each chunk waits on the token bucket in turn.
func (tw *ThrottledWriter) Write(p []byte) (int, error) {
	totalWritten := 0

	for len(p) > 0 {
		chunk := len(p)
		if chunk > tw.limiter.Burst() {
			chunk = tw.limiter.Burst()
		}

		if err := tw.limiter.WaitN(tw.ctx, chunk); err != nil {
			return totalWritten, err
		}

		n, err := tw.w.Write(p[:chunk])
		totalWritten += n
		if err != nil {
			return totalWritten, err
		}

		p = p[n:]
	}

	return totalWritten, nil
}
