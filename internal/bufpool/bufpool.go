// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package bufpool pools scratch buffers for encoding hot paths: stats
// stream frames and captured process output.
package bufpool

import (
	"bytes"
	"sync"
)

// maxPooledCap caps buffers returned to the pool, so one oversized
// payload does not pin memory for the rest of the run.
const maxPooledCap = 64 * 1024

var pool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

// Get returns an empty buffer from the pool.
func Get() *bytes.Buffer {
	b := pool.Get().(*bytes.Buffer)
	b.Reset()
	return b
}

// Put returns a buffer to the pool. Buffers grown past the cap are left
// for the garbage collector instead.
func Put(b *bytes.Buffer) {
	if b.Cap() > maxPooledCap {
		return
	}
	pool.Put(b)
}
