// Package bodybuf implements the bounded-growth, request-scoped body
// accumulator used to buffer upstream response chunks before conversion.
package bodybuf

import "sync"

const minInitialCapacity = 64 << 10 // 64 KiB

// AppendResult is the outcome of Append.
type AppendResult int

const (
	// Ok means the chunk was fully appended.
	Ok AppendResult = iota
	// Overflow means appending would exceed MaxSize; no partial append occurred.
	Overflow
)

// Accumulator is a per-request buffer with a hard size ceiling and a
// cleanup hook that is guaranteed to run exactly once across every exit
// path (normal completion, error, or client disconnect).
type Accumulator struct {
	data     []byte
	maxSize  int64
	cleanup  func()
	once     sync.Once
}

// New creates an Accumulator bounded at maxSize, registering cleanup to run
// exactly once when Release is called.
func New(maxSize int64, cleanup func()) *Accumulator {
	if cleanup == nil {
		cleanup = func() {}
	}
	return &Accumulator{maxSize: maxSize, cleanup: cleanup}
}

// Size returns the number of bytes currently held.
func (a *Accumulator) Size() int64 { return int64(len(a.data)) }

// Capacity returns the current backing-store capacity.
func (a *Accumulator) Capacity() int64 { return int64(cap(a.data)) }

// Bytes returns the accumulated bytes. The returned slice aliases the
// accumulator's internal storage and must not be retained past Release.
func (a *Accumulator) Bytes() []byte { return a.data }

// Reserve grows capacity up to min(hint, maxSize), avoiding repeated
// reallocation when Content-Length is known ahead of time.
func (a *Accumulator) Reserve(hint int64) {
	if hint <= 0 {
		return
	}
	if hint > a.maxSize {
		hint = a.maxSize
	}
	if int64(cap(a.data)) >= hint {
		return
	}
	grown := make([]byte, len(a.data), hint)
	copy(grown, a.data)
	a.data = grown
}

// Append copies chunk into the accumulator. It returns Overflow (without
// mutating state) iff the resulting size would exceed maxSize. The caller
// is responsible for marking its source chunk consumed after Append
// returns, per the accumulator's copy-in contract.
func (a *Accumulator) Append(chunk []byte) AppendResult {
	newSize := int64(len(a.data)) + int64(len(chunk))
	if newSize > a.maxSize {
		return Overflow
	}
	a.ensureCapacity(newSize)
	a.data = append(a.data, chunk...)
	return Ok
}

func (a *Accumulator) ensureCapacity(required int64) {
	cur := int64(cap(a.data))
	if cur >= required {
		return
	}

	var next int64
	if cur == 0 {
		// First allocation: 64 KiB or required, whichever is larger.
		next = minInitialCapacity
		if required > next {
			next = required
		}
	} else {
		// Subsequent growth: double until sufficient.
		next = cur
		for next < required {
			next *= 2
		}
	}
	if next > a.maxSize {
		next = a.maxSize
	}

	grown := make([]byte, len(a.data), next)
	copy(grown, a.data)
	a.data = grown
}

// Release runs the cleanup hook exactly once, regardless of how many times
// Release is called or from how many exit paths.
func (a *Accumulator) Release() {
	a.once.Do(func() {
		a.cleanup()
		a.data = nil
	})
}
