package storage

import (
	"fmt"
	"io"
	"sync"
)

// MemDevice is an in-memory Device used in tests and examples.
type MemDevice struct {
	data    []byte
	locator string
	mu      sync.RWMutex
	closed  bool
}

// NewMemDevice creates an in-memory device of the given size, zero-filled.
// The locator must be unique per logical device; tests that want to model
// "the same underlying storage" share one MemDevice instance instead.
func NewMemDevice(locator string, size int64) *MemDevice {
	return &MemDevice{
		data:    make([]byte, size),
		locator: locator,
	}
}

func (md *MemDevice) ReadAt(p []byte, off int64) (int, error) {
	md.mu.RLock()
	defer md.mu.RUnlock()

	if md.closed {
		return 0, ErrDeviceClosed
	}
	if off < 0 || off > int64(len(md.data)) {
		return 0, &RangeError{Op: "read", Offset: off, Length: len(p), Size: int64(len(md.data))}
	}

	n := copy(p, md.data[off:])
	if n < len(p) {
		return n, io.ErrUnexpectedEOF
	}
	return n, nil
}

func (md *MemDevice) WriteAt(p []byte, off int64) (int, error) {
	md.mu.Lock()
	defer md.mu.Unlock()

	if md.closed {
		return 0, ErrDeviceClosed
	}
	if off < 0 || off+int64(len(p)) > int64(len(md.data)) {
		return 0, &RangeError{Op: "write", Offset: off, Length: len(p), Size: int64(len(md.data))}
	}

	return copy(md.data[off:], p), nil
}

func (md *MemDevice) Size() (int64, error) {
	md.mu.RLock()
	defer md.mu.RUnlock()

	if md.closed {
		return 0, ErrDeviceClosed
	}
	return int64(len(md.data)), nil
}

func (md *MemDevice) Sync() error {
	md.mu.RLock()
	defer md.mu.RUnlock()

	if md.closed {
		return ErrDeviceClosed
	}
	return nil
}

func (md *MemDevice) Locator() string {
	return md.locator
}

func (md *MemDevice) Close() error {
	md.mu.Lock()
	defer md.mu.Unlock()

	md.closed = true
	return nil
}

// Reopen clears the closed state so the same underlying storage can be
// opened again, the way a container file can after its handle is closed.
// Test helper.
func (md *MemDevice) Reopen() {
	md.mu.Lock()
	md.closed = false
	md.mu.Unlock()
}

// Snapshot returns a copy of the raw device contents. Test helper.
func (md *MemDevice) Snapshot() []byte {
	md.mu.RLock()
	defer md.mu.RUnlock()

	out := make([]byte, len(md.data))
	copy(out, md.data)
	return out
}

// Corrupt flips a byte at the given offset. Test helper for integrity checks.
func (md *MemDevice) Corrupt(off int64) error {
	md.mu.Lock()
	defer md.mu.Unlock()

	if off < 0 || off >= int64(len(md.data)) {
		return fmt.Errorf("corrupt offset %d out of range", off)
	}
	md.data[off] ^= 0xff
	return nil
}
