package storage

import (
	"errors"
	"fmt"
)

// Device is an abstraction over a block-addressable byte range - a container
// file or a raw disk device. The volume layer performs all sector I/O through
// this interface and never assumes a particular storage medium. All data
// written through a Device is ciphertext; the encryption happens above.
//
// Implementations must support concurrent ReadAt/WriteAt calls on
// non-overlapping ranges.
type Device interface {
	// ReadAt reads len(p) bytes starting at byte offset off.
	// Short reads return an error, matching io.ReaderAt semantics.
	ReadAt(p []byte, off int64) (int, error)

	// WriteAt writes len(p) bytes starting at byte offset off.
	WriteAt(p []byte, off int64) (int, error)

	// Size returns the total size of the device in bytes.
	Size() (int64, error)

	// Sync flushes buffered writes to the underlying medium.
	Sync() error

	// Locator returns a stable identity for the underlying storage,
	// used to reject concurrent mounts of the same container.
	Locator() string

	// Close releases the device handle.
	Close() error
}

// ErrDeviceClosed is returned for I/O through a closed device.
var ErrDeviceClosed = errors.New("storage: device is closed")

// RangeError reports an I/O request that falls outside the device bounds.
type RangeError struct {
	Op     string
	Offset int64
	Length int
	Size   int64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("storage: %s of %d bytes at offset %d exceeds device size %d",
		e.Op, e.Length, e.Offset, e.Size)
}
