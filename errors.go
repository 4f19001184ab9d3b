package voluma

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by volume operations. Callers should test with
// errors.Is because most operations wrap these with device context.
var (
	// ErrWrongPassword is returned when no header region on the device
	// decrypts to an authentic header under the supplied credentials. A
	// wrong passphrase, a missing keyfile and a device that never held a
	// volume all produce this same error; the on-disk format carries no
	// plaintext marker that could distinguish them.
	ErrWrongPassword = errors.New("authentication failed: wrong passphrase, wrong keyfiles, or not a volume")

	// ErrUnsupportedVersion is returned when a header authenticates but
	// declares a format version newer than this implementation understands.
	ErrUnsupportedVersion = errors.New("volume header has an unsupported format version")

	// ErrAlreadyMounted is returned when a mount is requested for a device
	// that already has a live mounted volume in this manager.
	ErrAlreadyMounted = errors.New("device is already mounted")

	// ErrVolumeNotMounted is returned when sector I/O or unmount is
	// attempted on a volume handle that has been unmounted.
	ErrVolumeNotMounted = errors.New("volume is not mounted")

	// ErrManagerClosed is returned by operations on a closed VolumeManager.
	ErrManagerClosed = errors.New("volume manager is closed")

	// ErrVolumeTooSmall is returned when a device is too small to hold the
	// header regions plus at least one data sector.
	ErrVolumeTooSmall = errors.New("device is too small to hold a volume")
)

// MountError wraps a mount failure with the device it occurred on.
type MountError struct {
	Device string
	Err    error
}

func (e *MountError) Error() string {
	return fmt.Sprintf("mount %s: %v", e.Device, e.Err)
}

func (e *MountError) Unwrap() error {
	return e.Err
}

// RangeViolation describes sector or byte I/O that falls outside the
// volume's data region. No partial transfer is performed.
type RangeViolation struct {
	Op     string // "read" or "write"
	Offset int64  // byte offset within the volume
	Length int64
	Limit  int64 // volume data size in bytes
}

func (e *RangeViolation) Error() string {
	return fmt.Sprintf("%s of %d bytes at offset %d exceeds volume size %d",
		e.Op, e.Length, e.Offset, e.Limit)
}
