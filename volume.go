package voluma

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"

	"southwinds.dev/voluma/storage"
)

// MountedVolume is a live handle to an unlocked volume. It is created by
// VolumeManager.Mount and stays valid until Unmount is called.
//
// All sector and byte I/O is safe for concurrent use. Full-sector reads and
// writes of disjoint ranges proceed in parallel; unaligned writes are
// serialized with each other because they read, modify and rewrite their
// boundary sectors.
//
// After Unmount every operation returns ErrVolumeNotMounted. The key
// material is discarded at unmount; a stale handle cannot decrypt anything.
type MountedVolume struct {
	manager   *VolumeManager
	device    storage.Device
	header    *VolumeHeader
	transform *SectorTransform
	seed      *memguard.Enclave
	workers   int
	readOnly  bool
	mountedAt time.Time

	// mu guards mounted and orders Unmount after in-flight I/O. rmwMu
	// serializes unaligned writes, which are read-modify-write cycles on
	// their boundary sectors.
	mu      sync.RWMutex
	rmwMu   sync.Mutex
	mounted bool
}

// UUID returns the volume's identity.
func (v *MountedVolume) UUID() uuid.UUID { return v.header.VolumeUUID }

// Device returns the locator of the backing device.
func (v *MountedVolume) Device() string { return v.device.Locator() }

// SectorSize returns the encryption sector size in bytes.
func (v *MountedVolume) SectorSize() uint32 { return v.header.SectorSize }

// SectorCount returns the number of sectors in the data region.
func (v *MountedVolume) SectorCount() uint64 { return v.header.sectorCount() }

// Size returns the usable data region size in bytes.
func (v *MountedVolume) Size() int64 { return int64(v.header.DataSize) }

// Hidden reports whether this is a hidden volume.
func (v *MountedVolume) Hidden() bool { return v.header.Hidden() }

// ReadOnly reports whether the volume was mounted read-only.
func (v *MountedVolume) ReadOnly() bool { return v.readOnly }

// MountedAt returns the time the volume was mounted.
func (v *MountedVolume) MountedAt() time.Time { return v.mountedAt }

// Suite returns the cipher suite protecting the data region.
func (v *MountedVolume) Suite() CipherSuite { return v.header.Suite }

// Info returns a summary of the mounted volume.
func (v *MountedVolume) Info() MountInfo {
	return MountInfo{
		VolumeUUID: v.header.VolumeUUID.String(),
		Device:     v.device.Locator(),
		Suite:      v.header.Suite.String(),
		SectorSize: v.header.SectorSize,
		Size:       int64(v.header.DataSize),
		Hidden:     v.header.Hidden(),
		ReadOnly:   v.readOnly,
		MountedAt:  v.mountedAt,
	}
}

// ReadSectors decrypts and returns count sectors starting at the given
// sector index. Ranges that extend past the end of the data region are
// rejected whole; no partial transfer occurs.
func (v *MountedVolume) ReadSectors(ctx context.Context, first uint64, count int) ([]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if !v.mounted {
		return nil, ErrVolumeNotMounted
	}
	return v.readSectors(ctx, first, count)
}

// WriteSectors encrypts and writes len(data)/SectorSize sectors starting at
// the given sector index. The data length must be a whole number of
// sectors. The caller's buffer is not modified.
func (v *MountedVolume) WriteSectors(ctx context.Context, first uint64, data []byte) error {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if !v.mounted {
		return ErrVolumeNotMounted
	}
	return v.writeSectors(ctx, first, data)
}

func (v *MountedVolume) readSectors(ctx context.Context, first uint64, count int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if count < 0 {
		return nil, fmt.Errorf("sector count cannot be negative: %d", count)
	}
	ss := uint64(v.header.SectorSize)
	if err := v.checkSectorRange("read", first, uint64(count)); err != nil {
		return nil, err
	}
	if count == 0 {
		return []byte{}, nil
	}

	buf := make([]byte, uint64(count)*ss)
	off := int64(v.header.DataOffset + first*ss)
	if _, err := v.device.ReadAt(buf, off); err != nil {
		return nil, fmt.Errorf("device read at offset %d: %w", off, err)
	}

	if err := v.forEachSector(ctx, buf, first, v.transform.DecryptSector); err != nil {
		memguard.WipeBytes(buf)
		return nil, err
	}
	return buf, nil
}

func (v *MountedVolume) writeSectors(ctx context.Context, first uint64, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if v.readOnly {
		return fmt.Errorf("volume %s is mounted read-only", v.header.VolumeUUID)
	}
	ss := uint64(v.header.SectorSize)
	if uint64(len(data))%ss != 0 {
		return fmt.Errorf("write length %d is not a multiple of sector size %d", len(data), ss)
	}
	count := uint64(len(data)) / ss
	if err := v.checkSectorRange("write", first, count); err != nil {
		return err
	}
	if count == 0 {
		return nil
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	defer memguard.WipeBytes(buf)

	if err := v.forEachSector(ctx, buf, first, v.transform.EncryptSector); err != nil {
		return err
	}

	off := int64(v.header.DataOffset + first*ss)
	if _, err := v.device.WriteAt(buf, off); err != nil {
		return fmt.Errorf("device write at offset %d: %w", off, err)
	}
	return nil
}

// checkSectorRange validates a sector range against the data region.
func (v *MountedVolume) checkSectorRange(op string, first, count uint64) error {
	total := v.header.sectorCount()
	if first > total || count > total-first {
		ss := int64(v.header.SectorSize)
		return &RangeViolation{
			Op:     op,
			Offset: int64(first) * ss,
			Length: int64(count) * ss,
			Limit:  int64(v.header.DataSize),
		}
	}
	return nil
}

// forEachSector runs fn over every sector of buf, fanning work out across
// the volume's worker count. The first error wins and remaining work is
// abandoned; callers discard the buffer on error.
func (v *MountedVolume) forEachSector(ctx context.Context, buf []byte, first uint64, fn func(uint64, []byte) error) error {
	ss := v.transform.SectorSize()
	n := len(buf) / ss

	workers := v.workers
	if workers > n {
		workers = n
	}
	if workers <= 1 {
		for i := 0; i < n; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(first+uint64(i), buf[i*ss:(i+1)*ss]); err != nil {
				return err
			}
		}
		return nil
	}

	var wg sync.WaitGroup
	errCh := make(chan error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := w; i < n; i += workers {
				if err := ctx.Err(); err != nil {
					errCh <- err
					return
				}
				if err := fn(first+uint64(i), buf[i*ss:(i+1)*ss]); err != nil {
					errCh <- err
					return
				}
			}
		}(w)
	}
	wg.Wait()

	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

// ReadAt decrypts length bytes starting at an arbitrary byte offset within
// the data region. Offsets need not be sector aligned; the covering sectors
// are decrypted and the requested window copied out.
func (v *MountedVolume) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if !v.mounted {
		return 0, ErrVolumeNotMounted
	}
	if err := v.checkByteRange("read", off, int64(len(p))); err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}

	ss := int64(v.header.SectorSize)
	first := off / ss
	last := (off + int64(len(p)) - 1) / ss

	buf, err := v.readSectors(ctx, uint64(first), int(last-first+1))
	if err != nil {
		return 0, err
	}
	defer memguard.WipeBytes(buf)

	copy(p, buf[off-first*ss:])
	return len(p), nil
}

// WriteAt encrypts and writes length bytes at an arbitrary byte offset.
// When the range is not sector aligned, the partially covered boundary
// sectors are read, patched and rewritten; unaligned writes are therefore
// serialized with each other while fully aligned writes are not.
func (v *MountedVolume) WriteAt(ctx context.Context, p []byte, off int64) (int, error) {
	ss := int64(v.header.SectorSize)
	aligned := off%ss == 0 && int64(len(p))%ss == 0

	if !aligned {
		v.rmwMu.Lock()
		defer v.rmwMu.Unlock()
	}

	v.mu.RLock()
	defer v.mu.RUnlock()
	if !v.mounted {
		return 0, ErrVolumeNotMounted
	}
	if err := v.checkByteRange("write", off, int64(len(p))); err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}

	if aligned {
		if err := v.writeSectors(ctx, uint64(off/ss), p); err != nil {
			return 0, err
		}
		return len(p), nil
	}

	first := off / ss
	last := (off + int64(len(p)) - 1) / ss

	buf, err := v.readSectors(ctx, uint64(first), int(last-first+1))
	if err != nil {
		return 0, err
	}
	defer memguard.WipeBytes(buf)

	copy(buf[off-first*ss:], p)

	if err := v.writeSectors(ctx, uint64(first), buf); err != nil {
		return 0, err
	}
	return len(p), nil
}

// checkByteRange validates a byte range against the data region.
func (v *MountedVolume) checkByteRange(op string, off, length int64) error {
	size := int64(v.header.DataSize)
	if off < 0 || length < 0 || off > size || length > size-off {
		return &RangeViolation{Op: op, Offset: off, Length: length, Limit: size}
	}
	return nil
}

// Sync flushes buffered writes on the backing device.
func (v *MountedVolume) Sync() error {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if !v.mounted {
		return ErrVolumeNotMounted
	}
	return v.device.Sync()
}

// Unmount flushes the device, discards the volume's key material and closes
// the backing device. The handle is dead afterwards; every subsequent
// operation returns ErrVolumeNotMounted. Unmounting twice returns
// ErrVolumeNotMounted as well. The device can be mounted again with the
// original credentials.
func (v *MountedVolume) Unmount() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.mounted {
		return ErrVolumeNotMounted
	}

	requestID := newRequestID()
	start := time.Now()

	syncErr := v.device.Sync()

	// Drop every reference to key material. The enclave ciphertext and the
	// transform's key schedules become unreachable together.
	v.mounted = false
	v.seed = nil
	v.transform = nil

	closeErr := v.device.Close()
	v.manager.forget(v.device.Locator())

	err := syncErr
	if err == nil {
		err = closeErr
	}
	v.manager.logAudit(requestID, "VOLUME_UNMOUNTED", err, map[string]interface{}{
		"volume_uuid": v.header.VolumeUUID.String(),
		"device":      v.device.Locator(),
		"duration_ms": time.Since(start).Milliseconds(),
	})
	if err != nil {
		return fmt.Errorf("unmount %s: %w", v.device.Locator(), err)
	}
	return nil
}
