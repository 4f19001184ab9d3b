package voluma

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"southwinds.dev/voluma/internal/crypto"
	"southwinds.dev/voluma/storage"
)

// backupEncryptionMethod describes the envelope protecting SealedHeader.
const backupEncryptionMethod = "pbkdf2-sha256+chacha20poly1305"

// BackupHeader exports the header region of the volume in the container at
// path into a BackupStore, sealed under backupPassphrase.
//
// The volume credentials in opts must authenticate first; a header is only
// exported by someone who can open the volume. The exported bytes are the
// raw on-disk header region, so a later restore reinstates the exact
// credentials and salts that were in effect at backup time. The backup
// passphrase is independent of the volume passphrase and protects the
// sealed header at rest in the store.
func (vm *VolumeManager) BackupHeader(ctx context.Context, path string, opts MountOptions, backupPassphrase string, store storage.BackupStore) (*storage.BackupInfo, error) {
	device, err := storage.OpenFileDevice(path)
	if err != nil {
		return nil, fmt.Errorf("backup header %s: %w", path, err)
	}
	defer device.Close()
	return vm.BackupHeaderDevice(ctx, device, opts, backupPassphrase, store)
}

// BackupHeaderDevice is BackupHeader for an already open device.
func (vm *VolumeManager) BackupHeaderDevice(ctx context.Context, device storage.Device, opts MountOptions, backupPassphrase string, store storage.BackupStore) (*storage.BackupInfo, error) {
	requestID := newRequestID()
	start := time.Now()
	locator := device.Locator()

	fail := func(err error) (*storage.BackupInfo, error) {
		vm.logAudit(requestID, "HEADER_BACKUP_FAILED", err, map[string]interface{}{
			"device": locator,
		})
		return nil, fmt.Errorf("backup header %s: %w", locator, err)
	}

	if backupPassphrase == "" {
		return fail(fmt.Errorf("backup passphrase cannot be empty"))
	}
	if err := opts.Validate(); err != nil {
		return fail(err)
	}

	passphrase, err := opts.passphrase()
	if err != nil {
		return fail(err)
	}
	keyfileDigest, err := KeyfileDigest(opts.KeyfilePaths)
	if err != nil {
		return fail(err)
	}

	header, _, err := vm.probeHeaders(ctx, device, []byte(passphrase), keyfileDigest, opts.KDF)
	if err != nil {
		return fail(err)
	}

	// Export the authoritative slot for this volume, not whichever copy
	// happened to authenticate.
	offset := PrimaryHeaderOffset
	if header.Hidden() {
		offset = HiddenHeaderOffset
	}
	block := make([]byte, HeaderSize)
	if _, err := device.ReadAt(block, offset); err != nil {
		return fail(fmt.Errorf("failed to read header region: %w", err))
	}

	sealed, err := crypto.SealWithPassphrase(block, backupPassphrase)
	if err != nil {
		return fail(fmt.Errorf("failed to seal header: %w", err))
	}

	container := &storage.BackupContainer{
		BackupID:         uuid.New().String(),
		CreatedAt:        time.Now().UTC(),
		VolumeUUID:       header.VolumeUUID.String(),
		FormatVersion:    header.Version,
		Hidden:           header.Hidden(),
		EncryptionMethod: backupEncryptionMethod,
		Checksum:         crypto.Checksum(sealed),
		SealedHeader:     sealed,
	}
	if err := store.SaveBackup(container); err != nil {
		return fail(fmt.Errorf("failed to store backup: %w", err))
	}

	md := map[string]interface{}{
		"backup_id":   container.BackupID,
		"device":      locator,
		"store":       store.GetType(),
		"duration_ms": time.Since(start).Milliseconds(),
	}
	if !header.Hidden() {
		md["volume_uuid"] = header.VolumeUUID.String()
	}
	vm.logAudit(requestID, "HEADER_BACKED_UP", nil, md)

	return &storage.BackupInfo{
		BackupID:         container.BackupID,
		CreatedAt:        container.CreatedAt,
		VolumeUUID:       container.VolumeUUID,
		FormatVersion:    container.FormatVersion,
		EncryptionMethod: container.EncryptionMethod,
		Checksum:         container.Checksum,
		Size:             int64(len(sealed)),
	}, nil
}

// RestoreHeader writes a previously backed up header region back onto the
// container at path, overwriting the slot the backup came from (primary for
// an outer volume, the hidden slot for a hidden one).
//
// The restore is blind: the volume credentials inside the restored header
// cannot be verified here, only the backup passphrase and the container
// checksum. Restoring a header from a different volume onto this device
// will succeed and render the data unreadable, which is also what makes
// restore the recovery path after both on-device headers are destroyed.
func (vm *VolumeManager) RestoreHeader(ctx context.Context, path, backupID, backupPassphrase string, store storage.BackupStore) error {
	device, err := storage.OpenFileDevice(path)
	if err != nil {
		return fmt.Errorf("restore header %s: %w", path, err)
	}
	defer device.Close()
	return vm.RestoreHeaderDevice(ctx, device, backupID, backupPassphrase, store)
}

// RestoreHeaderDevice is RestoreHeader for an already open device.
func (vm *VolumeManager) RestoreHeaderDevice(ctx context.Context, device storage.Device, backupID, backupPassphrase string, store storage.BackupStore) error {
	requestID := newRequestID()
	start := time.Now()
	locator := device.Locator()

	fail := func(err error) error {
		vm.logAudit(requestID, "HEADER_RESTORE_FAILED", err, map[string]interface{}{
			"backup_id": backupID,
			"device":    locator,
		})
		return fmt.Errorf("restore header %s: %w", locator, err)
	}

	if err := ctx.Err(); err != nil {
		return fail(err)
	}
	if err := vm.reserve(locator); err != nil {
		return fail(err)
	}
	defer vm.release(locator)

	container, err := store.LoadBackup(backupID)
	if err != nil {
		return fail(fmt.Errorf("failed to load backup: %w", err))
	}
	if sum := crypto.Checksum(container.SealedHeader); sum != container.Checksum {
		return fail(fmt.Errorf("backup %s is corrupt: checksum mismatch", backupID))
	}

	block, err := crypto.OpenWithPassphrase(container.SealedHeader, backupPassphrase)
	if err != nil {
		return fail(fmt.Errorf("failed to unseal backup: %w", err))
	}
	if len(block) != HeaderSize {
		return fail(fmt.Errorf("backup %s holds %d bytes, expected a %d byte header region", backupID, len(block), HeaderSize))
	}

	deviceSize, err := device.Size()
	if err != nil {
		return fail(err)
	}
	if deviceSize < MinDeviceSize {
		return fail(fmt.Errorf("%w: %d bytes", ErrVolumeTooSmall, deviceSize))
	}

	offset := PrimaryHeaderOffset
	if container.Hidden {
		offset = HiddenHeaderOffset
	}
	if _, err := device.WriteAt(block, offset); err != nil {
		return fail(fmt.Errorf("failed to write header region: %w", err))
	}
	if err := device.Sync(); err != nil {
		return fail(err)
	}

	md := map[string]interface{}{
		"backup_id":   backupID,
		"device":      locator,
		"duration_ms": time.Since(start).Milliseconds(),
	}
	if !container.Hidden {
		md["volume_uuid"] = container.VolumeUUID
	}
	vm.logAudit(requestID, "HEADER_RESTORED", nil, md)
	return nil
}
