package voluma

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"

	"southwinds.dev/voluma/internal/kdf"
	"southwinds.dev/voluma/internal/misc"
	"southwinds.dev/voluma/storage"
)

// CreateVolume creates a new encrypted container file at path and formats
// it. The file must not exist. On any failure the partially written file is
// removed. Returns the UUID of the outer volume.
func (vm *VolumeManager) CreateVolume(ctx context.Context, path string, opts CreateOptions) (uuid.UUID, error) {
	device, err := storage.CreateFileDevice(path, opts.Size)
	if err != nil {
		return uuid.Nil, fmt.Errorf("create volume %s: %w", path, err)
	}

	id, err := vm.FormatDevice(ctx, device, opts)
	if err != nil {
		device.Close()
		os.Remove(device.Locator())
		return uuid.Nil, err
	}

	if err := device.Close(); err != nil {
		return uuid.Nil, fmt.Errorf("create volume %s: %w", path, err)
	}
	return id, nil
}

// FormatDevice writes a fresh volume layout onto an already open device,
// destroying whatever the device held before. The caller keeps ownership of
// the device.
//
// The layout is a primary header at offset 0, a backup header copy in the
// final 512 bytes, and the data region in between. The backup copy is
// encoded under its own salt, so the two header regions share no bytes even
// though they protect the same master seed; an attacker cannot even tell
// they are copies of each other.
//
// When opts requests a hidden volume, a second, independently keyed header
// is written into the hidden slot and its data region is carved from the
// tail of the outer data region. The outer volume's recorded size is NOT
// reduced: overwriting the tail of the outer volume destroys the hidden
// one, and that is the price of the hidden volume being undetectable.
func (vm *VolumeManager) FormatDevice(ctx context.Context, device storage.Device, opts CreateOptions) (uuid.UUID, error) {
	requestID := newRequestID()
	start := time.Now()
	locator := device.Locator()

	fail := func(err error) (uuid.UUID, error) {
		vm.logAudit(requestID, "VOLUME_CREATE_FAILED", err, map[string]interface{}{
			"device": locator,
		})
		return uuid.Nil, fmt.Errorf("format %s: %w", locator, err)
	}

	if err := opts.Validate(); err != nil {
		return fail(err)
	}
	if err := vm.reserve(locator); err != nil {
		return fail(err)
	}
	defer vm.release(locator)

	deviceSize, err := device.Size()
	if err != nil {
		return fail(err)
	}
	if deviceSize < MinDeviceSize {
		return fail(fmt.Errorf("%w: %d bytes, minimum is %d", ErrVolumeTooSmall, deviceSize, MinDeviceSize))
	}

	ss := opts.sectorSize()
	params := opts.kdfParams()
	if err := params.Validate(); err != nil {
		return fail(err)
	}

	dataOffset := uint64(DataRegionStart)
	dataSize := uint64(backupHeaderOffset(deviceSize)) - dataOffset
	dataSize -= dataSize % uint64(ss)
	if dataSize == 0 {
		return fail(ErrVolumeTooSmall)
	}

	// Hidden volume geometry: the hidden data region ends where the backup
	// header begins and is sector aligned from there backwards.
	var hiddenOffset, hiddenSize uint64
	if opts.HiddenSize > 0 {
		hiddenSize = uint64(opts.HiddenSize)
		if rem := hiddenSize % uint64(ss); rem != 0 {
			hiddenSize += uint64(ss) - rem
		}
		end := uint64(backupHeaderOffset(deviceSize))
		end -= end % uint64(ss)
		if hiddenSize >= dataSize {
			return fail(fmt.Errorf("hidden volume of %d bytes does not fit inside a %d byte data region", hiddenSize, dataSize))
		}
		hiddenOffset = end - hiddenSize
	}

	passphrase, err := opts.passphrase()
	if err != nil {
		return fail(err)
	}
	keyfileDigest, err := KeyfileDigest(opts.KeyfilePaths)
	if err != nil {
		return fail(err)
	}

	// Random bytes everywhere a header region or (optionally) data could
	// live. Regions that never receive a header must be indistinguishable
	// from regions that do.
	if err := fillRandom(ctx, device, HeaderSize, DataRegionStart); err != nil {
		return fail(err)
	}
	if opts.FillRandom {
		if err := fillRandom(ctx, device, DataRegionStart, backupHeaderOffset(deviceSize)); err != nil {
			return fail(err)
		}
	}

	outer := &VolumeHeader{
		Version:    misc.HeaderVersion,
		Suite:      opts.suite(),
		KDF:        params,
		SectorSize: ss,
		VolumeUUID: uuid.New(),
		VolumeSize: uint64(deviceSize),
		DataOffset: dataOffset,
		DataSize:   dataSize,
		CreatedAt:  time.Now().UTC(),
	}

	seed, err := newSeedEnclave()
	if err != nil {
		return fail(err)
	}

	if err := writeHeader(ctx, device, outer, seed, []byte(passphrase), keyfileDigest, PrimaryHeaderOffset); err != nil {
		return fail(err)
	}
	if err := writeHeader(ctx, device, outer, seed, []byte(passphrase), keyfileDigest, backupHeaderOffset(deviceSize)); err != nil {
		return fail(err)
	}

	if opts.HiddenSize > 0 {
		hiddenPassphrase, err := MountOptions{
			Passphrase: opts.HiddenPassphrase,
		}.passphrase()
		if err != nil {
			return fail(err)
		}
		hiddenDigest, err := KeyfileDigest(opts.HiddenKeyfilePaths)
		if err != nil {
			return fail(err)
		}

		hidden := &VolumeHeader{
			Version:    misc.HeaderVersion,
			Suite:      opts.suite(),
			KDF:        params,
			SectorSize: ss,
			VolumeUUID: uuid.New(),
			VolumeSize: uint64(deviceSize),
			DataOffset: hiddenOffset,
			DataSize:   hiddenSize,
			Flags:      FlagHidden,
			CreatedAt:  time.Now().UTC(),
		}

		hiddenSeed, err := newSeedEnclave()
		if err != nil {
			return fail(err)
		}
		if err := writeHeader(ctx, device, hidden, hiddenSeed, []byte(hiddenPassphrase), hiddenDigest, HiddenHeaderOffset); err != nil {
			return fail(err)
		}
	}

	if err := device.Sync(); err != nil {
		return fail(err)
	}

	md := map[string]interface{}{
		"volume_uuid": outer.VolumeUUID.String(),
		"device":      locator,
		"suite":       outer.Suite.String(),
		"sector_size": ss,
		"kdf":         params.PRF.String(),
		"fill_random": opts.FillRandom,
		"duration_ms": time.Since(start).Milliseconds(),
	}
	// The hidden volume's UUID is never audited; its presence in a log
	// would defeat deniability. Creation of the outer volume alone is
	// recorded.
	vm.logAudit(requestID, "VOLUME_CREATED", nil, md)

	return outer.VolumeUUID, nil
}

// newSeedEnclave generates a fresh master seed directly inside an enclave.
func newSeedEnclave() (*memguard.Enclave, error) {
	seed, err := randomBytes(misc.KeySize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate master seed: %w", err)
	}
	return memguard.NewEnclave(seed), nil
}

// writeHeader derives a fresh salt and header key for the given offset and
// writes the encoded header region there.
func writeHeader(ctx context.Context, device storage.Device, h *VolumeHeader, seed *memguard.Enclave, passphrase, keyfileDigest []byte, offset int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	salt, err := randomBytes(headerSaltSize)
	if err != nil {
		return err
	}

	saltCopy := make([]byte, len(salt))
	copy(saltCopy, salt)
	key, err := kdf.Derive(passphrase, keyfileDigest, memguard.NewEnclave(saltCopy), h.KDF)
	if err != nil {
		return fmt.Errorf("key derivation failed: %w", err)
	}
	defer key.Destroy()

	block, err := h.Encode(seed, salt, key)
	if err != nil {
		return err
	}

	if _, err := device.WriteAt(block, offset); err != nil {
		return fmt.Errorf("failed to write header at offset %d: %w", offset, err)
	}
	return nil
}

// fillRandom overwrites [from, to) on the device with random bytes in
// chunks, honoring cancellation between chunks.
func fillRandom(ctx context.Context, device storage.Device, from, to int64) error {
	const chunkSize = 1 << 20

	buf := make([]byte, chunkSize)
	for off := from; off < to; {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := int64(chunkSize)
		if off+n > to {
			n = to - off
		}
		if _, err := io.ReadFull(rand.Reader, buf[:n]); err != nil {
			return fmt.Errorf("failed to generate random fill: %w", err)
		}
		if _, err := device.WriteAt(buf[:n], off); err != nil {
			return fmt.Errorf("failed to write random fill at offset %d: %w", off, err)
		}
		off += n
	}
	return nil
}
