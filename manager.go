package voluma

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/awnumar/memguard"

	"southwinds.dev/voluma/audit"
	"southwinds.dev/voluma/internal/debug"
	"southwinds.dev/voluma/internal/kdf"
	"southwinds.dev/voluma/internal/mem"
	"southwinds.dev/voluma/storage"
)

func init() {
	// Wipe enclaves and locked buffers if the process is interrupted
	memguard.CatchInterrupt()
}

// VolumeManager creates, mounts and administers encrypted volumes. It
// tracks every volume it has mounted, keyed by device locator, and refuses
// a second concurrent mount of the same device.
//
// A manager is safe for concurrent use. Closing it unmounts everything it
// still tracks.
type VolumeManager struct {
	options    Options
	auditLog   audit.Logger
	protection mem.ProtectionLevel
	workers    int

	mu       sync.Mutex
	mounted  map[string]*MountedVolume
	mounting map[string]bool // locators with a mount in flight
	closed   bool
}

// NewVolumeManager creates a manager. When memory locking is enabled the
// achieved protection level is recorded and available via
// ProtectionLevel(); a lock refused by the OS degrades the level instead of
// failing creation.
func NewVolumeManager(options Options) (*VolumeManager, error) {
	if err := options.Validate(); err != nil {
		return nil, fmt.Errorf("invalid manager options: %w", err)
	}

	auditLog, err := audit.NewLogger(options.Audit)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize audit logging: %w", err)
	}

	protection := mem.ProtectionNone
	if options.EnableMemoryLock {
		level, err := mem.Lock()
		if err != nil {
			debug.Print("memory lock failed: %v\n", err)
		}
		protection = level
	}

	workers := options.Workers
	if workers == 0 {
		workers = runtime.NumCPU()
	}

	vm := &VolumeManager{
		options:    options,
		auditLog:   auditLog,
		protection: protection,
		workers:    workers,
		mounted:    make(map[string]*MountedVolume),
		mounting:   make(map[string]bool),
	}

	vm.logAudit(newRequestID(), "MANAGER_INITIALIZED", nil, map[string]interface{}{
		"memory_protection": protection.String(),
		"workers":           workers,
	})

	return vm, nil
}

// ProtectionLevel reports the memory protection achieved at creation.
func (vm *VolumeManager) ProtectionLevel() mem.ProtectionLevel {
	return vm.protection
}

// Mount opens the container file at path and unlocks the volume it holds.
// See MountDevice for the unlock semantics.
func (vm *VolumeManager) Mount(ctx context.Context, path string, opts MountOptions) (*MountedVolume, error) {
	device, err := storage.OpenFileDevice(path)
	if err != nil {
		return nil, &MountError{Device: path, Err: err}
	}
	v, err := vm.MountDevice(ctx, device, opts)
	if err != nil {
		device.Close()
		return nil, err
	}
	return v, nil
}

// MountDevice unlocks the volume on an already open device. On success the
// manager owns the device and closes it at unmount; on failure the caller
// keeps ownership.
//
// The header regions are probed in a fixed order: primary, hidden, backup.
// The first region that authenticates under the supplied credentials
// selects the volume, which is how a hidden volume's passphrase mounts the
// hidden volume through the very same call. When no region authenticates
// the error is ErrWrongPassword, for a wrong passphrase and for a device
// that never held a volume alike.
//
// Key derivation is deliberately slow; ctx is checked between derivation
// attempts and before device I/O, so cancellation takes effect at the next
// boundary rather than instantly.
func (vm *VolumeManager) MountDevice(ctx context.Context, device storage.Device, opts MountOptions) (*MountedVolume, error) {
	requestID := newRequestID()
	start := time.Now()
	locator := device.Locator()

	fail := func(err error) (*MountedVolume, error) {
		action := "MOUNT_FAILED"
		if errors.Is(err, ErrWrongPassword) {
			action = "MOUNT_REJECTED"
		}
		vm.logAudit(requestID, action, err, map[string]interface{}{
			"device":      locator,
			"duration_ms": time.Since(start).Milliseconds(),
		})
		return nil, &MountError{Device: locator, Err: err}
	}

	if err := opts.Validate(); err != nil {
		return fail(err)
	}

	if err := vm.reserve(locator); err != nil {
		return fail(err)
	}
	defer vm.release(locator)

	passphrase, err := opts.passphrase()
	if err != nil {
		return fail(err)
	}
	keyfileDigest, err := KeyfileDigest(opts.KeyfilePaths)
	if err != nil {
		return fail(err)
	}

	header, seed, err := vm.probeHeaders(ctx, device, []byte(passphrase), keyfileDigest, opts.KDF)
	if err != nil {
		return fail(err)
	}

	deviceSize, err := device.Size()
	if err != nil {
		return fail(err)
	}
	if header.DataOffset+header.DataSize > uint64(deviceSize) {
		return fail(fmt.Errorf("header data region [%d, %d) exceeds device size %d",
			header.DataOffset, header.DataOffset+header.DataSize, deviceSize))
	}

	transform, err := NewSectorTransform(header.Suite, header.SectorSize, seed)
	if err != nil {
		return fail(err)
	}

	v := &MountedVolume{
		manager:   vm,
		device:    device,
		header:    header,
		transform: transform,
		seed:      seed,
		workers:   vm.workers,
		readOnly:  opts.ReadOnly,
		mountedAt: time.Now().UTC(),
		mounted:   true,
	}

	vm.mu.Lock()
	if vm.closed {
		vm.mu.Unlock()
		return fail(ErrManagerClosed)
	}
	vm.mounted[locator] = v
	vm.mu.Unlock()

	vm.logAudit(requestID, "VOLUME_MOUNTED", nil, map[string]interface{}{
		"volume_uuid": header.VolumeUUID.String(),
		"device":      locator,
		"suite":       header.Suite.String(),
		"hidden":      header.Hidden(),
		"read_only":   opts.ReadOnly,
		"duration_ms": time.Since(start).Milliseconds(),
	})

	return v, nil
}

// probeHeaders tries each header location against each candidate derivation
// parameter set and returns the first header that authenticates.
//
// Device read errors abort the probe immediately and are reported verbatim;
// an unreadable region is an I/O problem, not an authentication failure,
// and retrying authentication cannot fix it.
func (vm *VolumeManager) probeHeaders(ctx context.Context, device storage.Device, passphrase, keyfileDigest []byte, pinned *kdf.Params) (*VolumeHeader, *memguard.Enclave, error) {
	deviceSize, err := device.Size()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to determine device size: %w", err)
	}
	if deviceSize < MinDeviceSize {
		// Too small to hold any header layout. Indistinguishable from a
		// device that never held a volume.
		return nil, nil, ErrWrongPassword
	}

	candidates := candidateParams(pinned)
	block := make([]byte, HeaderSize)

	for _, off := range probeOffsets(deviceSize) {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		if _, err := device.ReadAt(block, off); err != nil {
			return nil, nil, fmt.Errorf("failed to read header region at offset %d: %w", off, err)
		}
		salt, err := headerSalt(block)
		if err != nil {
			return nil, nil, err
		}
		saltEnclave := memguard.NewEnclave(salt)

		for _, params := range candidates {
			if err := ctx.Err(); err != nil {
				return nil, nil, err
			}
			key, err := kdf.Derive(passphrase, keyfileDigest, saltEnclave, params)
			if err != nil {
				return nil, nil, fmt.Errorf("key derivation failed: %w", err)
			}
			header, seed, err := DecodeHeader(block, key)
			key.Destroy()
			if err == nil {
				debug.Print("header authenticated at offset %d with %s\n", off, params.PRF)
				return header, seed, nil
			}
			if errors.Is(err, ErrUnsupportedVersion) {
				// The region authenticated, it is just newer than us.
				return nil, nil, err
			}
			if !errors.Is(err, ErrWrongPassword) {
				// Authenticated but structurally invalid.
				return nil, nil, err
			}
		}
	}

	return nil, nil, ErrWrongPassword
}

// reserve claims a locator for a mount attempt.
func (vm *VolumeManager) reserve(locator string) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if vm.closed {
		return ErrManagerClosed
	}
	if _, ok := vm.mounted[locator]; ok {
		return ErrAlreadyMounted
	}
	if vm.mounting[locator] {
		return ErrAlreadyMounted
	}
	vm.mounting[locator] = true
	return nil
}

func (vm *VolumeManager) release(locator string) {
	vm.mu.Lock()
	delete(vm.mounting, locator)
	vm.mu.Unlock()
}

// forget removes an unmounted volume from the registry.
func (vm *VolumeManager) forget(locator string) {
	vm.mu.Lock()
	delete(vm.mounted, locator)
	vm.mu.Unlock()
}

// Volume returns the mounted volume for a device locator, if any.
func (vm *VolumeManager) Volume(locator string) (*MountedVolume, bool) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	v, ok := vm.mounted[locator]
	return v, ok
}

// MountInfo summarizes one mounted volume.
type MountInfo struct {
	VolumeUUID string    `json:"volume_uuid"`
	Device     string    `json:"device"`
	Suite      string    `json:"suite"`
	SectorSize uint32    `json:"sector_size"`
	Size       int64     `json:"size"`
	Hidden     bool      `json:"hidden"`
	ReadOnly   bool      `json:"read_only"`
	MountedAt  time.Time `json:"mounted_at"`
}

// ListMounted returns a summary of every volume this manager has mounted.
func (vm *VolumeManager) ListMounted() []MountInfo {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	infos := make([]MountInfo, 0, len(vm.mounted))
	for _, v := range vm.mounted {
		infos = append(infos, v.Info())
	}
	return infos
}

// Unmount unmounts the volume mounted from the given device locator.
func (vm *VolumeManager) Unmount(locator string) error {
	vm.mu.Lock()
	v, ok := vm.mounted[locator]
	vm.mu.Unlock()
	if !ok {
		return ErrVolumeNotMounted
	}
	return v.Unmount()
}

// QueryAuditLogs searches the manager's audit trail.
func (vm *VolumeManager) QueryAuditLogs(options audit.QueryOptions) (audit.QueryResult, error) {
	return vm.auditLog.Query(options)
}

// Close unmounts every tracked volume and shuts the manager down. The first
// unmount error is reported but the close continues through the remaining
// volumes.
func (vm *VolumeManager) Close() error {
	vm.mu.Lock()
	if vm.closed {
		vm.mu.Unlock()
		return nil
	}
	vm.closed = true
	volumes := make([]*MountedVolume, 0, len(vm.mounted))
	for _, v := range vm.mounted {
		volumes = append(volumes, v)
	}
	vm.mu.Unlock()

	var firstErr error
	for _, v := range volumes {
		if err := v.Unmount(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	vm.logAudit(newRequestID(), "MANAGER_CLOSED", firstErr, map[string]interface{}{
		"volumes_unmounted": len(volumes),
	})

	if vm.options.EnableMemoryLock {
		if err := mem.Unlock(); err != nil {
			debug.Print("memory unlock failed: %v\n", err)
		}
	}

	if err := vm.auditLog.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// logAudit emits one audit event. Audit failures never fail the operation
// being audited.
func (vm *VolumeManager) logAudit(requestID, action string, opErr error, metadata map[string]interface{}) {
	if vm.auditLog == nil {
		return
	}
	md := make(map[string]interface{}, len(metadata)+3)
	for k, v := range metadata {
		md[k] = v
	}
	md["request_id"] = requestID
	if vm.options.UserID != "" {
		md["user_id"] = vm.options.UserID
	}
	if opErr != nil {
		md["error"] = opErr.Error()
	}
	if err := vm.auditLog.Log(action, opErr == nil, md); err != nil {
		debug.Print("audit log failed for %s: %v\n", action, err)
	}
}
