package voluma

import (
	"context"

	"github.com/google/uuid"

	"southwinds.dev/voluma/audit"
	"southwinds.dev/voluma/internal/mem"
	"southwinds.dev/voluma/storage"
)

// VolumeService is the complete management surface of a volume manager.
// Callers that only consume volumes should depend on this interface rather
// than on *VolumeManager, for example to substitute a remote implementation
// or a test double.
type VolumeService interface {
	// Mount unlocks the volume in the container file at path.
	Mount(ctx context.Context, path string, opts MountOptions) (*MountedVolume, error)

	// MountDevice unlocks the volume on an already open device.
	MountDevice(ctx context.Context, device storage.Device, opts MountOptions) (*MountedVolume, error)

	// Unmount unmounts the volume mounted from the given device locator.
	Unmount(locator string) error

	// CreateVolume creates and formats a new container file.
	CreateVolume(ctx context.Context, path string, opts CreateOptions) (uuid.UUID, error)

	// FormatDevice formats an already open device.
	FormatDevice(ctx context.Context, device storage.Device, opts CreateOptions) (uuid.UUID, error)

	// Rekey changes the credentials of the volume at path.
	Rekey(ctx context.Context, path string, opts RekeyOptions) error

	// RekeyDevice changes the credentials of the volume on the device.
	RekeyDevice(ctx context.Context, device storage.Device, opts RekeyOptions) error

	// BackupHeader exports a sealed header backup into a store.
	BackupHeader(ctx context.Context, path string, opts MountOptions, backupPassphrase string, store storage.BackupStore) (*storage.BackupInfo, error)

	// RestoreHeader writes a backed up header region back onto a device.
	RestoreHeader(ctx context.Context, path, backupID, backupPassphrase string, store storage.BackupStore) error

	// Volume returns the mounted volume for a device locator, if any.
	Volume(locator string) (*MountedVolume, bool)

	// ListMounted summarizes every mounted volume.
	ListMounted() []MountInfo

	// QueryAuditLogs searches the audit trail.
	QueryAuditLogs(options audit.QueryOptions) (audit.QueryResult, error)

	// ProtectionLevel reports the memory protection achieved at startup.
	ProtectionLevel() mem.ProtectionLevel

	// Close unmounts everything and releases resources.
	Close() error
}

var _ VolumeService = (*VolumeManager)(nil)
