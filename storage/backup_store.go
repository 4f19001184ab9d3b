package storage

import (
	"fmt"
	"time"
)

// BackupStore persists passphrase-sealed volume header backups. A header
// backup is the only thing that can resurrect a volume whose primary and
// backup headers were both damaged, so stores must treat writes as precious.
// All payloads handed to this interface are already sealed by the volume
// layer; the store never sees plaintext key material.
type BackupStore interface {
	// SaveBackup stores a header backup container under its BackupID.
	SaveBackup(container *BackupContainer) error

	// LoadBackup retrieves a header backup container by ID.
	LoadBackup(backupID string) (*BackupContainer, error)

	// ListBackups returns metadata for all stored header backups,
	// newest first.
	ListBackups() ([]BackupInfo, error)

	// DeleteBackup removes a stored header backup.
	DeleteBackup(backupID string) error

	// Ping tests connectivity for remote backends.
	Ping() error

	// Close releases any resources held by the store.
	Close() error

	// GetType returns the backend type, e.g. "filesystem" or "s3".
	GetType() string
}

// BackupContainer is the outer backup format with metadata. The sealed
// header region inside is opaque to the store.
type BackupContainer struct {
	// BackupID uniquely identifies this backup.
	BackupID string `json:"backup_id"`

	// CreatedAt is the UTC creation time of the backup.
	CreatedAt time.Time `json:"created_at"`

	// VolumeUUID identifies the volume the header belongs to.
	VolumeUUID string `json:"volume_uuid"`

	// FormatVersion is the header format version at backup time.
	FormatVersion uint16 `json:"format_version"`

	// Hidden records whether the header belongs to a hidden volume, which
	// determines the on-device slot a restore writes to.
	Hidden bool `json:"hidden,omitempty"`

	// EncryptionMethod describes how SealedHeader is protected,
	// e.g. "pbkdf2+chacha20poly1305".
	EncryptionMethod string `json:"encryption_method"`

	// Checksum is the SHA-256 of SealedHeader, verifiable without the
	// backup passphrase.
	Checksum string `json:"checksum"`

	// SealedHeader is the passphrase-encrypted header region.
	SealedHeader []byte `json:"sealed_header"`
}

// BackupInfo holds backup metadata readable without the backup passphrase.
type BackupInfo struct {
	BackupID         string    `json:"backup_id"`
	CreatedAt        time.Time `json:"created_at"`
	VolumeUUID       string    `json:"volume_uuid"`
	FormatVersion    uint16    `json:"format_version"`
	EncryptionMethod string    `json:"encryption_method"`
	Checksum         string    `json:"checksum"`
	Size             int64     `json:"size"`
	StorePath        string    `json:"store_path"` // Store-agnostic path/identifier
}

// BackupStoreConfig selects and configures a backup store backend.
type BackupStoreConfig struct {
	// Type specifies the storage backend to be used.
	Type BackupStoreType `json:"type"`

	// Path is the base directory for the filesystem backend.
	Path string `json:"path,omitempty"`

	// S3 configures the S3 backend.
	S3 *S3Config `json:"s3,omitempty"`
}

// BackupStoreType represents the supported backup store backends.
type BackupStoreType string

const (
	BackupStoreFileSystem BackupStoreType = "filesystem"
	BackupStoreS3         BackupStoreType = "s3"
)

// NewBackupStore creates a backup store from configuration.
func NewBackupStore(config BackupStoreConfig) (BackupStore, error) {
	switch config.Type {
	case BackupStoreFileSystem:
		return NewFileBackupStore(config.Path)
	case BackupStoreS3:
		if config.S3 == nil {
			return nil, fmt.Errorf("s3 configuration is required for the s3 backup store")
		}
		return NewS3BackupStore(*config.S3)
	default:
		return nil, fmt.Errorf("unknown backup store type: %s", config.Type)
	}
}
