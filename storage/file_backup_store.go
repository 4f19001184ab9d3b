package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const backupExtension = ".header"

// FileBackupStore keeps header backups as JSON files under a base directory.
type FileBackupStore struct {
	basePath string
	mu       sync.RWMutex
}

// NewFileBackupStore creates a filesystem-backed backup store rooted at
// basePath, creating the directory if needed.
func NewFileBackupStore(basePath string) (*FileBackupStore, error) {
	if basePath == "" {
		return nil, fmt.Errorf("backup store path is required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve backup store path: %w", err)
	}

	if err = os.MkdirAll(abs, 0700); err != nil {
		return nil, fmt.Errorf("failed to create backup store directory: %w", err)
	}

	return &FileBackupStore{basePath: abs}, nil
}

func (fs *FileBackupStore) SaveBackup(container *BackupContainer) error {
	if container == nil || container.BackupID == "" {
		return fmt.Errorf("backup container with a backup ID is required")
	}
	if err := validateBackupID(container.BackupID); err != nil {
		return err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	data, err := json.MarshalIndent(container, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize backup container: %w", err)
	}

	target := fs.backupPath(container.BackupID)

	// Write to a temp file then rename for atomicity
	tmp, err := os.CreateTemp(fs.basePath, ".backup-*")
	if err != nil {
		return fmt.Errorf("failed to create temp backup file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write backup file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync backup file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close backup file: %w", err)
	}
	if err = os.Chmod(tmpName, 0600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to set backup file permissions: %w", err)
	}
	if err = os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to finalize backup file: %w", err)
	}

	return nil
}

func (fs *FileBackupStore) LoadBackup(backupID string) (*BackupContainer, error) {
	if err := validateBackupID(backupID); err != nil {
		return nil, err
	}

	fs.mu.RLock()
	defer fs.mu.RUnlock()

	data, err := os.ReadFile(fs.backupPath(backupID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("backup %s not found: %w", backupID, err)
		}
		return nil, fmt.Errorf("failed to read backup file: %w", err)
	}

	var container BackupContainer
	if err = json.Unmarshal(data, &container); err != nil {
		return nil, fmt.Errorf("failed to parse backup container: %w", err)
	}

	return &container, nil
}

func (fs *FileBackupStore) ListBackups() ([]BackupInfo, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	entries, err := os.ReadDir(fs.basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read backup store directory: %w", err)
	}

	var infos []BackupInfo
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), backupExtension) {
			continue
		}

		path := filepath.Join(fs.basePath, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue // unreadable entries are skipped, not fatal
		}

		var container BackupContainer
		if err = json.Unmarshal(data, &container); err != nil {
			continue
		}

		infos = append(infos, BackupInfo{
			BackupID:         container.BackupID,
			CreatedAt:        container.CreatedAt,
			VolumeUUID:       container.VolumeUUID,
			FormatVersion:    container.FormatVersion,
			EncryptionMethod: container.EncryptionMethod,
			Checksum:         container.Checksum,
			Size:             int64(len(data)),
			StorePath:        path,
		})
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAt.After(infos[j].CreatedAt)
	})

	return infos, nil
}

func (fs *FileBackupStore) DeleteBackup(backupID string) error {
	if err := validateBackupID(backupID); err != nil {
		return err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := os.Remove(fs.backupPath(backupID)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("backup %s not found: %w", backupID, err)
		}
		return fmt.Errorf("failed to delete backup: %w", err)
	}
	return nil
}

func (fs *FileBackupStore) Ping() error {
	_, err := os.Stat(fs.basePath)
	if err != nil {
		return fmt.Errorf("backup store directory not accessible: %w", err)
	}
	return nil
}

func (fs *FileBackupStore) Close() error {
	return nil
}

func (fs *FileBackupStore) GetType() string {
	return string(BackupStoreFileSystem)
}

func (fs *FileBackupStore) backupPath(backupID string) string {
	return filepath.Join(fs.basePath, backupID+backupExtension)
}

// validateBackupID rejects IDs that could escape the store directory or
// object prefix.
func validateBackupID(backupID string) error {
	if backupID == "" {
		return fmt.Errorf("backup ID is required")
	}
	if strings.ContainsAny(backupID, "/\\") || strings.Contains(backupID, "..") {
		return fmt.Errorf("invalid backup ID: %s", backupID)
	}
	return nil
}
