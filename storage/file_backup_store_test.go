package storage

import (
	"crypto/rand"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testContainer(id string) *BackupContainer {
	sealed := make([]byte, 616)
	rand.Read(sealed)
	return &BackupContainer{
		BackupID:         id,
		CreatedAt:        time.Now().UTC(),
		VolumeUUID:       uuid.New().String(),
		FormatVersion:    1,
		EncryptionMethod: "pbkdf2-sha256+chacha20poly1305",
		Checksum:         "deadbeef",
		SealedHeader:     sealed,
	}
}

func TestFileBackupStoreSaveLoadDelete(t *testing.T) {
	store, err := NewFileBackupStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	assert.Equal(t, "filesystem", store.GetType())
	require.NoError(t, store.Ping())

	container := testContainer("backup-1")
	require.NoError(t, store.SaveBackup(container))

	loaded, err := store.LoadBackup("backup-1")
	require.NoError(t, err)
	assert.Equal(t, container.BackupID, loaded.BackupID)
	assert.Equal(t, container.VolumeUUID, loaded.VolumeUUID)
	assert.Equal(t, container.SealedHeader, loaded.SealedHeader)
	assert.Equal(t, container.Hidden, loaded.Hidden)

	require.NoError(t, store.DeleteBackup("backup-1"))
	_, err = store.LoadBackup("backup-1")
	assert.Error(t, err)
}

func TestFileBackupStoreOverwrite(t *testing.T) {
	store, err := NewFileBackupStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.SaveBackup(testContainer("backup-1")))

	replacement := testContainer("backup-1")
	require.NoError(t, store.SaveBackup(replacement))

	loaded, err := store.LoadBackup("backup-1")
	require.NoError(t, err)
	assert.Equal(t, replacement.SealedHeader, loaded.SealedHeader)
}

func TestFileBackupStoreListNewestFirst(t *testing.T) {
	store, err := NewFileBackupStore(t.TempDir())
	require.NoError(t, err)

	base := time.Now().UTC()
	for i := 0; i < 3; i++ {
		c := testContainer(fmt.Sprintf("backup-%d", i))
		c.CreatedAt = base.Add(time.Duration(i) * time.Hour)
		require.NoError(t, store.SaveBackup(c))
	}

	infos, err := store.ListBackups()
	require.NoError(t, err)
	require.Len(t, infos, 3)
	assert.Equal(t, "backup-2", infos[0].BackupID)
	assert.Equal(t, "backup-0", infos[2].BackupID)
	for _, info := range infos {
		assert.NotEmpty(t, info.StorePath)
		assert.Positive(t, info.Size)
	}
}

func TestFileBackupStoreRejectsTraversal(t *testing.T) {
	store, err := NewFileBackupStore(t.TempDir())
	require.NoError(t, err)

	for _, id := range []string{"", "../escape", "a/b", `a\b`, "x..y"} {
		c := testContainer("ok")
		c.BackupID = id
		assert.Error(t, store.SaveBackup(c), "id %q", id)
		_, err := store.LoadBackup(id)
		assert.Error(t, err, "id %q", id)
		assert.Error(t, store.DeleteBackup(id), "id %q", id)
	}
}

func TestFileBackupStoreDeleteMissing(t *testing.T) {
	store, err := NewFileBackupStore(t.TempDir())
	require.NoError(t, err)
	assert.Error(t, store.DeleteBackup("never-saved"))
}

func TestNewBackupStoreFactory(t *testing.T) {
	store, err := NewBackupStore(BackupStoreConfig{
		Type: BackupStoreFileSystem,
		Path: t.TempDir(),
	})
	require.NoError(t, err)
	assert.Equal(t, "filesystem", store.GetType())

	_, err = NewBackupStore(BackupStoreConfig{Type: BackupStoreS3})
	assert.Error(t, err, "s3 without config")

	_, err = NewBackupStore(BackupStoreConfig{Type: "carrier-pigeon"})
	assert.Error(t, err)
}
