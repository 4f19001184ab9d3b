package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const ctxTimeout = 10 * time.Second

// S3Config holds the connection settings for the S3 backup store.
type S3Config struct {
	Endpoint        string `json:"endpoint"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	UseSSL          bool   `json:"use_ssl"`
	Region          string `json:"region"`
	Bucket          string `json:"bucket"`
	KeyPrefix       string `json:"key_prefix"`
}

// S3BackupStore implements BackupStore against an S3-compatible endpoint.
//
// Object layout:
//
//	bucket/
//	└── [keyPrefix/]headers/
//	    ├── <backup-id>.header   # sealed header backup container (JSON)
//	    └── ...
type S3BackupStore struct {
	client     *minio.Client
	bucketName string
	keyPrefix  string
}

// NewS3BackupStore connects to the S3 endpoint and ensures the bucket exists.
func NewS3BackupStore(config S3Config) (*S3BackupStore, error) {
	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	store := &S3BackupStore{
		client:     client,
		bucketName: config.Bucket,
		keyPrefix:  config.KeyPrefix,
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	if err = store.ensureBucket(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure bucket exists: %w", err)
	}

	return store, nil
}

func (s3s *S3BackupStore) SaveBackup(container *BackupContainer) error {
	if container == nil || container.BackupID == "" {
		return fmt.Errorf("backup container with a backup ID is required")
	}
	if err := validateBackupID(container.BackupID); err != nil {
		return err
	}

	data, err := json.Marshal(container)
	if err != nil {
		return fmt.Errorf("failed to serialize backup container: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	objectName := s3s.backupObjectName(container.BackupID)
	_, err = s3s.client.PutObject(ctx, s3s.bucketName, objectName,
		bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
			ContentType: "application/json",
			UserMetadata: map[string]string{
				"volume-uuid": container.VolumeUUID,
				"created-at":  container.CreatedAt.UTC().Format(time.RFC3339),
			},
		})
	if err != nil {
		return fmt.Errorf("failed to store backup object: %w", err)
	}

	return nil
}

func (s3s *S3BackupStore) LoadBackup(backupID string) (*BackupContainer, error) {
	if err := validateBackupID(backupID); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	object, err := s3s.client.GetObject(ctx, s3s.bucketName, s3s.backupObjectName(backupID), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get backup object: %w", err)
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		if s3s.isNotFoundError(err) {
			return nil, fmt.Errorf("backup %s not found: %w", backupID, err)
		}
		return nil, fmt.Errorf("failed to read backup object: %w", err)
	}

	var container BackupContainer
	if err = json.Unmarshal(data, &container); err != nil {
		return nil, fmt.Errorf("failed to parse backup container: %w", err)
	}

	return &container, nil
}

func (s3s *S3BackupStore) ListBackups() ([]BackupInfo, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	prefix := s3s.buildPath("headers") + "/"
	var infos []BackupInfo

	for object := range s3s.client.ListObjects(ctx, s3s.bucketName, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if object.Err != nil {
			return nil, fmt.Errorf("failed to list backup objects: %w", object.Err)
		}
		if !strings.HasSuffix(object.Key, backupExtension) {
			continue
		}

		backupID := strings.TrimSuffix(strings.TrimPrefix(object.Key, prefix), backupExtension)

		container, err := s3s.LoadBackup(backupID)
		if err != nil {
			continue // unreadable entries are skipped, not fatal
		}

		infos = append(infos, BackupInfo{
			BackupID:         container.BackupID,
			CreatedAt:        container.CreatedAt,
			VolumeUUID:       container.VolumeUUID,
			FormatVersion:    container.FormatVersion,
			EncryptionMethod: container.EncryptionMethod,
			Checksum:         container.Checksum,
			Size:             object.Size,
			StorePath:        object.Key,
		})
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAt.After(infos[j].CreatedAt)
	})

	return infos, nil
}

func (s3s *S3BackupStore) DeleteBackup(backupID string) error {
	if err := validateBackupID(backupID); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	objectName := s3s.backupObjectName(backupID)

	// StatObject first so a missing backup is reported as such; RemoveObject
	// alone succeeds silently for absent keys
	if _, err := s3s.client.StatObject(ctx, s3s.bucketName, objectName, minio.StatObjectOptions{}); err != nil {
		if s3s.isNotFoundError(err) {
			return fmt.Errorf("backup %s not found: %w", backupID, err)
		}
		return fmt.Errorf("failed to stat backup object: %w", err)
	}

	if err := s3s.client.RemoveObject(ctx, s3s.bucketName, objectName, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete backup object: %w", err)
	}
	return nil
}

func (s3s *S3BackupStore) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	exists, err := s3s.client.BucketExists(ctx, s3s.bucketName)
	if err != nil {
		return fmt.Errorf("failed to reach S3 endpoint: %w", err)
	}
	if !exists {
		return fmt.Errorf("bucket %s does not exist", s3s.bucketName)
	}
	return nil
}

func (s3s *S3BackupStore) Close() error {
	// minio clients hold no resources requiring explicit release
	return nil
}

func (s3s *S3BackupStore) GetType() string {
	return string(BackupStoreS3)
}

func (s3s *S3BackupStore) ensureBucket(ctx context.Context) error {
	exists, err := s3s.client.BucketExists(ctx, s3s.bucketName)
	if err != nil {
		return fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err = s3s.client.MakeBucket(ctx, s3s.bucketName, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}
	return nil
}

func (s3s *S3BackupStore) backupObjectName(backupID string) string {
	return s3s.buildPath("headers", backupID+backupExtension)
}

func (s3s *S3BackupStore) buildPath(components ...string) string {
	parts := make([]string, 0, len(components)+1)
	if s3s.keyPrefix != "" {
		parts = append(parts, strings.Trim(s3s.keyPrefix, "/"))
	}
	parts = append(parts, components...)
	return strings.Join(parts, "/")
}

func (s3s *S3BackupStore) isNotFoundError(err error) bool {
	var errResp minio.ErrorResponse
	if errors.As(err, &errResp) {
		return errResp.Code == "NoSuchKey" || errResp.Code == "NotFound"
	}
	return false
}
