package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"southwinds.dev/voluma/internal/misc"
)

// FileDevice is a Device backed by a regular file or a raw device node.
type FileDevice struct {
	file    *os.File
	locator string
	mu      sync.RWMutex
	closed  bool
}

// OpenFileDevice opens an existing container file or device node for
// read/write sector I/O.
func OpenFileDevice(path string) (*FileDevice, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve device path: %w", err)
	}

	file, err := os.OpenFile(abs, os.O_RDWR, misc.FilePermissions)
	if err != nil {
		return nil, fmt.Errorf("failed to open device: %w", err)
	}

	return &FileDevice{file: file, locator: abs}, nil
}

// CreateFileDevice creates a new container file of the given size, failing if
// the file already exists. The file is created sparse; callers that want the
// free space filled with random data do that through the volume layer.
func CreateFileDevice(path string, size int64) (*FileDevice, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid device size: %d", size)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve device path: %w", err)
	}

	file, err := os.OpenFile(abs, os.O_RDWR|os.O_CREATE|os.O_EXCL, misc.FilePermissions)
	if err != nil {
		return nil, fmt.Errorf("failed to create container file: %w", err)
	}

	if err = file.Truncate(size); err != nil {
		file.Close()
		os.Remove(abs)
		return nil, fmt.Errorf("failed to size container file: %w", err)
	}

	return &FileDevice{file: file, locator: abs}, nil
}

func (fd *FileDevice) ReadAt(p []byte, off int64) (int, error) {
	fd.mu.RLock()
	defer fd.mu.RUnlock()

	if fd.closed {
		return 0, ErrDeviceClosed
	}
	return fd.file.ReadAt(p, off)
}

func (fd *FileDevice) WriteAt(p []byte, off int64) (int, error) {
	fd.mu.RLock()
	defer fd.mu.RUnlock()

	if fd.closed {
		return 0, ErrDeviceClosed
	}
	return fd.file.WriteAt(p, off)
}

func (fd *FileDevice) Size() (int64, error) {
	fd.mu.RLock()
	defer fd.mu.RUnlock()

	if fd.closed {
		return 0, ErrDeviceClosed
	}

	info, err := fd.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat device: %w", err)
	}
	return info.Size(), nil
}

func (fd *FileDevice) Sync() error {
	fd.mu.RLock()
	defer fd.mu.RUnlock()

	if fd.closed {
		return ErrDeviceClosed
	}
	return fd.file.Sync()
}

func (fd *FileDevice) Locator() string {
	return fd.locator
}

func (fd *FileDevice) Close() error {
	fd.mu.Lock()
	defer fd.mu.Unlock()

	if fd.closed {
		return nil
	}
	fd.closed = true
	return fd.file.Close()
}
