// Package fsops is the filesystem capability used by the scanner and the
// pipeline. Transient I/O errors (EINTR, EAGAIN) are retried a bounded
// number of times; everything else surfaces immediately.
package fsops

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"syscall"

	"github.com/google/renameio/v2"
)

// maxIORetries caps retry loops at this layer. The queue owns all
// longer-horizon retry policy.
const maxIORetries = 3

// FS is the narrow filesystem surface the core depends on. The real
// implementation is Disk; tests may substitute their own.
type FS interface {
	Stat(path string) (fs.FileInfo, error)
	ReadDir(path string) ([]fs.DirEntry, error)
	CreateTemp(dir, pattern string) (*os.File, error)
	AtomicRename(oldPath, newPath string) error
	Remove(path string) error
	RemoveAll(path string) error
	MkdirAll(path string, perm fs.FileMode) error
}

// Disk is the production FS backed by the operating system.
type Disk struct{}

func retryable(err error) bool {
	return errors.Is(err, syscall.EINTR) || errors.Is(err, syscall.EAGAIN)
}

func withRetry(op func() error) error {
	var err error
	for i := 0; i < maxIORetries; i++ {
		err = op()
		if err == nil || !retryable(err) {
			return err
		}
	}
	return err
}

func (Disk) Stat(path string) (fs.FileInfo, error) {
	var info fs.FileInfo
	err := withRetry(func() error {
		var e error
		info, e = os.Stat(path)
		return e
	})
	return info, err
}

func (Disk) ReadDir(path string) ([]fs.DirEntry, error) {
	var entries []fs.DirEntry
	err := withRetry(func() error {
		var e error
		entries, e = os.ReadDir(path)
		return e
	})
	return entries, err
}

func (Disk) CreateTemp(dir, pattern string) (*os.File, error) {
	var f *os.File
	err := withRetry(func() error {
		var e error
		f, e = os.CreateTemp(dir, pattern)
		return e
	})
	return f, err
}

func (Disk) AtomicRename(oldPath, newPath string) error {
	return withRetry(func() error {
		return os.Rename(oldPath, newPath)
	})
}

func (Disk) Remove(path string) error {
	return withRetry(func() error {
		err := os.Remove(path)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	})
}

func (Disk) RemoveAll(path string) error {
	return withRetry(func() error {
		return os.RemoveAll(path)
	})
}

func (Disk) MkdirAll(path string, perm fs.FileMode) error {
	return withRetry(func() error {
		return os.MkdirAll(path, perm)
	})
}

// WriteFileAtomic streams r to path with full durability guarantees:
// temp file, fsync, atomic rename. The destination never holds a partial
// write, even across power failure.
func WriteFileAtomic(path string, r io.Reader) (int64, error) {
	pending, err := renameio.NewPendingFile(path)
	if err != nil {
		return 0, fmt.Errorf("create pending file: %w", err)
	}
	defer func() {
		_ = pending.Cleanup()
	}()

	n, err := io.Copy(pending, r)
	if err != nil {
		return n, fmt.Errorf("write pending file: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return n, fmt.Errorf("atomically replace %s: %w", path, err)
	}
	return n, nil
}
