package downloader

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// TaskWriter is the destination of one task. WriteAt must be safe for
// concurrent use on disjoint ranges.
type TaskWriter interface {
	io.WriterAt
	Truncate(size int64) error
	Sync() error
	Finalize() error
	Close() error
}

// FileWriter writes segments straight into the destination file with
// positional writes, so segments never share a file offset.
type FileWriter struct {
	mu     sync.RWMutex
	file   *os.File
	path   string
	closed bool
}

// OpenForTask opens path for positional writes. A fresh file is truncated to
// size so the whole length is allocated up front; resumed files are left as is.
func OpenForTask(path string, size int64, fresh bool) (*FileWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("error creating directory: %w", err)
	}
	flags := os.O_RDWR | os.O_CREATE
	if fresh {
		flags |= os.O_TRUNC
	}
	file, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("error opening output file: %w", err)
	}
	if fresh && size > 0 {
		if err := file.Truncate(size); err != nil {
			file.Close()
			return nil, fmt.Errorf("error preallocating output file: %w", err)
		}
	}
	return &FileWriter{file: file, path: path}, nil
}

// Path returns the destination path
func (w *FileWriter) Path() string {
	return w.path
}

// WriteAt writes p at off. Concurrent writers share the read lock; only
// Close and Finalize take it exclusively.
func (w *FileWriter) WriteAt(p []byte, off int64) (int, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return 0, ErrWriterClosed
	}
	return w.file.WriteAt(p, off)
}

// Truncate sets the file length
func (w *FileWriter) Truncate(size int64) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return ErrWriterClosed
	}
	return w.file.Truncate(size)
}

// Sync flushes written data to stable storage
func (w *FileWriter) Sync() error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return nil
	}
	return w.file.Sync()
}

// Finalize syncs and closes the file
func (w *FileWriter) Finalize() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

// Close releases the file handle without syncing
func (w *FileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.file.Close()
}
