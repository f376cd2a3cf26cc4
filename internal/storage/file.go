package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"syscall"

	"github.com/fsnotify/fsnotify"
)

// File stores all keys in a single JSON document with secure permissions.
// Writes use temp file + rename for crash safety. Every operation re-reads the
// document, so changes made by other processes are always observed.
type File struct {
	filePath string
	capacity int

	// Serializes read-modify-write cycles within this process.
	mu sync.Mutex
}

// Compile-time checks to ensure File implements Backend and Notifier
var (
	_ Backend  = (*File)(nil)
	_ Notifier = (*File)(nil)
)

// NewFile creates a File backend for the given path, creating parent directories
// with 0700 permissions if they don't exist.
func NewFile(filePath string, opts ...Option) (*File, error) {
	if filePath == "" {
		return nil, fmt.Errorf("file path cannot be empty")
	}

	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	o := applyOptions(opts)
	return &File{
		filePath: filepath.Clean(filePath),
		capacity: o.capacity,
	}, nil
}

// Path returns the document location.
func (f *File) Path() string { return f.filePath }

// Get returns the value for key.
func (f *File) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	data, err := f.load()
	if err != nil {
		return "", err
	}

	value, ok := data[key]
	if !ok {
		return "", ErrNotFound
	}
	return value, nil
}

// Set stores value under key and rewrites the document atomically.
func (f *File) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := f.load()
	if err != nil {
		return err
	}

	if f.capacity > 0 {
		used := 0
		for k, v := range data {
			if k != key {
				used += dataSize(k, v)
			}
		}
		if used+dataSize(key, value) > f.capacity {
			return fmt.Errorf("%w: %s holds %d of %d bytes", ErrQuotaExceeded, f.filePath, used, f.capacity)
		}
	}

	data[key] = value
	return f.store(ctx, data)
}

// Remove deletes key. The document is left untouched when the key is absent.
func (f *File) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := f.load()
	if err != nil {
		return err
	}
	if _, ok := data[key]; !ok {
		return nil
	}

	delete(data, key)
	return f.store(ctx, data)
}

// Keys returns the stored keys in sorted order.
func (f *File) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := f.load()
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys, nil
}

// load reads the document. A missing file is an empty document; a file with
// insecure permissions is refused.
func (f *File) load() (map[string]string, error) {
	info, err := os.Stat(f.filePath)
	if errors.Is(err, fs.ErrNotExist) {
		return make(map[string]string), nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if info.Mode().Perm() != 0600 {
		return nil, fmt.Errorf("%w: insecure permissions on %s: %04o (expected 0600)", ErrUnavailable, f.filePath, info.Mode().Perm())
	}

	raw, err := os.ReadFile(f.filePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	data := make(map[string]string)
	if len(raw) == 0 {
		return data, nil
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", f.filePath, err)
	}
	return data, nil
}

// store atomically saves the document using temp file + rename.
// Sets file permissions to 0600 (owner read/write only).
func (f *File) store(ctx context.Context, data map[string]string) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", f.filePath, err)
	}

	// Create secure temp file in same directory for atomic rename
	dir := filepath.Dir(f.filePath)
	tempFile, err := os.CreateTemp(dir, "*.tmp")
	if err != nil {
		return classifyWriteError(err)
	}
	tempName := tempFile.Name()
	// Cleanup deferred for all exit paths
	defer func() { _ = os.Remove(tempName) }()
	defer func() { _ = tempFile.Close() }()

	if _, err := tempFile.Write(raw); err != nil {
		return classifyWriteError(err)
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := tempFile.Chmod(0600); err != nil {
		return classifyWriteError(err)
	}
	if err := tempFile.Close(); err != nil {
		return classifyWriteError(err)
	}

	// Atomic rename to final location
	if err := os.Rename(tempName, f.filePath); err != nil {
		return classifyWriteError(err)
	}

	return nil
}

// Subscribe watches the document for changes made by other processes. Every
// change is reported as a global event because the watcher cannot tell which
// keys were touched. Writes from this process are reported too; consumers
// recompute idempotently.
//
// If the watcher cannot be created, Subscribe logs and returns a no-op
// unsubscribe: polling consumers still converge.
func (f *File) Subscribe(fn func(Event)) func() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("file change notifications unavailable", "path", f.filePath, "error", err)
		return func() {}
	}

	// Atomic renames replace the inode, so the directory is watched instead of the file.
	if err := watcher.Add(filepath.Dir(f.filePath)); err != nil {
		_ = watcher.Close()
		slog.Warn("file change notifications unavailable", "path", f.filePath, "error", err)
		return func() {}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != f.filePath {
					continue
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) ||
					event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
					fn(Event{Origin: f.filePath})
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("file watcher error", "path", f.filePath, "error", err)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			_ = watcher.Close()
			<-done
		})
	}
}

// classifyWriteError maps filesystem write errors onto the storage error taxonomy.
func classifyWriteError(err error) error {
	if isNoSpace(err) {
		return fmt.Errorf("%w: %w", ErrQuotaExceeded, err)
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}

func isNoSpace(err error) bool {
	return errors.Is(err, syscall.ENOSPC)
}
