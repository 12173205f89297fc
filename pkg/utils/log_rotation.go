package utils

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
)

// RotationConfig controls when the engine log file is rolled over
type RotationConfig struct {
	Filename string

	// MaxSize is the size in bytes that triggers a rotation (0 = never)
	MaxSize int64

	// MaxBackups is the number of rolled files to keep (0 = keep all)
	MaxBackups int

	// Compress gzips rolled files
	Compress bool

	// Now is the time source for backup names
	Now func() time.Time
}

// LogRotator is an io.WriteCloser that rolls its file over once it grows past MaxSize.
// Backups are named <base>-<timestamp><ext>, optionally with a .gz suffix.
type LogRotator struct {
	mu     sync.Mutex
	config RotationConfig
	file   *os.File
	size   int64
}

// NewLogRotator opens (or creates) config.Filename for appending
func NewLogRotator(config RotationConfig) (*LogRotator, error) {
	if config.Filename == "" {
		return nil, fmt.Errorf("filename is required")
	}
	if config.MaxSize < 0 || config.MaxBackups < 0 {
		return nil, fmt.Errorf("rotation limits cannot be negative")
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	r := &LogRotator{config: config}
	if err := r.openFile(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *LogRotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return 0, os.ErrClosed
	}
	// A record is never split; an oversized one lands alone in a fresh file.
	if r.config.MaxSize > 0 && r.size > 0 && r.size+int64(len(p)) > r.config.MaxSize {
		if err := r.rotate(); err != nil {
			return 0, fmt.Errorf("failed to rotate log: %w", err)
		}
	}

	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

// Close closes the current file. Further writes fail.
func (r *LogRotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// Rotate rolls the current file over immediately
func (r *LogRotator) Rotate() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rotate()
}

func (r *LogRotator) rotate() error {
	if r.file != nil {
		if err := r.file.Close(); err != nil {
			return fmt.Errorf("failed to close log file: %w", err)
		}
		r.file = nil
	}

	backup := r.backupName(r.config.Now())
	if err := os.Rename(r.config.Filename, backup); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to rename log file: %w", err)
	}

	if r.config.Compress {
		if err := compressFile(backup); err != nil {
			fmt.Fprintf(os.Stderr, "failed to compress log backup %s: %v\n", backup, err)
		}
	}
	if err := r.pruneBackups(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to prune log backups: %v\n", err)
	}

	return r.openFile()
}

func (r *LogRotator) openFile() error {
	if err := os.MkdirAll(filepath.Dir(r.config.Filename), 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(r.config.Filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}

	r.file = file
	r.size = info.Size()
	return nil
}

func (r *LogRotator) backupName(ts time.Time) string {
	dir, prefix, ext := r.nameParts()
	name := fmt.Sprintf("%s-%s%s", prefix, ts.UTC().Format("2006-01-02T15-04-05.000"), ext)
	return filepath.Join(dir, name)
}

func (r *LogRotator) nameParts() (dir, prefix, ext string) {
	dir = filepath.Dir(r.config.Filename)
	base := filepath.Base(r.config.Filename)
	ext = filepath.Ext(base)
	return dir, strings.TrimSuffix(base, ext), ext
}

// Backups lists rolled files, oldest first
func (r *LogRotator) Backups() ([]string, error) {
	dir, prefix, ext := r.nameParts()
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, prefix+"-") {
			continue
		}
		if strings.HasSuffix(name, ext) || strings.HasSuffix(name, ext+".gz") {
			names = append(names, filepath.Join(dir, name))
		}
	}
	// Timestamps sort lexically.
	sort.Strings(names)
	return names, nil
}

func (r *LogRotator) pruneBackups() error {
	if r.config.MaxBackups == 0 {
		return nil
	}
	backups, err := r.Backups()
	if err != nil {
		return err
	}
	for len(backups) > r.config.MaxBackups {
		if err := os.Remove(backups[0]); err != nil && !os.IsNotExist(err) {
			return err
		}
		backups = backups[1:]
	}
	return nil
}

func compressFile(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(path+".gz", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}

	zw := gzip.NewWriter(dst)
	if _, err := io.Copy(zw, src); err != nil {
		_ = zw.Close()
		_ = dst.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		_ = dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}
