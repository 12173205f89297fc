package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	stderrors "errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/fleetwork/cacheengine/pkg/errors"
	"github.com/fleetwork/cacheengine/pkg/utils"
)

// FileConfig represents the on-disk tier configuration
type FileConfig struct {
	Directory       string           `yaml:"directory"`
	Compression     bool             `yaml:"compression"`
	IndexFile       string           `yaml:"index_file"`
	CleanupInterval time.Duration    `yaml:"cleanup_interval"`
	SyncInterval    time.Duration    `yaml:"sync_interval"`
	Clock           func() time.Time `yaml:"-"`
	Logger          *slog.Logger     `yaml:"-"`
}

// fileItem is one index entry
type fileItem struct {
	Key        string        `json:"key"`
	FileName   string        `json:"file_name"`
	Size       int64         `json:"size"`
	StoredAt   time.Time     `json:"stored_at"`
	TTL        time.Duration `json:"ttl"`
	Compressed bool          `json:"compressed"`
	Checksum   string        `json:"checksum"`
}

// FileStore keeps one file per key in a directory, with a JSON index that
// survives restarts
type FileStore struct {
	mu     sync.RWMutex
	dir    string
	config FileConfig
	index  map[string]*fileItem
	now    func() time.Time
	logger *slog.Logger

	// Lifecycle management
	stopCh chan struct{}
	wg     sync.WaitGroup
	closed bool
}

// NewFileStore opens (creating if needed) a file store in cfg.Directory
func NewFileStore(cfg FileConfig) (*FileStore, error) {
	if cfg.Directory == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "file store directory is required").
			WithComponent("file-store")
	}
	if cfg.IndexFile == "" {
		cfg.IndexFile = "cache-index.json"
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 10 * time.Minute
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if err := os.MkdirAll(cfg.Directory, 0750); err != nil {
		return nil, errors.Wrap(errors.ErrCodeStorageWrite, "failed to create cache directory", err).
			WithComponent("file-store")
	}

	s := &FileStore{
		dir:    cfg.Directory,
		config: cfg,
		index:  make(map[string]*fileItem),
		now:    cfg.Clock,
		logger: cfg.Logger.With("component", "file-store"),
		stopCh: make(chan struct{}),
	}

	if err := s.loadIndex(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeStorageCorrupt, "failed to load cache index", err).
			WithComponent("file-store")
	}

	s.wg.Add(2)
	go s.cleanupLoop()
	go s.syncLoop()

	return s, nil
}

// Get reads key. Expired entries are removed and reported absent; an entry
// whose file is missing or fails its checksum is dropped and reported as an
// error. A read that loses a race with Set or Remove of the same key is a miss.
func (s *FileStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	item, ok := s.index[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}

	if _, live := remaining(item.StoredAt, item.TTL, s.now()); !live {
		s.dropIf(key, item)
		return nil, false, nil
	}

	data, err := s.readFile(item)
	if err != nil {
		if !s.dropIf(key, item) {
			return nil, false, nil
		}
		return nil, false, errors.Wrap(errors.ErrCodeStorageCorrupt, "failed to read cached file", err).
			WithComponent("file-store").
			WithDetail("key", key)
	}
	return data, true, nil
}

// Set writes data for key, replacing any earlier value. Each value gets its
// own file, which is only indexed once fully written.
func (s *FileStore) Set(_ context.Context, key string, data []byte, ttl time.Duration) error {
	item := &fileItem{
		Key:        key,
		StoredAt:   s.now(),
		TTL:        ttl,
		Compressed: s.config.Compression,
		Checksum:   checksum(data),
	}

	if err := s.writeFile(item, data); err != nil {
		return errors.Wrap(errors.ErrCodeStorageWrite, "failed to write cached file", err).
			WithComponent("file-store").
			WithDetail("key", key)
	}

	s.mu.Lock()
	old := s.index[key]
	s.index[key] = item
	s.mu.Unlock()
	if old != nil {
		s.removeFile(old)
	}
	return nil
}

// Remove deletes key
func (s *FileStore) Remove(_ context.Context, key string) error {
	s.drop(key)
	return nil
}

// Len returns the number of indexed entries, live or not
func (s *FileStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.index)
}

// Cleanup removes expired entries and returns how many were removed
func (s *FileStore) Cleanup() int {
	now := s.now()
	s.mu.Lock()
	var expired []*fileItem
	for key, item := range s.index {
		if _, live := remaining(item.StoredAt, item.TTL, now); !live {
			expired = append(expired, item)
			delete(s.index, key)
		}
	}
	s.mu.Unlock()

	for _, item := range expired {
		s.removeFile(item)
	}
	return len(expired)
}

// Sync writes the index to disk
func (s *FileStore) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveIndex()
}

// Close stops background goroutines and syncs the index
func (s *FileStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	return s.Sync()
}

// Helper methods

// filePattern names a key's files; os.CreateTemp fills in the *
func filePattern(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:]) + "-*.cache"
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (s *FileStore) drop(key string) {
	s.mu.Lock()
	item, ok := s.index[key]
	delete(s.index, key)
	s.mu.Unlock()
	if ok {
		s.removeFile(item)
	}
}

// dropIf removes key only while the index still holds item
func (s *FileStore) dropIf(key string, item *fileItem) bool {
	s.mu.Lock()
	current := s.index[key] == item
	if current {
		delete(s.index, key)
	}
	s.mu.Unlock()
	if current {
		s.removeFile(item)
	}
	return current
}

func (s *FileStore) removeFile(item *fileItem) {
	path, err := utils.SecureJoin(s.dir, item.FileName)
	if err != nil {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("failed to remove cached file", "key", item.Key, "error", err)
	}
}

func (s *FileStore) writeFile(item *fileItem, data []byte) error {
	payload := data
	if item.Compressed {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(data); err != nil {
			return err
		}
		if err := zw.Close(); err != nil {
			return err
		}
		payload = buf.Bytes()
	}

	file, err := os.CreateTemp(s.dir, filePattern(item.Key))
	if err != nil {
		return err
	}
	_, werr := file.Write(payload)
	cerr := file.Close()
	if err := stderrors.Join(werr, cerr); err != nil {
		_ = os.Remove(file.Name())
		return err
	}

	item.FileName = filepath.Base(file.Name())
	item.Size = int64(len(payload))
	return nil
}

func (s *FileStore) readFile(item *fileItem) ([]byte, error) {
	path, err := utils.SecureJoin(s.dir, item.FileName)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path) // #nosec G304 -- path is confined to the cache directory
	if err != nil {
		return nil, err
	}
	defer func() { _ = file.Close() }()

	var reader io.Reader = file
	if item.Compressed {
		zr, err := gzip.NewReader(file)
		if err != nil {
			return nil, err
		}
		defer func() { _ = zr.Close() }()
		reader = zr
	}

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	if checksum(data) != item.Checksum {
		return nil, errors.NewError(errors.ErrCodeStorageCorrupt, "checksum mismatch for cached file")
	}
	return data, nil
}

func (s *FileStore) loadIndex() error {
	indexPath, err := utils.SecureJoin(s.dir, s.config.IndexFile)
	if err != nil {
		return err
	}

	raw, err := os.ReadFile(indexPath) // #nosec G304 -- path is confined to the cache directory
	if err != nil {
		if os.IsNotExist(err) {
			return nil // No existing index, start fresh
		}
		return err
	}

	var items map[string]*fileItem
	if err := json.Unmarshal(raw, &items); err != nil {
		return err
	}

	for key, item := range items {
		path, err := utils.SecureJoin(s.dir, item.FileName)
		if err != nil {
			continue
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue // Skip missing files
		}
		s.index[key] = item
	}
	return nil
}

// saveIndex requires s.mu
func (s *FileStore) saveIndex() error {
	indexPath, err := utils.SecureJoin(s.dir, s.config.IndexFile)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(s.index)
	if err != nil {
		return err
	}

	tmpPath := indexPath + ".tmp"
	if err := os.WriteFile(tmpPath, raw, 0600); err != nil {
		return err
	}
	// Atomic replace
	return os.Rename(tmpPath, indexPath)
}

func (s *FileStore) cleanupLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if n := s.Cleanup(); n > 0 {
				s.logger.Info("removed expired files", "count", n)
			}
		}
	}
}

func (s *FileStore) syncLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.Sync(); err != nil {
				s.logger.Error("failed to sync index", "error", err)
			}
		}
	}
}
