// Package respack caches assignment resource packs on local disk.
//
// Packs are tar.zst objects holding the assignment's resource files and its
// plan file. Entries are keyed by assignment id and version with TTL and
// LRU eviction; a Redis lock keeps concurrent workers from fetching the
// same pack twice.
package respack

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"gradebox/internal/common/cache"
	"gradebox/internal/common/storage"
	"gradebox/internal/grading/model"
	appErr "gradebox/pkg/errors"
)

const (
	metaFileName  = "meta.json"
	tempFileName  = "respack.tmp"
	lockKeyPrefix = "grading:respack:lock:"

	// PlanFileName is the command plan inside every pack.
	PlanFileName = "commands.txt"
	// ResourceDirName holds the files staged into each run dir.
	ResourceDirName = "resources"
)

type cacheEntry struct {
	key       string
	path      string
	sizeBytes int64
	expiresAt time.Time
}

// Cache manages local resource pack caching.
type Cache struct {
	rootDir    string
	ttl        time.Duration
	lockWait   time.Duration
	maxEntries int
	maxBytes   int64
	bucket     string
	storage    storage.ObjectStorage
	lock       cache.LockOps
	mu         sync.Mutex
	entries    map[string]*cacheEntry
	lruKeys    []string
	totalSize  int64
}

// New creates a resource pack cache.
func New(rootDir string, ttl time.Duration, lockWait time.Duration, maxEntries int, maxBytes int64, bucket string, storageClient storage.ObjectStorage, lock cache.LockOps) *Cache {
	if maxEntries <= 0 {
		maxEntries = 64
	}
	if lockWait <= 0 {
		lockWait = 30 * time.Second
	}
	return &Cache{
		rootDir:    rootDir,
		ttl:        ttl,
		lockWait:   lockWait,
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		bucket:     bucket,
		storage:    storageClient,
		lock:       lock,
		entries:    make(map[string]*cacheEntry),
	}
}

// Get returns the local directory holding the unpacked resource pack.
func (c *Cache) Get(ctx context.Context, meta model.AssignmentMeta) (string, error) {
	if meta.AssignmentID == "" || meta.Version <= 0 {
		return "", appErr.ValidationError("assignment_id", "required")
	}
	if c.storage == nil {
		return "", appErr.New(appErr.CacheError).WithMessage("storage client is not initialized")
	}
	if c.rootDir == "" {
		return "", appErr.New(appErr.CacheError).WithMessage("cache root is not configured")
	}
	key := cacheKey(meta.AssignmentID, meta.Version)
	path := filepath.Join(c.rootDir, meta.AssignmentID, fmt.Sprintf("%d", meta.Version))

	if ok := c.hitEntry(key); ok {
		return path, nil
	}

	if ok := c.checkDisk(path, meta); ok {
		c.addEntry(key, path)
		return path, nil
	}

	if err := c.fetchAndExtract(ctx, meta, path); err != nil {
		return "", err
	}
	c.addEntry(key, path)
	return path, nil
}

// PlanPath returns the plan file inside an unpacked pack dir.
func PlanPath(packDir string) string {
	return filepath.Join(packDir, PlanFileName)
}

// ResourceDir returns the resources dir inside an unpacked pack dir.
func ResourceDir(packDir string) string {
	return filepath.Join(packDir, ResourceDirName)
}

func (c *Cache) hitEntry(key string) bool {
	c.mu.Lock()
	entry, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return false
	}
	if time.Now().After(entry.expiresAt) {
		c.removeEntryLocked(key)
		c.mu.Unlock()
		return false
	}
	entry.expiresAt = time.Now().Add(c.ttl)
	c.touchLocked(key)
	c.mu.Unlock()
	return true
}

func (c *Cache) checkDisk(path string, meta model.AssignmentMeta) bool {
	metaPath := filepath.Join(path, metaFileName)
	data, err := os.ReadFile(metaPath)
	if err != nil {
		return false
	}
	var stored model.AssignmentMeta
	if err := json.Unmarshal(data, &stored); err != nil {
		return false
	}
	if stored.PackKey != meta.PackKey || stored.PackHash != meta.PackHash {
		return false
	}
	if _, err := os.Stat(filepath.Join(path, PlanFileName)); err != nil {
		return false
	}
	return true
}

func (c *Cache) fetchAndExtract(ctx context.Context, meta model.AssignmentMeta, path string) error {
	if c.lock == nil {
		return appErr.New(appErr.CacheError).WithMessage("lock client is not initialized")
	}
	lockKey := lockKeyPrefix + cacheKey(meta.AssignmentID, meta.Version)
	locked, err := c.lock.TryLock(ctx, lockKey, 5*time.Minute)
	if err != nil {
		return appErr.Wrapf(err, appErr.LockFailed, "acquire resource pack lock failed")
	}
	if !locked {
		return c.waitForCache(ctx, meta, path)
	}
	defer func() {
		_ = c.lock.Unlock(ctx, lockKey)
	}()

	if ok := c.checkDisk(path, meta); ok {
		return nil
	}

	if err := os.RemoveAll(path); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "cleanup cache dir failed")
	}
	if err := os.MkdirAll(path, 0755); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "create cache dir failed")
	}

	tempPath := filepath.Join(path, tempFileName)
	if err := c.downloadPack(ctx, meta, tempPath); err != nil {
		return err
	}
	if err := extractPack(tempPath, path); err != nil {
		return err
	}
	_ = os.Remove(tempPath)

	if _, err := os.Stat(filepath.Join(path, PlanFileName)); err != nil {
		return appErr.New(appErr.ResourcePackInvalid).WithMessagef("pack has no %s", PlanFileName)
	}

	metaBytes, _ := json.Marshal(meta)
	if err := os.WriteFile(filepath.Join(path, metaFileName), metaBytes, 0644); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "write meta failed")
	}
	return nil
}

func (c *Cache) waitForCache(ctx context.Context, meta model.AssignmentMeta, path string) error {
	deadline := time.Now().Add(c.lockWait)
	for {
		if ok := c.checkDisk(path, meta); ok {
			return nil
		}
		if time.Now().After(deadline) {
			return appErr.New(appErr.Timeout).WithMessage("wait for resource pack cache timeout")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func (c *Cache) downloadPack(ctx context.Context, meta model.AssignmentMeta, dstPath string) error {
	if meta.PackKey == "" {
		return appErr.ValidationError("pack_key", "required")
	}
	reader, err := c.storage.GetObject(ctx, c.bucket, meta.PackKey)
	if err != nil {
		return appErr.Wrapf(err, appErr.ResourcePackNotFound, "download resource pack failed")
	}
	defer reader.Close()

	file, err := os.Create(dstPath)
	if err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "create resource pack file failed")
	}
	defer file.Close()

	hasher := sha256.New()
	tee := io.TeeReader(reader, hasher)
	if _, err := io.Copy(file, tee); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "write resource pack file failed")
	}
	if meta.PackHash != "" {
		actual := hex.EncodeToString(hasher.Sum(nil))
		if !strings.EqualFold(actual, meta.PackHash) {
			return appErr.New(appErr.ResourcePackInvalid).WithMessage("resource pack hash mismatch")
		}
	}
	return nil
}

func extractPack(srcPath, dstDir string) error {
	file, err := os.Open(srcPath)
	if err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "open resource pack failed")
	}
	defer file.Close()

	zstdReader, err := zstd.NewReader(file)
	if err != nil {
		return appErr.Wrapf(err, appErr.ResourcePackInvalid, "create zstd reader failed")
	}
	defer zstdReader.Close()

	tr := tar.NewReader(zstdReader)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return appErr.Wrapf(err, appErr.ResourcePackInvalid, "read tar entry failed")
		}
		if hdr.Name == "" {
			continue
		}
		cleanName := filepath.Clean(hdr.Name)
		if strings.HasPrefix(cleanName, "..") || filepath.IsAbs(cleanName) {
			return appErr.New(appErr.ResourcePackInvalid).WithMessage("invalid tar entry path")
		}
		target := filepath.Join(dstDir, cleanName)
		if !strings.HasPrefix(target, filepath.Clean(dstDir)+string(filepath.Separator)) {
			return appErr.New(appErr.ResourcePackInvalid).WithMessage("tar entry escape detected")
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return appErr.Wrapf(err, appErr.CacheError, "create dir failed")
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return appErr.Wrapf(err, appErr.CacheError, "create parent dir failed")
			}
			file, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, fs.FileMode(hdr.Mode))
			if err != nil {
				return appErr.Wrapf(err, appErr.CacheError, "create file failed")
			}
			if _, err := io.Copy(file, tr); err != nil {
				_ = file.Close()
				return appErr.Wrapf(err, appErr.CacheError, "write file failed")
			}
			_ = file.Close()
		default:
			// skip other types
		}
	}
	return nil
}

func (c *Cache) addEntry(key, path string) {
	size := dirSize(path)
	c.mu.Lock()
	if existing, ok := c.entries[key]; ok {
		c.totalSize -= existing.sizeBytes
	}
	c.entries[key] = &cacheEntry{
		key:       key,
		path:      path,
		sizeBytes: size,
		expiresAt: time.Now().Add(c.ttl),
	}
	c.totalSize += size
	c.touchLocked(key)
	c.evictLocked()
	c.mu.Unlock()
}

func (c *Cache) touchLocked(key string) {
	for i, k := range c.lruKeys {
		if k == key {
			c.lruKeys = append(c.lruKeys[:i], c.lruKeys[i+1:]...)
			break
		}
	}
	c.lruKeys = append(c.lruKeys, key)
}

func (c *Cache) evictLocked() {
	for {
		if c.maxEntries > 0 && len(c.entries) > c.maxEntries {
			c.removeOldestLocked()
			continue
		}
		if c.maxBytes > 0 && c.totalSize > c.maxBytes {
			c.removeOldestLocked()
			continue
		}
		break
	}
}

func (c *Cache) removeOldestLocked() {
	if len(c.lruKeys) == 0 {
		return
	}
	key := c.lruKeys[0]
	c.lruKeys = c.lruKeys[1:]
	c.removeEntryLocked(key)
}

func (c *Cache) removeEntryLocked(key string) {
	entry, ok := c.entries[key]
	if !ok {
		return
	}
	delete(c.entries, key)
	c.totalSize -= entry.sizeBytes
	_ = os.RemoveAll(entry.path)
}

func cacheKey(assignmentID string, version int32) string {
	return fmt.Sprintf("%s:%d", assignmentID, version)
}

func dirSize(path string) int64 {
	var total int64
	_ = filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		total += info.Size()
		return nil
	})
	return total
}
