package cache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	metaSuffix = ".meta"
	bodySuffix = ".body"
	lockName   = ".murajaah.lock"

	defaultMetadataEntries = 4096
)

// StoreOptions 控制磁盘存储的可选行为。
type StoreOptions struct {
	// MetadataEntries 是内存中缓存的条目元数据数量上限，0 表示使用默认值。
	MetadataEntries int
}

// NewStore 以 basePath 为根目录构建磁盘存储，整站复用一份实例。磁盘布局：
//
//	<StoragePath>/<bucket>/<sha256(key)>.meta   # 状态码、响应头、key 等元数据
//	<StoragePath>/<bucket>/<sha256(key)>.body   # 响应正文
//
// .meta 最后写入，作为条目的提交标记。
func NewStore(basePath string, opts StoreOptions) (Storage, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	size := opts.MetadataEntries
	if size <= 0 {
		size = defaultMetadataEntries
	}
	metas, err := lru.New[string, entryMeta](size)
	if err != nil {
		return nil, fmt.Errorf("create metadata cache: %w", err)
	}

	return &fileStore{
		basePath: abs,
		fileLock: flock.New(filepath.Join(abs, lockName)),
		metas:    metas,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStore 通过 entryLock 避免同一条目并发写入；bucketsMu + 文件锁保证删除 bucket
// 时没有写入在进行，文件锁同时覆盖共享同一 StoragePath 的其他进程。
type fileStore struct {
	basePath string

	bucketsMu sync.RWMutex
	fileLock  *flock.Flock

	metas *lru.Cache[string, entryMeta]

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

type entryMeta struct {
	Key       Key          `json:"key"`
	URL       string       `json:"url"`
	Status    int          `json:"status"`
	Header    http.Header  `json:"header"`
	Type      ResponseType `json:"type"`
	StoredAt  time.Time    `json:"stored_at"`
	SizeBytes int64        `json:"size_bytes"`
}

func (s *fileStore) Open(ctx context.Context, name string) (Bucket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateBucketName(name); err != nil {
		return nil, err
	}
	dir := filepath.Join(s.basePath, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create bucket %s: %w", name, err)
	}
	return &fileBucket{store: s, name: name, dir: dir}, nil
}

func (s *fileStore) Lookup(ctx context.Context, name string) (Bucket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ok, err := s.Has(ctx, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: bucket %s", ErrNotFound, name)
	}
	return &fileBucket{store: s, name: name, dir: filepath.Join(s.basePath, name)}, nil
}

func (s *fileStore) Has(ctx context.Context, name string) (bool, error) {
	if err := ValidateBucketName(name); err != nil {
		return false, err
	}
	info, err := os.Stat(filepath.Join(s.basePath, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

func (s *fileStore) Delete(ctx context.Context, name string) (bool, error) {
	if err := ValidateBucketName(name); err != nil {
		return false, err
	}

	s.bucketsMu.Lock()
	defer s.bucketsMu.Unlock()

	locked, err := s.fileLock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return false, fmt.Errorf("lock storage: %w", err)
	}
	if !locked {
		return false, errors.New("lock storage: not acquired")
	}
	defer s.fileLock.Unlock()

	dir := filepath.Join(s.basePath, name)
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if !info.IsDir() {
		return false, nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, fmt.Errorf("remove bucket %s: %w", name, err)
	}
	s.forgetBucket(name)
	return true, nil
}

func (s *fileStore) Keys(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (s *fileStore) forgetBucket(name string) {
	prefix := name + "::"
	for _, key := range s.metas.Keys() {
		if strings.HasPrefix(key, prefix) {
			s.metas.Remove(key)
		}
	}
}

func (s *fileStore) lockEntry(key string) func() {
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

type fileBucket struct {
	store *fileStore
	name  string
	dir   string
}

func (b *fileBucket) Name() string { return b.name }

func (b *fileBucket) Match(ctx context.Context, key Key) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.store.bucketsMu.RLock()
	defer b.store.bucketsMu.RUnlock()

	id := entryID(key)
	unlock := b.store.lockEntry(b.lockKey(id))
	defer unlock()

	meta, err := b.readMeta(id)
	if err != nil {
		return nil, err
	}
	if meta.Key != key {
		return nil, ErrNotFound
	}

	body, err := os.ReadFile(b.entryPath(id, bodySuffix))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if int64(len(body)) != meta.SizeBytes {
		// 正文与元数据不一致，视为未命中，下次写入会覆盖。
		return nil, ErrNotFound
	}

	return &Response{
		URL:      meta.URL,
		Status:   meta.Status,
		Header:   meta.Header.Clone(),
		Body:     body,
		Type:     meta.Type,
		StoredAt: meta.StoredAt,
	}, nil
}

func (b *fileBucket) Put(ctx context.Context, key Key, resp *Response) error {
	if resp == nil {
		return errors.New("nil response")
	}

	b.store.bucketsMu.RLock()
	defer b.store.bucketsMu.RUnlock()

	id := entryID(key)
	unlock := b.store.lockEntry(b.lockKey(id))
	defer unlock()

	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return err
	}

	written, err := writeAtomic(ctx, b.dir, b.entryPath(id, bodySuffix), bytes.NewReader(resp.Body))
	if err != nil {
		return fmt.Errorf("write body: %w", err)
	}

	storedAt := resp.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}
	meta := entryMeta{
		Key:       key,
		URL:       resp.URL,
		Status:    resp.Status,
		Header:    resp.Header.Clone(),
		Type:      resp.Type,
		StoredAt:  storedAt,
		SizeBytes: written,
	}
	payload, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	if _, err := writeAtomic(ctx, b.dir, b.entryPath(id, metaSuffix), bytes.NewReader(payload)); err != nil {
		return fmt.Errorf("write meta: %w", err)
	}
	b.store.metas.Add(b.lockKey(id), meta)
	return nil
}

func (b *fileBucket) Keys(ctx context.Context) ([]Key, error) {
	b.store.bucketsMu.RLock()
	defer b.store.bucketsMu.RUnlock()

	entries, err := os.ReadDir(b.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	keys := make([]Key, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, metaSuffix) {
			continue
		}
		meta, err := b.readMeta(strings.TrimSuffix(name, metaSuffix))
		if err != nil {
			continue
		}
		keys = append(keys, meta.Key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys, nil
}

func (b *fileBucket) readMeta(id string) (entryMeta, error) {
	if meta, ok := b.store.metas.Get(b.lockKey(id)); ok {
		return meta, nil
	}
	raw, err := os.ReadFile(b.entryPath(id, metaSuffix))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return entryMeta{}, ErrNotFound
		}
		return entryMeta{}, err
	}
	var meta entryMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return entryMeta{}, fmt.Errorf("decode meta %s: %w", id, err)
	}
	b.store.metas.Add(b.lockKey(id), meta)
	return meta, nil
}

func (b *fileBucket) entryPath(id, suffix string) string {
	return filepath.Join(b.dir, id+suffix)
}

func (b *fileBucket) lockKey(id string) string {
	return b.name + "::" + id
}

func entryID(key Key) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func writeAtomic(ctx context.Context, dir, target string, body io.Reader) (int64, error) {
	tempFile, err := os.CreateTemp(dir, ".cache-*")
	if err != nil {
		return 0, err
	}
	tempName := tempFile.Name()

	written, err := copyWithContext(ctx, tempFile, body)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return 0, err
	}

	if err := os.Rename(tempName, target); err != nil {
		os.Remove(tempName)
		return 0, err
	}
	return written, nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
