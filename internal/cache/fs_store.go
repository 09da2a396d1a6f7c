package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
)

// NewStore 以 basePath 为根目录构建磁盘缓存，整站复用一份实例。
func NewStore(basePath string) (Store, error) {
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

	return &fileStore{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStore 通过 entryLock 避免同一 Locator 并发建删，同时复用 basePath。
type fileStore struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func (s *fileStore) Open(ctx context.Context, locator Locator) (*ReadResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	bodyPath, metaPath, err := s.paths(locator)
	if err != nil {
		return nil, err
	}

	meta, err := readMetadata(metaPath)
	if err != nil {
		return nil, err
	}
	// 未写完、截断或被标记不可信的条目都不能直接服务。
	if !meta.Complete || meta.Truncated || meta.Unusable {
		return nil, ErrNotFound
	}

	info, err := os.Stat(bodyPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, ErrNotFound
	}

	f, err := os.Open(bodyPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	entry := Entry{
		Locator:   locator,
		FilePath:  bodyPath,
		SizeBytes: info.Size(),
		ModTime:   info.ModTime(),
		Metadata:  meta,
	}

	return &ReadResult{
		Entry:  entry,
		Reader: f,
	}, nil
}

func (s *fileStore) Create(ctx context.Context, locator Locator) (*ActiveEntry, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	unlock := s.lockEntry(locator)
	defer unlock()

	bodyPath, metaPath, err := s.paths(locator)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(bodyPath), 0o755); err != nil {
		return nil, err
	}

	// 重建条目时先丢掉旧的元数据，避免半新半旧的状态被读到。
	if err := os.Remove(metaPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	body, err := os.OpenFile(bodyPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}

	return &ActiveEntry{
		store:    s,
		locator:  locator,
		key:      locatorKey(locator),
		bodyPath: bodyPath,
		metaPath: metaPath,
		body:     body,
	}, nil
}

func (s *fileStore) Metadata(ctx context.Context, locator Locator) (EntryMetadata, error) {
	select {
	case <-ctx.Done():
		return EntryMetadata{}, ctx.Err()
	default:
	}

	_, metaPath, err := s.paths(locator)
	if err != nil {
		return EntryMetadata{}, err
	}
	return readMetadata(metaPath)
}

func (s *fileStore) Resume(ctx context.Context, locator Locator) (*ActiveEntry, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	unlock := s.lockEntry(locator)
	defer unlock()

	bodyPath, metaPath, err := s.paths(locator)
	if err != nil {
		return nil, err
	}

	body, err := os.OpenFile(bodyPath, os.O_RDWR, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	info, err := body.Stat()
	if err != nil {
		body.Close()
		return nil, err
	}

	return &ActiveEntry{
		store:    s,
		locator:  locator,
		key:      locatorKey(locator),
		bodyPath: bodyPath,
		metaPath: metaPath,
		body:     body,
		bodySize: info.Size(),
	}, nil
}

func (s *fileStore) Remove(ctx context.Context, locator Locator) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	unlock := s.lockEntry(locator)
	defer unlock()

	bodyPath, metaPath, err := s.paths(locator)
	if err != nil {
		return err
	}
	for _, p := range []string{bodyPath, metaPath} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

func (s *fileStore) lockEntry(locator Locator) func() {
	key := locatorKey(locator)
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

func (s *fileStore) paths(locator Locator) (string, string, error) {
	if locator.Origin == "" {
		return "", "", errors.New("origin name required")
	}

	rel := locator.Path
	if rel == "" || rel == "/" {
		rel = "root"
	}
	rel = path.Clean("/" + rel)
	rel = strings.TrimPrefix(rel, "/")
	if rel == "" {
		rel = "root"
	}

	base := filepath.Join(s.basePath, locator.Origin, filepath.FromSlash(rel))
	if !strings.HasPrefix(base, filepath.Join(s.basePath, locator.Origin)) {
		return "", "", errors.New("invalid cache path")
	}
	return base + ".body", base + ".meta", nil
}

func readMetadata(metaPath string) (EntryMetadata, error) {
	raw, err := os.ReadFile(metaPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return EntryMetadata{}, ErrNotFound
		}
		return EntryMetadata{}, err
	}
	var meta EntryMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return EntryMetadata{}, fmt.Errorf("decode entry metadata: %w", err)
	}
	return meta, nil
}

func locatorKey(locator Locator) string {
	return locator.Origin + "::" + locator.Path
}
