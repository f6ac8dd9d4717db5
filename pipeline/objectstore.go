package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"
)

const lockRetryDelay = 10 * time.Millisecond

var _ ObjectStore = (*DirObjectStore)(nil)

// DirObjectStore is an ObjectStore over a local directory. Buckets are
// subdirectories of the root; tags live in a sidecar JSON file under
// ".tags", guarded by a file lock so concurrent taggers merge safely.
type DirObjectStore struct {
	root string
}

// NewDirObjectStore returns a store rooted at dir, creating it if needed.
func NewDirObjectStore(dir string) (*DirObjectStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create object root: %w", err)
	}
	return &DirObjectStore{root: dir}, nil
}

// Path returns the local file path of an object.
func (s *DirObjectStore) Path(bucket, key string) (string, error) {
	if bucket == "" || strings.Contains(bucket, "/") || strings.HasPrefix(bucket, ".") {
		return "", fmt.Errorf("invalid bucket %q", bucket)
	}
	clean := filepath.Clean("/" + key)
	if key == "" || clean == "/" {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return filepath.Join(s.root, bucket, filepath.FromSlash(clean)), nil
}

func (s *DirObjectStore) tagPath(bucket, key string) (string, error) {
	path, err := s.Path(bucket, key)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(s.root, path)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, ".tags", rel+".json"), nil
}

func (s *DirObjectStore) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	path, err := s.Path(bucket, key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s/%s: %w", bucket, key, ErrObjectNotFound)
	}
	return f, err
}

func (s *DirObjectStore) Put(ctx context.Context, bucket, key string, body io.Reader) error {
	path, err := s.Path(bucket, key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".put-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s/%s: %w", bucket, key, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (s *DirObjectStore) Tag(ctx context.Context, bucket, key string, tags map[string]string) error {
	path, err := s.Path(bucket, key)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s/%s: %w", bucket, key, ErrObjectNotFound)
	}
	tagPath, err := s.tagPath(bucket, key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(tagPath), 0o755); err != nil {
		return err
	}
	lock := flock.New(tagPath + ".lock")
	if _, err := lock.TryLockContext(ctx, lockRetryDelay); err != nil {
		return fmt.Errorf("lock tags: %w", err)
	}
	defer lock.Unlock()

	current, err := readTags(tagPath)
	if err != nil {
		return err
	}
	maps.Copy(current, tags)
	data, err := json.MarshalIndent(current, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(tagPath, data, 0o644)
}

func (s *DirObjectStore) Tags(ctx context.Context, bucket, key string) (map[string]string, error) {
	tagPath, err := s.tagPath(bucket, key)
	if err != nil {
		return nil, err
	}
	return readTags(tagPath)
}

func readTags(path string) (map[string]string, error) {
	tags := map[string]string{}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return tags, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &tags); err != nil {
		return nil, fmt.Errorf("read tags %s: %w", path, err)
	}
	return tags, nil
}

func (s *DirObjectStore) Delete(ctx context.Context, bucket, key string) error {
	path, err := s.Path(bucket, key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if tagPath, err := s.tagPath(bucket, key); err == nil {
		_ = os.Remove(tagPath)
	}
	return nil
}

// List returns the keys in bucket starting with prefix, sorted.
func (s *DirObjectStore) List(ctx context.Context, bucket, prefix string) ([]string, error) {
	base := filepath.Join(s.root, bucket)
	var keys []string
	err := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return fs.SkipAll
			}
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".put-") {
			return nil
		}
		rel, err := filepath.Rel(base, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}
