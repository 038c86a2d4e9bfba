package store

import (
	"bufio"
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
)

// fileKV is the embedded on-disk map backend: the Go-native stand-in for
// the upstream gdbm:// store. Data lives entirely in memory and is
// flushed to a newline-delimited "key\tvalue" file on Save. A single
// RWMutex serializes writes and lets reads proceed in parallel, matching
// the "process-wide lock serializes writes" requirement for embedded
// stores that don't offer finer-grained concurrency themselves.
type fileKV struct {
	mu   sync.RWMutex
	path string
	data map[string]string
}

func openFileKV(u *url.URL) (Store, error) {
	path := u.Path
	if path == "" {
		return nil, fmt.Errorf("store: file-kv URL %q missing path", SanitizeURL(u.String()))
	}

	db := &fileKV{path: path, data: make(map[string]string)}
	if err := db.load(); err != nil {
		return nil, fmt.Errorf("store: opening %q: %w", SanitizeURL(u.String()), err)
	}
	return db, nil
}

func (f *fileKV) load() error {
	file, err := os.Open(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		idx := strings.IndexByte(line, '\t')
		if idx < 0 {
			continue
		}
		f.data[line[:idx]] = line[idx+1:]
	}
	return scanner.Err()
}

func (f *fileKV) Get(ctx context.Context, key string) (string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	v, ok := f.data[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (f *fileKV) Update(ctx context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = value
	return nil
}

func (f *fileKV) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, key)
	return nil
}

func (f *fileKV) Scan(ctx context.Context, pred func(key, value string) bool) ([]string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var keys []string
	for k, v := range f.data {
		if pred(k, v) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Save forces the in-memory map to disk via a write-to-temp-then-rename,
// so a crash mid-flush never leaves a truncated store file behind.
func (f *fileKV) Save(ctx context.Context) error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	tmp := f.path + ".tmp"
	file, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}

	w := bufio.NewWriter(file)
	for k, v := range f.data {
		if _, err := fmt.Fprintf(w, "%s\t%s\n", k, v); err != nil {
			file.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

func (f *fileKV) Close() error {
	return nil
}
