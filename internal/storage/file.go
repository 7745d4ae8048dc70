package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	logx "postrobot/pkg/logx"
)

// fileStore keeps one directory of plain files.
//
// Layout under Path:
//   - configs/<shop>.json    (config document, replaced via tmp+rename)
//   - activity/<shop>.json   (JSON array, newest first)
//   - system/<shop>.jsonl    (append-only JSON Lines)
//   - locks/<shop>.lock      (flock held by the write lease)
//
// Shop ids are path-escaped into file names.
type fileStore struct {
	log  logx.Logger
	root string

	mu     sync.Mutex
	closed bool

	leases   shopLeases
	actLocks shopLeases
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	root := strings.TrimSpace(cfg.Path)
	if root == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	for _, sub := range []string{"configs", "activity", "system", "locks"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return nil, err
		}
	}
	return &fileStore{log: log, root: root}, nil
}

func (s *fileStore) path(kind, shop, ext string) string {
	return filepath.Join(s.root, kind, url.PathEscape(shop)+ext)
}

func (s *fileStore) GetConfig(ctx context.Context, shop string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	b, err := os.ReadFile(s.path("configs", shop, ".json"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return b, err
}

func (s *fileStore) PutConfig(ctx context.Context, shop string, doc []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return writeAtomic(s.path("configs", shop, ".json"), doc)
}

func (s *fileStore) LockShop(ctx context.Context, shop string) (func(), error) {
	return fileLease(ctx, &s.leases, shop, s.path("locks", shop, ".lock"))
}

func (s *fileStore) ListShops(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	ents, err := os.ReadDir(filepath.Join(s.root, "configs"))
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(ents))
	for _, e := range ents {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		shop, err := url.PathUnescape(strings.TrimSuffix(name, ".json"))
		if err != nil {
			s.log.Debug("skip unreadable config name", logx.String("file", name))
			continue
		}
		out = append(out, shop)
	}
	sort.Strings(out)
	return out, nil
}

func (s *fileStore) AppendActivity(ctx context.Context, shop string, entry []byte, keep int) error {
	// The trail is rewritten whole, so writers in other processes are
	// serialized through a lock file of its own.
	unlock, err := fileLease(ctx, &s.actLocks, shop, s.path("locks", shop, ".activity.lock"))
	if err != nil {
		return err
	}
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	p := s.path("activity", shop, ".json")
	list, err := readActivity(p)
	if err != nil {
		// A corrupt trail is replaced rather than blocking new entries.
		s.log.Warn("activity file unreadable, starting over", logx.Shop(shop), logx.Err(err))
		list = nil
	}
	list = append([]json.RawMessage{json.RawMessage(cloneBytes(entry))}, list...)
	if keep > 0 && len(list) > keep {
		list = list[:keep]
	}
	b, err := json.Marshal(list)
	if err != nil {
		return err
	}
	return writeAtomic(p, b)
}

func (s *fileStore) RecentActivity(ctx context.Context, shop string, limit int) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	list, err := readActivity(s.path("activity", shop, ".json"))
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	out := make([][]byte, len(list))
	for i, r := range list {
		out[i] = []byte(r)
	}
	return out, nil
}

func readActivity(p string) ([]json.RawMessage, error) {
	b, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return nil, nil
	}
	var list []json.RawMessage
	if err := json.Unmarshal(b, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (s *fileStore) AppendSystem(ctx context.Context, shop string, line []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	f, err := os.OpenFile(s.path("system", shop, ".jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	line = bytes.TrimRight(line, "\n")
	if _, err := f.Write(append(cloneBytes(line), '\n')); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (s *fileStore) TailSystem(ctx context.Context, shop string, n int) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	f, err := os.Open(s.path("system", shop, ".jsonl"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out [][]byte
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		out = append(out, cloneBytes(line))
		if n > 0 && len(out) > n {
			out = out[1:]
		}
	}
	return out, sc.Err()
}

func (s *fileStore) ClearLogs(ctx context.Context, shop string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for _, p := range []string{s.path("activity", shop, ".json"), s.path("system", shop, ".jsonl")} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func writeAtomic(path string, b []byte) error {
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
