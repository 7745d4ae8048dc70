// Package lock keeps a single robot process per lock file.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// ErrAlreadyRunning is returned when another live process holds the lock.
var ErrAlreadyRunning = errors.New("lock: another instance is running")

// Record is the on-disk lock content.
type Record struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"startedAt"`
}

// Lock is a held lock file.
type Lock struct {
	path string
	rec  Record
}

// alive is swapped in tests.
var alive = processAlive

const (
	acquireAttempts = 5
	acquireBackoff  = 20 * time.Millisecond
	// takeoverTTL bounds how long a crashed starter's takeover guard blocks
	// others.
	takeoverTTL = 10 * time.Second
)

// Acquire takes the lock at path. The record is published with an atomic
// create-if-absent, so of two starters racing for a free lock exactly one
// wins. A record naming a live process other than ours yields
// ErrAlreadyRunning; stale, corrupt or own records are cleared, one starter
// at a time, and the create is retried. A lock that cannot be written is an
// error.
func Acquire(path string) (*Lock, error) {
	if path == "" {
		return nil, errors.New("lock: empty path")
	}
	pid := os.Getpid()
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("lock: write %s: %w", path, err)
		}
	}
	l := &Lock{path: path, rec: Record{PID: pid, StartedAt: time.Now().UTC()}}
	b, err := json.MarshalIndent(l.rec, "", "  ")
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < acquireAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(acquireBackoff)
		}
		err := createExclusive(path, b)
		if err == nil {
			return l, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("lock: write %s: %w", path, err)
		}
		if err := checkHolder(path, pid); err != nil {
			return nil, err
		}
		if err := clearStale(path, pid); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w (another starter is taking over %s)", ErrAlreadyRunning, path)
}

// checkHolder fails when path names a live process other than pid.
func checkHolder(path string, pid int) error {
	rec, err := Read(path)
	if err != nil {
		return nil
	}
	if rec.PID > 0 && rec.PID != pid && alive(rec.PID) {
		return fmt.Errorf("%w (pid %d since %s)", ErrAlreadyRunning, rec.PID, rec.StartedAt.Format(time.RFC3339))
	}
	return nil
}

// clearStale removes a stale record under the takeover guard. The record is
// judged again under the guard; a busy guard leaves the work to its holder.
func clearStale(path string, pid int) error {
	guard := path + ".takeover"
	g, err := os.OpenFile(guard, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if errors.Is(err, fs.ErrExist) {
		if st, serr := os.Stat(guard); serr == nil && time.Since(st.ModTime()) > takeoverTTL {
			_ = os.Remove(guard)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("lock: takeover %s: %w", path, err)
	}
	_ = g.Close()
	defer os.Remove(guard)

	if err := checkHolder(path, pid); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("lock: clear %s: %w", path, err)
	}
	return nil
}

// Read returns the record stored at path.
func Read(path string) (Record, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (l *Lock) Path() string   { return l.path }
func (l *Lock) Record() Record { return l.rec }

// Release removes the lock file if it still carries our pid.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	rec, err := Read(l.path)
	if err != nil || rec.PID != l.rec.PID {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// createExclusive publishes b at path only if path does not exist. The
// content is complete before the name appears.
func createExclusive(path string, b []byte) error {
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer os.Remove(tmp)
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Link(tmp, path)
}
