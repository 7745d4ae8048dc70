package lock

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeRecord(t *testing.T, path string, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestAcquireFreshAndRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "robot.lock.json")
	l, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	rec, err := Read(path)
	if err != nil {
		t.Fatal(err)
	}
	if rec.PID != os.Getpid() || rec.StartedAt.IsZero() {
		t.Fatalf("record = %+v", rec)
	}
	if err := l.Release(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("lock file still present: %v", err)
	}
}

func TestAcquireRefusesLiveHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "robot.lock.json")
	writeRecord(t, path, `{"pid": 424242, "startedAt": "2026-10-01T00:00:00Z"}`)

	prev := alive
	alive = func(pid int) bool { return pid == 424242 }
	t.Cleanup(func() { alive = prev })

	_, err := Acquire(path)
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("err = %v, want ErrAlreadyRunning", err)
	}
	rec, _ := Read(path)
	if rec.PID != 424242 {
		t.Fatalf("holder record overwritten: %+v", rec)
	}
}

func TestAcquireOverwritesStaleOrCorrupt(t *testing.T) {
	prev := alive
	alive = func(int) bool { return false }
	t.Cleanup(func() { alive = prev })

	for name, body := range map[string]string{
		"stale":   `{"pid": 424242, "startedAt": "2026-10-01T00:00:00Z"}`,
		"corrupt": `{not json`,
		"zero":    `{"pid": 0}`,
	} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "robot.lock.json")
			writeRecord(t, path, body)
			l, err := Acquire(path)
			if err != nil {
				t.Fatalf("Acquire: %v", err)
			}
			if l.Record().PID != os.Getpid() {
				t.Fatalf("record = %+v", l.Record())
			}
		})
	}
}

func TestReleaseKeepsForeignLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "robot.lock.json")
	l, err := Acquire(path)
	if err != nil {
		t.Fatal(err)
	}
	// another instance took over after ours was considered stale
	writeRecord(t, path, `{"pid": 424242, "startedAt": "`+time.Now().UTC().Format(time.RFC3339)+`"}`)
	if err := l.Release(); err != nil {
		t.Fatal(err)
	}
	if rec, err := Read(path); err != nil || rec.PID != 424242 {
		t.Fatalf("foreign lock removed: %+v %v", rec, err)
	}
}

func TestAcquireUnwritable(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	writeRecord(t, blocker, "x")
	if _, err := Acquire(filepath.Join(blocker, "robot.lock.json")); err == nil {
		t.Fatal("expected error when the lock directory cannot be created")
	}
}

func TestProcessAliveSelf(t *testing.T) {
	if !processAlive(os.Getpid()) {
		t.Fatal("own process reported dead")
	}
}

func TestAcquireLeavesTakeoverToGuardHolder(t *testing.T) {
	prev := alive
	alive = func(int) bool { return false }
	t.Cleanup(func() { alive = prev })

	path := filepath.Join(t.TempDir(), "robot.lock.json")
	stale := `{"pid": 424242, "startedAt": "2026-10-01T00:00:00Z"}`
	writeRecord(t, path, stale)
	// another starter is mid-takeover
	writeRecord(t, path+".takeover", "")

	if _, err := Acquire(path); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("err = %v, want ErrAlreadyRunning", err)
	}
	if b, _ := os.ReadFile(path); string(b) != stale {
		t.Fatalf("record changed under a held guard: %s", b)
	}

	// a guard left behind by a crashed starter expires
	old := time.Now().Add(-time.Minute)
	if err := os.Chtimes(path+".takeover", old, old); err != nil {
		t.Fatal(err)
	}
	l, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire after guard expiry: %v", err)
	}
	if l.Record().PID != os.Getpid() {
		t.Fatalf("record = %+v", l.Record())
	}
	if _, err := os.Stat(path + ".takeover"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("guard not removed: %v", err)
	}
}

func TestAcquireNeverReplacesLiveRecord(t *testing.T) {
	prev := alive
	alive = func(pid int) bool { return pid == 424242 }
	t.Cleanup(func() { alive = prev })

	path := filepath.Join(t.TempDir(), "robot.lock.json")
	if err := createExclusive(path, []byte(`{"pid": 424242}`)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := createExclusive(path, []byte(`{"pid": 1}`)); !errors.Is(err, os.ErrExist) {
		t.Fatalf("second create err = %v, want ErrExist", err)
	}
	if _, err := Acquire(path); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("err = %v", err)
	}
	if rec, _ := Read(path); rec.PID != 424242 {
		t.Fatalf("record = %+v", rec)
	}
}
