package dirlock

import (
	"errors"
	"os"
	"strings"
	"testing"
)

func TestAcquireIsExclusive(t *testing.T) {
	dir := t.TempDir()
	first, err := Acquire(dir, "server")
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	defer func() { _ = first.Release() }()

	_, err = Acquire(dir, "single_file")
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("second acquire err=%v, want ErrLocked", err)
	}
	if !strings.Contains(err.Error(), "mode=server") {
		t.Fatalf("error %q does not name the holder", err)
	}

	if err := first.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	again, err := Acquire(dir, "server")
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	_ = again.Release()
}

func TestReadHolder(t *testing.T) {
	dir := t.TempDir()
	l, err := Acquire(dir, "server")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer func() { _ = l.Release() }()

	h, err := ReadHolder(dir)
	if err != nil {
		t.Fatalf("read holder: %v", err)
	}
	if h.PID != os.Getpid() || h.Mode != "server" || h.StartedAt == "" {
		t.Fatalf("holder=%+v", h)
	}
	if l.Path() != LockPath(dir) {
		t.Fatalf("path=%q, want %q", l.Path(), LockPath(dir))
	}
}

func TestReleaseNilLock(t *testing.T) {
	var l *Lock
	if err := l.Release(); err != nil {
		t.Fatalf("release nil: %v", err)
	}
	if l.Path() != "" {
		t.Fatalf("path of nil lock=%q", l.Path())
	}
}
