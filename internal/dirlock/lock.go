package dirlock

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// ErrLocked is returned when another geoingest process owns the data dir.
var ErrLocked = errors.New("data dir is locked")

const lockName = ".geoingest.lock"

// Holder describes the process that owns a lock. It is written into the lock
// file so a second instance can say who it collided with.
type Holder struct {
	PID       int    `json:"pid"`
	Mode      string `json:"mode"`
	StartedAt string `json:"startedAt"`
}

// Lock guards a data directory holding the sqlite run ledger. It stays held
// while the file handle is open.
type Lock struct {
	path string
	f    *os.File
}

func LockPath(dataDir string) string {
	return filepath.Join(dataDir, lockName)
}

// Acquire takes an exclusive, non-blocking lock on dataDir.
func Acquire(dataDir, mode string) (*Lock, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, err
	}
	lockPath := LockPath(dataDir)
	// #nosec G304 -- lockPath is derived from the configured data directory.
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	if err := lockFile(f); err != nil {
		holder, _ := readHolder(f)
		_ = f.Close()
		if errors.Is(err, ErrLocked) {
			if holder.PID > 0 {
				return nil, fmt.Errorf("%w: %s (pid=%d mode=%s since %s)", ErrLocked, lockPath, holder.PID, holder.Mode, holder.StartedAt)
			}
			return nil, fmt.Errorf("%w: %s", ErrLocked, lockPath)
		}
		return nil, err
	}

	if err := writeHolder(f, Holder{
		PID:       os.Getpid(),
		Mode:      mode,
		StartedAt: time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		_ = unlockFile(f)
		_ = f.Close()
		return nil, err
	}
	return &Lock{path: lockPath, f: f}, nil
}

// ReadHolder reports who holds the lock in dataDir, if anyone wrote it.
func ReadHolder(dataDir string) (Holder, error) {
	// #nosec G304 -- path is derived from the configured data directory.
	f, err := os.Open(LockPath(dataDir))
	if err != nil {
		return Holder{}, err
	}
	defer f.Close()
	return readHolder(f)
}

func readHolder(f *os.File) (Holder, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return Holder{}, err
	}
	var h Holder
	if err := json.NewDecoder(f).Decode(&h); err != nil {
		return Holder{}, err
	}
	return h, nil
}

func writeHolder(f *os.File, h Holder) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(h); err != nil {
		return err
	}
	return f.Sync()
}

func (l *Lock) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := unlockFile(l.f)
	_ = l.f.Close()
	l.f = nil
	return err
}
