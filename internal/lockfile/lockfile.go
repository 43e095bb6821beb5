// Package lockfile keeps two skillhub processes from sharing one state directory.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// FileName is the lock file created inside the state directory.
const FileName = "skillhub.lock"

// ErrAlreadyLocked means another process owns the state directory.
var ErrAlreadyLocked = errors.New("state directory is locked by another process")

type Lock struct {
	path string
	f    *os.File
}

// AcquireStateDir locks stateDir/skillhub.lock, creating the directory when needed.
func AcquireStateDir(stateDir string) (*Lock, error) {
	stateDir = strings.TrimSpace(stateDir)
	if stateDir == "" {
		return nil, errors.New("state dir is empty")
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, err
	}
	l, err := Acquire(filepath.Join(stateDir, FileName))
	if errors.Is(err, ErrAlreadyLocked) {
		if pid, ok := Holder(filepath.Join(stateDir, FileName)); ok {
			return nil, fmt.Errorf("%w (pid %d)", ErrAlreadyLocked, pid)
		}
	}
	return l, err
}

func Acquire(path string) (*Lock, error) {
	if path == "" {
		return nil, errors.New("lock path is empty")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	if err := tryExclusive(f); err != nil {
		_ = f.Close()
		return nil, err
	}

	// The pid is informational only.
	_ = f.Truncate(0)
	_, _ = f.Seek(0, 0)
	_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
	_ = f.Sync()

	return &Lock{path: path, f: f}, nil
}

// Holder reads the pid recorded by the current owner.
func Holder(path string) (int, bool) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
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
	unlockErr := release(l.f)
	closeErr := l.f.Close()
	l.f = nil
	if unlockErr != nil {
		return unlockErr
	}
	return closeErr
}
