// Package lock provides the single mutual-exclusion lock that keeps two
// backup runs, or a backup and a restore, from touching the same repository
// profile concurrently.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
)

// ErrLocked indicates another live process holds the lock.
var ErrLocked = errors.New("repository profile is locked")

// ErrStale indicates a lock file whose holder is no longer alive. It is
// never cleared automatically; the error tells the operator which file to
// remove after verifying no run is in progress.
var ErrStale = errors.New("stale lock file")

// Handle is an acquired lock. Release must be called on every exit path;
// callers defer it immediately after Acquire.
type Handle struct {
	path string
}

// Path returns the lock file location, mainly for logging.
func (h *Handle) Path() string { return h.path }

// Release removes the lock file. Safe to call once per Handle.
func (h *Handle) Release() error {
	if err := os.Remove(h.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("release lock %s: %w", h.path, err)
	}
	return nil
}

// Acquire takes the lock for the given repository profile, stamping the lock
// file with this process's PID.
func Acquire(dir, profile string) (*Handle, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory %s: %w", dir, err)
	}
	path := filepath.Join(dir, profile+".lock")

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err == nil {
		_, werr := fmt.Fprintf(f, "%d\n", os.Getpid())
		cerr := f.Close()
		if werr != nil || cerr != nil {
			_ = os.Remove(path)
			return nil, fmt.Errorf("write lock %s: %w", path, errors.Join(werr, cerr))
		}
		return &Handle{path: path}, nil
	}
	if !os.IsExist(err) {
		return nil, fmt.Errorf("create lock %s: %w", path, err)
	}

	pid, perr := readPID(path)
	if perr != nil {
		return nil, fmt.Errorf("%w: %s is unreadable: %v", ErrLocked, path, perr)
	}
	alive, aerr := process.PidExists(int32(pid))
	if aerr == nil && !alive {
		return nil, fmt.Errorf(
			"%w: %s names dead PID %d; verify no run is in progress, then remove the file",
			ErrStale, path, pid,
		)
	}
	return nil, fmt.Errorf("%w: held by PID %d (%s)", ErrLocked, pid, path)
}

func readPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse pid: %w", err)
	}
	return pid, nil
}
