// Package lockfile implements per-repository, per-operation-kind mutual
// exclusion via exclusively-created filesystem marker files. The marker
// records the holder's pid and acquisition time so a stuck lock can be
// diagnosed from outside the process.
package lockfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/arturoeanton/repolens/internal/port"
	"github.com/google/uuid"
)

const (
	initialPollInterval = 50 * time.Millisecond
	maxPollInterval     = time.Second
)

// marker is the JSON body written into a lock file.
type marker struct {
	PID        int       `json:"pid"`
	Token      string    `json:"token"`
	AcquiredAt time.Time `json:"acquired_at"`
	TTL        string    `json:"ttl"`
}

// Manager creates and releases lock files under a single directory.
type Manager struct {
	dir      string
	staleTTL time.Duration
	logger   *slog.Logger
}

// NewManager returns a Manager rooted at dir. Locks older than staleTTL whose
// holder process is gone are treated as stale and stolen.
func NewManager(dir string, staleTTL time.Duration, logger *slog.Logger) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{dir: dir, staleTTL: staleTTL, logger: logger}, nil
}

// Handle is a held lock. Release is idempotent.
type Handle struct {
	mgr   *Manager
	path  string
	token string

	mu       sync.Mutex
	released bool
}

// Acquire implements port.Locker. A timeout of zero attempts exactly once.
func (m *Manager) Acquire(ctx context.Context, repoID string, kind port.LockKind, timeout time.Duration) (port.LockHandle, error) {
	path := m.lockPath(repoID, kind)
	token := uuid.NewString()
	deadline := time.Now().Add(timeout)
	interval := initialPollInterval

	for {
		ok, err := m.tryCreate(path, token)
		if err != nil {
			return nil, err
		}
		if ok {
			return &Handle{mgr: m, path: path, token: token}, nil
		}

		if stolen := m.reapStale(path); stolen {
			continue
		}

		if timeout <= 0 || !time.Now().Add(interval).Before(deadline) {
			return nil, fmt.Errorf("lock %s/%s held by another operation: %w", repoID, kind, port.ErrLockTimeout)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
		if interval *= 2; interval > maxPollInterval {
			interval = maxPollInterval
		}
	}
}

// tryCreate attempts a single exclusive creation of the lock file.
func (m *Manager) tryCreate(path, token string) (bool, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("create lock file: %w", err)
	}
	defer f.Close()

	body, err := json.Marshal(marker{
		PID:        os.Getpid(),
		Token:      token,
		AcquiredAt: time.Now().UTC(),
		TTL:        m.staleTTL.String(),
	})
	if err != nil {
		return false, fmt.Errorf("encode lock marker: %w", err)
	}
	if _, err := f.Write(body); err != nil {
		// Half-written marker: remove it so we never leave an unparseable lock.
		_ = os.Remove(path)
		return false, fmt.Errorf("write lock marker: %w", err)
	}
	return true, nil
}

// reapStale removes the lock file at path when its holder is provably gone or
// its TTL has elapsed. Returns true when the lock was removed.
//
// Removal goes through an exclusively-created reap guard: without it two
// contenders could both classify the same marker stale, and the slower
// Remove would delete the fresh lock the faster one had just created.
func (m *Manager) reapStale(path string) bool {
	body, err := os.ReadFile(path)
	if err != nil {
		// Already released by the holder between our attempts.
		return errors.Is(err, fs.ErrNotExist)
	}

	var mk marker
	parseable := json.Unmarshal(body, &mk) == nil
	expired := parseable && m.staleTTL > 0 && time.Since(mk.AcquiredAt) > m.staleTTL
	dead := parseable && mk.PID != os.Getpid() && !processAlive(mk.PID)
	if parseable && !expired && !dead {
		return false
	}

	guard := path + ".reap"
	gf, err := os.OpenFile(guard, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			m.clearAbandonedGuard(guard)
		}
		return false
	}
	gf.Close()
	defer os.Remove(guard)

	// Re-read under the guard: remove only the exact marker we classified.
	// A fresh lock written in between carries a different token and stays.
	body2, err := os.ReadFile(path)
	if err != nil {
		return errors.Is(err, fs.ErrNotExist)
	}
	var cur marker
	if json.Unmarshal(body2, &cur) == nil && parseable && cur.Token != mk.Token {
		return false
	}

	switch {
	case !parseable:
		m.logger.Warn("removing unparseable lock file", "path", path)
	case expired:
		m.logger.Warn("stealing expired lock", "path", path, "holder_pid", mk.PID, "acquired_at", mk.AcquiredAt)
	default:
		m.logger.Warn("stealing lock of dead process", "path", path, "holder_pid", mk.PID)
	}
	return os.Remove(path) == nil
}

// clearAbandonedGuard removes a reap guard whose creator died mid-steal so
// stale locks do not become unreapable forever.
func (m *Manager) clearAbandonedGuard(guard string) {
	info, err := os.Stat(guard)
	if err == nil && time.Since(info.ModTime()) > time.Minute {
		m.logger.Warn("removing abandoned reap guard", "path", guard)
		_ = os.Remove(guard)
	}
}

func (m *Manager) lockPath(repoID string, kind port.LockKind) string {
	// Canonical paths contain slashes; flatten so one directory holds all locks.
	safe := strings.NewReplacer("/", "_", string(filepath.Separator), "_").Replace(repoID)
	return filepath.Join(m.dir, fmt.Sprintf("%s.%s.lock", safe, kind))
}

// Release removes the lock file if it still carries this handle's token.
// Calling Release more than once is safe; a missing file is success.
func (h *Handle) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return nil
	}
	h.released = true

	body, err := os.ReadFile(h.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read lock file: %w", err)
	}

	var mk marker
	if err := json.Unmarshal(body, &mk); err == nil && mk.Token != h.token {
		// The lock was stolen after our TTL elapsed; it is not ours to remove.
		h.mgr.logger.Warn("lock no longer owned at release", "path", h.path)
		return nil
	}

	if err := os.Remove(h.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove lock file: %w", err)
	}
	return nil
}

// processAlive reports whether a pid refers to a live process.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	// EPERM means the process exists but belongs to another user.
	return errors.Is(err, syscall.EPERM)
}
