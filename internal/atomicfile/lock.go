package atomicfile

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/listing-evidence/internal/resilience"
)

// Locker serializes read-modify-write cycles on one file across goroutines
// and across processes sharing the data directory. The OS lock lives on
// "<path>.lock"; the file itself is still replaced with Write.
type Locker struct {
	mu   sync.Mutex
	path string
	fl   *flock.Flock
}

// NewLocker returns a Locker guarding path.
func NewLocker(path string) *Locker {
	return &Locker{path: path, fl: flock.New(path + ".lock")}
}

// Lock blocks until this process holds both the in-process and the OS lock.
// A lock failure is fatal: it means the volume does not support locking.
func (l *Locker) Lock() error {
	l.mu.Lock()
	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		l.mu.Unlock()
		return resilience.Fatal(eris.Wrapf(err, "atomicfile: mkdir %s", dir))
	}
	if err := l.fl.Lock(); err != nil {
		l.mu.Unlock()
		return resilience.Fatal(eris.Wrapf(err, "atomicfile: lock %s", l.fl.Path()))
	}
	return nil
}

// Unlock releases both locks. Closing the lock file drops the OS lock even
// when the explicit unlock fails, so that failure is only logged.
func (l *Locker) Unlock() {
	if err := l.fl.Unlock(); err != nil {
		zap.L().Warn("atomicfile: unlock failed", zap.String("path", l.fl.Path()), zap.Error(err))
	}
	l.mu.Unlock()
}
