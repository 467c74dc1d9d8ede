package destination

import (
	"fmt"
	"os"
	"syscall"

	"github.com/ralt/opm/internal/models"
	"github.com/ralt/opm/internal/utils"
)

// Lock is the held advisory lock on a destination. Exactly one transaction
// may run per destination at a time.
type Lock struct {
	f *os.File
}

// AcquireLock takes the destination's advisory lock without blocking. A lock
// held by another instance yields a models.ErrLock error, mapped to the
// dedicated exit code.
func (d *Dest) AcquireLock() (*Lock, error) {
	if err := utils.EnsureDir(d.InfoDir); err != nil {
		return nil, &models.OpmError{Type: models.ErrIO, Err: err}
	}

	f, err := os.OpenFile(d.LockPath(), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, &models.OpmError{Type: models.ErrIO, Err: err}
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, &models.OpmError{
			Type: models.ErrLock,
			Err:  fmt.Errorf("destination %s is locked by another instance", d.Name),
		}
	}
	return &Lock{f: f}, nil
}

// Release drops the lock. Safe to call more than once.
func (l *Lock) Release() error {
	if l.f == nil {
		return nil
	}
	syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	err := l.f.Close()
	l.f = nil
	return err
}
