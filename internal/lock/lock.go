// Package lock guards against two controller daemons racing over the
// same state directory's Telegram long-poll offset and instance table.
package lock

import (
	"fmt"
	"time"

	"github.com/gofrs/flock"
)

// DaemonLock is an exclusive file lock held for the process lifetime.
type DaemonLock struct {
	fl *flock.Flock
}

// Acquire tries path up to attempts times, sleeping a fixed wait
// between tries, before giving up.
func Acquire(path string, attempts int, wait time.Duration) (*DaemonLock, error) {
	fl := flock.New(path)

	var locked bool
	var err error
	for i := 0; i < attempts; i++ {
		locked, err = fl.TryLock()
		if locked || err != nil {
			break
		}
		time.Sleep(wait)
	}
	if err != nil {
		return nil, fmt.Errorf("acquiring lock %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("lock %s held by another process", path)
	}
	return &DaemonLock{fl: fl}, nil
}

// Release drops the lock.
func (d *DaemonLock) Release() error {
	return d.fl.Unlock()
}
