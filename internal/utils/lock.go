package utils

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
)

const (
	lockFileSuffix = ".lock"
)

// ErrAccountBusy is returned by TryLock when another process holds the lock.
var ErrAccountBusy = errors.New("another egsclaim run is using this account")

// AccountLock serializes runs against one storefront account across
// processes.
type AccountLock struct {
	lock *flock.Flock
	path string
}

// NewAccountLock creates the lock for email under dir.
func NewAccountLock(dir, email string) (*AccountLock, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("could not get absolute data dir: %w", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		return nil, fmt.Errorf("could not create data dir: %w", err)
	}
	sum := sha1.Sum([]byte(strings.ToLower(strings.TrimSpace(email))))
	lockPath := filepath.Join(absDir, "account-"+hex.EncodeToString(sum[:8])+lockFileSuffix)
	return &AccountLock{
		lock: flock.New(lockPath),
		path: lockPath,
	}, nil
}

// Lock acquires the account lock, waiting if necessary.
// It will print a message if it has to wait.
func (l *AccountLock) Lock() error {
	locked, err := l.lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire lock on %s: %w", l.path, err)
	}

	if !locked {
		Log.Warnf("Another egsclaim process is using this account, waiting for it to finish...")
		if err := l.lock.Lock(); err != nil {
			return fmt.Errorf("failed to acquire lock on %s after waiting: %w", l.path, err)
		}
	}
	return nil
}

// TryLock acquires the lock without waiting.
func (l *AccountLock) TryLock() error {
	locked, err := l.lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire lock on %s: %w", l.path, err)
	}
	if !locked {
		return ErrAccountBusy
	}
	return nil
}

// Unlock releases the account lock.
func (l *AccountLock) Unlock() error {
	if err := l.lock.Unlock(); err != nil {
		// Suppress error if the lock file doesn't exist, as it means we don't hold the lock.
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to release lock on %s: %w", l.path, err)
	}
	return nil
}

func (l *AccountLock) Path() string { return l.path }
