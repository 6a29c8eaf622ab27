package dispatch

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Lock protocol tunables. Variables so tests can compress the timings.
var (
	lockRetryInterval = 50 * time.Millisecond
	lockAcquireLimit  = 10 * time.Second
	lockStaleAge      = 30 * time.Second
)

// acquireLock takes the advisory lock next to the state file. The lock file is
// created with exclusive-create semantics and holds the acquisition time in
// unix milliseconds so waiters can detect holders that died.
//
// A waiter that finds a lock older than lockStaleAge removes it and retries.
// A waiter that exhausts the acquisition deadline force-removes the lock and
// writes its own; only if that final attempt also fails is a StoreLockError
// returned.
func acquireLock(lockPath string) (release func(), err error) {
	deadline := time.Now().Add(lockAcquireLimit)

	for {
		if ok, err := tryCreateLock(lockPath); err != nil {
			return nil, err
		} else if ok {
			return func() { releaseLock(lockPath) }, nil
		}

		if age, ok := lockAge(lockPath); ok && age > lockStaleAge {
			// Holder is presumed dead; reclaim and retry immediately.
			_ = os.Remove(lockPath)
			continue
		}

		if time.Now().After(deadline) {
			// Forced recovery: evict whoever holds it and take over.
			_ = os.Remove(lockPath)
			ok, err := tryCreateLock(lockPath)
			if err == nil && ok {
				return func() { releaseLock(lockPath) }, nil
			}
			if err == nil {
				err = fmt.Errorf("lock recreated by another process after forced removal")
			}
			return nil, &StoreLockError{Path: lockPath, Timeout: lockAcquireLimit, Err: err}
		}

		time.Sleep(lockRetryInterval)
	}
}

// tryCreateLock attempts one exclusive create. Returns (false, nil) when the
// lock is held by someone else.
func tryCreateLock(lockPath string) (bool, error) {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to create lock file: %w", err)
	}

	_, werr := f.WriteString(strconv.FormatInt(time.Now().UnixMilli(), 10))
	cerr := f.Close()
	if werr != nil || cerr != nil {
		_ = os.Remove(lockPath)
		if werr == nil {
			werr = cerr
		}
		return false, fmt.Errorf("failed to write lock file: %w", werr)
	}
	return true, nil
}

// lockAge reads the holder's acquisition timestamp. A lock file with an
// unreadable or unparsable body reports ok=false and is left to the deadline
// path.
func lockAge(lockPath string) (time.Duration, bool) {
	data, err := os.ReadFile(lockPath) // #nosec G304 -- sibling of the configured state path
	if err != nil {
		return 0, false
	}
	ms, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, false
	}
	return time.Since(time.UnixMilli(ms)), true
}

// releaseLock unlinks the lock file. A missing lock is not an error: the
// holder may have been evicted by a waiter after a crash.
func releaseLock(lockPath string) {
	if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
		// Nothing useful the caller can do; the stale-lock path will recover.
		_ = err
	}
}
