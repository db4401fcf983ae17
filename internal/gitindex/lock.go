package gitindex

import (
	"os"

	"github.com/alecthomas/errors"
	"golang.org/x/sys/unix"
)

// fileLock is an exclusive OS file lock held on CACHEDIR.TAG for the
// duration of init or update, per spec.md §4.E.2/§4.E.4. No file-locking
// library (e.g. gofrs/flock) appears anywhere in the retrieval pack, so this
// wraps the flock(2) syscall directly via golang.org/x/sys/unix, which is
// already a transitive dependency of the teacher's stack.
type fileLock struct {
	f *os.File
}

// lockExclusive opens path and blocks until an exclusive lock is acquired.
// There is no timeout: spec.md §4.E.6 requires the caller to block and wait.
func lockExclusive(path string) (*fileLock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "open lock file")
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "acquire exclusive lock")
	}
	return &fileLock{f: f}, nil
}

func (l *fileLock) Unlock() error {
	defer l.f.Close()
	return errors.WithStack(unix.Flock(int(l.f.Fd()), unix.LOCK_UN))
}
