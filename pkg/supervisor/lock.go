package supervisor

import (
	"fmt"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/pgmoneta-go/pgmoneta/internal/perrors"
)

// Operation names the kind of repository-exclusive request holding the
// lock, purely so the BusyError it returns on contention names the right
// verb (§4.9: "a second request on a locked repository is rejected with
// RESTORE_ACTIVE/BACKUP_ACTIVE").
type Operation string

const (
	OpBackup  Operation = "BACKUP_ACTIVE"
	OpRestore Operation = "RESTORE_ACTIVE"
	OpVerify  Operation = "VERIFY_ACTIVE"
	OpDelete  Operation = "DELETE_ACTIVE"
	OpRetain  Operation = "RETAIN_ACTIVE"
	OpExpunge Operation = "EXPUNGE_ACTIVE"
	OpArchive Operation = "ARCHIVE_ACTIVE"
)

// RepositoryLock is the single-writer lock for one server's repository: an
// in-process atomic CAS backed by a real advisory file lock, so a second
// *process* racing the same repository directory is also rejected, not just
// a second goroutine in this one (§4.9, §8 property 4, scenario S5).
type RepositoryLock struct {
	state    *ServerState
	fileLock *flock.Flock
}

// NewRepositoryLock opens (without acquiring) the advisory lock file under
// the server's repository directory.
func NewRepositoryLock(state *ServerState, repositoryDir string) *RepositoryLock {
	path := filepath.Join(repositoryDir, ".pgmoneta.lock")
	return &RepositoryLock{state: state, fileLock: flock.New(path)}
}

// Release is returned by Acquire and must be called on every exit path
// (success or failure), per §4.9's locking rule.
type Release func()

// Locked reports whether this process currently holds the repository lock,
// for status/status-details to surface without attempting (and releasing)
// an acquire of their own.
func (l *RepositoryLock) Locked() bool { return l.state.repoCAS.Load() }

// Acquire takes the repository lock for op's duration. On contention it
// returns a *perrors.Error of KindBusy naming op's active-operation string,
// within the same call — no blocking wait, matching scenario S5's
// within-the-same-second expectation.
func (l *RepositoryLock) Acquire(op Operation) (Release, error) {
	if !l.state.acquireRepo() {
		return nil, perrors.Newf(perrors.KindBusy, "supervisor", "%s", op)
	}

	ok, err := l.fileLock.TryLock()
	if err != nil {
		l.state.releaseRepo()
		return nil, perrors.New(perrors.KindBusy, "supervisor", fmt.Errorf("acquire file lock: %w", err))
	}
	if !ok {
		l.state.releaseRepo()
		return nil, perrors.Newf(perrors.KindBusy, "supervisor", "%s", op)
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		_ = l.fileLock.Unlock()
		l.state.releaseRepo()
	}, nil
}
