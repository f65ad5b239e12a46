// Package supervisor implements the C9 backup supervisor: per-server
// online/valid/repository state, the periodics that keep WAL streamers and
// capability info current, the repository single-writer lock, a worker pool
// for file-level subtasks, and the management channel listeners (§4.9).
package supervisor

import (
	"sync/atomic"
)

// ServerState tracks one protected server's runtime flags. online/valid are
// plain atomics the periodics flip; repository is the single-writer lock
// described in §4.9 ("a compare-and-set flag").
type ServerState struct {
	Name string

	online  atomic.Bool
	valid   atomic.Bool
	walOn   atomic.Bool
	repoCAS atomic.Bool
}

// NewServerState starts a server offline and invalid. The caller marks it
// online with SetOnline; the valid_cb periodic only visits online servers
// and sets valid once a reconnect succeeds.
func NewServerState(name string) *ServerState {
	return &ServerState{Name: name}
}

func (s *ServerState) Online() bool       { return s.online.Load() }
func (s *ServerState) SetOnline(v bool)   { s.online.Store(v) }
func (s *ServerState) Valid() bool        { return s.valid.Load() }
func (s *ServerState) SetValid(v bool)    { s.valid.Store(v) }
func (s *ServerState) Streaming() bool    { return s.walOn.Load() }
func (s *ServerState) SetStreaming(v bool) { s.walOn.Store(v) }

// acquireRepo is the in-process half of the repository lock: a bare
// compare-and-set from false to true. The cross-process half lives in
// RepositoryLock (lock.go), which wraps this with a flock-backed file lock.
func (s *ServerState) acquireRepo() bool { return s.repoCAS.CompareAndSwap(false, true) }
func (s *ServerState) releaseRepo()      { s.repoCAS.Store(false) }
