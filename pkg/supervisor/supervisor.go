package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pgmoneta-go/pgmoneta/internal/pglog"
)

// Callbacks are the actions the periodics drive. They live outside this
// package (replication dialing, WAL streamer lifecycle, retention, SHA
// verification) so the supervisor itself stays a scheduler, not an operator
// of any one subsystem.
type Callbacks struct {
	// Valid re-fetches capability info for a server that is online but not
	// valid, and reports whether it is now valid.
	Valid func(server *ServerState) bool

	// ShouldStream reports whether server should have a running WAL
	// streamer right now, honoring "follow" (§4.9: "a server may only
	// stream when its followed peer is also streaming").
	ShouldStream func(server *ServerState) bool

	// StartStreaming (re)starts the WAL streamer for server. Called only
	// when ShouldStream(server) is true and server is not already
	// streaming.
	StartStreaming func(server *ServerState)

	// Retention runs one retention sweep across all servers.
	Retention func()

	// Verification runs one SHA-verify sweep across all servers.
	Verification func()
}

// Intervals configures each periodic's period. A zero Valid or WALStreaming
// interval falls back to its default; a zero Retention or Verification
// interval disables that periodic entirely.
type Intervals struct {
	Valid        time.Duration // default 600s
	WALStreaming time.Duration // default 60s
	Retention    time.Duration
	Verification time.Duration
}

// Supervisor runs the process-wide periodics of §4.9 across a fixed set of
// servers. It does not itself own the management channel listeners (see
// dispatch.go) or any one server's replication session.
type Supervisor struct {
	servers   map[string]*ServerState
	callbacks Callbacks
	intervals Intervals
	log       zerolog.Logger

	mu      sync.Mutex
	wg      sync.WaitGroup
	stopCh  chan struct{}
	started bool
}

// New constructs a supervisor for the given servers. Missing interval
// fields in intervals fall back to the §4.9 defaults.
func New(servers []*ServerState, callbacks Callbacks, intervals Intervals) *Supervisor {
	if intervals.Valid == 0 {
		intervals.Valid = 600 * time.Second
	}
	if intervals.WALStreaming == 0 {
		intervals.WALStreaming = 60 * time.Second
	}

	byName := make(map[string]*ServerState, len(servers))
	for _, s := range servers {
		byName[s.Name] = s
	}

	return &Supervisor{
		servers:   byName,
		callbacks: callbacks,
		intervals: intervals,
		log:       pglog.WithComponent("supervisor"),
		stopCh:    make(chan struct{}),
	}
}

// Server looks up a tracked server by name.
func (s *Supervisor) Server(name string) (*ServerState, bool) {
	st, ok := s.servers[name]
	return st, ok
}

// Start launches every configured periodic in its own goroutine.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	s.runPeriodic(ctx, "valid_cb", s.intervals.Valid, s.runValidCycle)
	s.runPeriodic(ctx, "wal_streaming_cb", s.intervals.WALStreaming, s.runWALStreamingCycle)
	if s.intervals.Retention > 0 && s.callbacks.Retention != nil {
		s.runPeriodic(ctx, "retention_cb", s.intervals.Retention, func() { s.callbacks.Retention() })
	}
	if s.intervals.Verification > 0 && s.callbacks.Verification != nil {
		s.runPeriodic(ctx, "verification_cb", s.intervals.Verification, func() { s.callbacks.Verification() })
	}
}

// Stop signals every periodic to exit and waits for them to do so.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
}

func (s *Supervisor) runPeriodic(ctx context.Context, name string, interval time.Duration, cycle func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		s.log.Info().Str("periodic", name).Dur("interval", interval).Msg("periodic started")
		for {
			select {
			case <-ticker.C:
				cycle()
			case <-ctx.Done():
				s.log.Info().Str("periodic", name).Msg("periodic stopped (context done)")
				return
			case <-s.stopCh:
				s.log.Info().Str("periodic", name).Msg("periodic stopped")
				return
			}
		}
	}()
}

// runValidCycle is valid_cb: for each online-but-not-valid server, reconnect
// and refetch capability info (§4.9).
func (s *Supervisor) runValidCycle() {
	if s.callbacks.Valid == nil {
		return
	}
	for _, server := range s.servers {
		if !server.Online() || server.Valid() {
			continue
		}
		valid := s.callbacks.Valid(server)
		server.SetValid(valid)
		if !valid {
			s.log.Warn().Str("server", server.Name).Msg("server still invalid after valid_cb refresh")
		}
	}
}

// runWALStreamingCycle is wal_streaming_cb: start or restart WAL streamers
// for servers that should have one but don't (§4.9).
func (s *Supervisor) runWALStreamingCycle() {
	if s.callbacks.ShouldStream == nil || s.callbacks.StartStreaming == nil {
		return
	}
	for _, server := range s.servers {
		if server.Streaming() {
			continue
		}
		if !s.callbacks.ShouldStream(server) {
			continue
		}
		s.callbacks.StartStreaming(server)
	}
}
