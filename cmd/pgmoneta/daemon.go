package main

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/pgmoneta-go/pgmoneta/internal/config"
	"github.com/pgmoneta-go/pgmoneta/internal/metrics"
	"github.com/pgmoneta-go/pgmoneta/internal/pglog"
	"github.com/pgmoneta-go/pgmoneta/internal/rpc"
	"github.com/pgmoneta-go/pgmoneta/internal/security"
	"github.com/pgmoneta-go/pgmoneta/pkg/replication"
	"github.com/pgmoneta-go/pgmoneta/pkg/repository"
	"github.com/pgmoneta-go/pgmoneta/pkg/supervisor"
	"github.com/pgmoneta-go/pgmoneta/pkg/walstream"
	"github.com/pgmoneta-go/pgmoneta/pkg/wire"
)

// retentionSweepInterval is how often the retention periodic wakes up to
// check backup ages against pgmoneta.retention_seconds; the threshold and
// the sweep cadence are deliberately separate knobs.
const retentionSweepInterval = time.Hour

// scramIterations is the SCRAM-SHA-256 iteration count used to derive
// admin channel verifiers from pgmoneta.conf's plaintext admin passwords.
const scramIterations = 4096

// backupLabelLayout is the timestamp format backup labels are generated
// in, so retention can recover a backup's age directly from its label
// without a separate timestamp field on repository.Backup.
const backupLabelLayout = "20060102150405"

// serverRuntime bundles one configured server's long-lived state: its
// repository, supervisor-tracked ServerState, and repository lock.
type serverRuntime struct {
	cfg   *config.ServerConfig
	repo  *repository.Repository
	state *supervisor.ServerState
	lock  *supervisor.RepositoryLock
}

// daemon holds everything runDaemon wires together and the handlers in
// handlers.go close over.
type daemon struct {
	cfg     *config.Config
	watcher *config.Watcher
	servers map[string]*serverRuntime

	sup      *supervisor.Supervisor
	listener *supervisor.Listener
	metrics  *http.Server

	ctx    context.Context
	cancel context.CancelFunc

	confMu        sync.Mutex
	confOverrides map[string]string
}

func runDaemon(parentCtx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	pglog.Init(pglog.Config{Level: pglog.Level(cfg.Pgmoneta.LogLevel), JSONOutput: cfg.Pgmoneta.LogJSON})
	log := pglog.WithComponent("daemon")

	if _, err := security.EnsureMasterKey(); err != nil {
		return fmt.Errorf("ensure master key: %w", err)
	}

	watcher, err := config.NewWatcher(configPath, cfg)
	if err != nil {
		return err
	}
	defer watcher.Close()

	ctx, cancel := context.WithCancel(parentCtx)
	d := &daemon{
		cfg:           cfg,
		watcher:       watcher,
		servers:       make(map[string]*serverRuntime),
		ctx:           ctx,
		cancel:        cancel,
		confOverrides: make(map[string]string),
	}

	var states []*supervisor.ServerState
	for name, sc := range cfg.Servers {
		repo, err := repository.Open(cfg.Pgmoneta.BaseDir, name)
		if err != nil {
			cancel()
			return fmt.Errorf("open repository for %s: %w", name, err)
		}
		state := supervisor.NewServerState(name)
		state.SetOnline(true)
		sr := &serverRuntime{
			cfg:   sc,
			repo:  repo,
			state: state,
			lock:  supervisor.NewRepositoryLock(state, repo.Layout.Root),
		}
		d.servers[name] = sr
		states = append(states, state)
	}

	intervals := supervisor.Intervals{}
	if cfg.Pgmoneta.RetentionSeconds > 0 {
		intervals.Retention = retentionSweepInterval
	}
	if cfg.Pgmoneta.VerificationSeconds > 0 {
		intervals.Verification = time.Duration(cfg.Pgmoneta.VerificationSeconds) * time.Second
	}

	d.sup = supervisor.New(states, supervisor.Callbacks{
		Valid:          d.validCallback,
		ShouldStream:   d.shouldStreamCallback,
		StartStreaming: d.startStreamingCallback,
		Retention:      d.retentionCallback,
		Verification:   d.verificationCallback,
	}, intervals)
	d.sup.Start(ctx)

	dispatcher := rpc.NewDispatcher()
	d.registerHandlers(dispatcher)

	admins := make(map[string]wire.AdminCredential, len(cfg.Admins))
	adminUsers := make(map[string]bool, len(cfg.Admins))
	for _, a := range cfg.Admins {
		cred, err := wire.DeriveAdminCredential(a.User, a.Password, scramIterations)
		if err != nil {
			cancel()
			return fmt.Errorf("derive admin credential for %s: %w", a.User, err)
		}
		admins[a.User] = cred
		adminUsers[a.User] = true
	}
	dispatcher.AdminUsers = adminUsers

	listenerCfg := supervisor.ListenerConfig{
		UnixSocketPath: filepath.Join(cfg.Pgmoneta.UnixSocketDir, ".s.pgmoneta"),
		Admins:         admins,
	}
	if cfg.Pgmoneta.TCPAdminPort > 0 {
		listenerCfg.TCPAddress = fmt.Sprintf(":%d", cfg.Pgmoneta.TCPAdminPort)
	}
	listener, err := supervisor.NewListener(listenerCfg, dispatcher.Handle)
	if err != nil {
		cancel()
		return err
	}
	d.listener = listener
	go listener.Serve(ctx)
	log.Info().Str("socket", listenerCfg.UnixSocketPath).Msg("management channel listening")

	if cfg.Pgmoneta.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		d.metrics = &http.Server{Addr: fmt.Sprintf(":%d", cfg.Pgmoneta.MetricsPort), Handler: mux}
		go func() {
			if err := d.metrics.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Warn().Err(err).Msg("metrics server error")
			}
		}()
		log.Info().Int("port", cfg.Pgmoneta.MetricsPort).Msg("metrics endpoint listening")
	}

	fmt.Println("✓ pgmoneta started")

	waitForShutdown(ctx, cancel, func() {
		newCfg, err := d.watcher.Reload()
		if err != nil {
			log.Warn().Err(err).Msg("reload failed")
			return
		}
		d.cfg = newCfg
		pglog.Init(pglog.Config{Level: pglog.Level(newCfg.Pgmoneta.LogLevel), JSONOutput: newCfg.Pgmoneta.LogJSON})
		log.Info().Msg("configuration reloaded")
	})

	d.sup.Stop()
	listener.Close()
	for name, sr := range d.servers {
		if err := sr.repo.Close(); err != nil {
			log.Warn().Err(err).Str("server", name).Msg("error closing repository")
		}
	}
	if d.metrics != nil {
		_ = d.metrics.Shutdown(context.Background())
	}
	fmt.Println("✓ Shutdown complete")
	return nil
}

// dialOrigin opens a replication session to sr's origin server.
func (d *daemon) dialOrigin(sr *serverRuntime) (*replication.Session, error) {
	timeout := time.Duration(d.cfg.Pgmoneta.AuthenticationTimeoutSeconds) * time.Second
	return replication.Dial(replication.Config{
		Network:         "tcp",
		Address:         fmt.Sprintf("%s:%d", sr.cfg.Host, sr.cfg.Port),
		User:            sr.cfg.User,
		Password:        sr.cfg.Password,
		Database:        "replication",
		ApplicationName: "pgmoneta",
		Replication:     true,
		DialTimeout:     timeout,
	})
}

// validCallback is supervisor.Callbacks.Valid: reconnect to the origin and
// re-fetch its system identity, reporting whether it is now reachable.
func (d *daemon) validCallback(state *supervisor.ServerState) bool {
	sr, ok := d.servers[state.Name]
	if !ok {
		return false
	}
	sess, err := d.dialOrigin(sr)
	if err != nil {
		return false
	}
	defer sess.Close()
	_, err = sess.IdentifySystem()
	return err == nil
}

// shouldStreamCallback is supervisor.Callbacks.ShouldStream: a server may
// only stream once its followed peer (if any) is already streaming.
func (d *daemon) shouldStreamCallback(state *supervisor.ServerState) bool {
	sr, ok := d.servers[state.Name]
	if !ok || !state.Online() {
		return false
	}
	if sr.cfg.Follow == "" {
		return true
	}
	peer, ok := d.sup.Server(sr.cfg.Follow)
	if !ok {
		return false
	}
	return peer.Streaming()
}

// startStreamingCallback is supervisor.Callbacks.StartStreaming: launches
// a walstream.Streamer for the server in its own goroutine, marking it
// streaming for the duration of the run (state.SetStreaming(true) before
// spawning, false once Run returns).
func (d *daemon) startStreamingCallback(state *supervisor.ServerState) {
	sr, ok := d.servers[state.Name]
	if !ok {
		return
	}
	state.SetStreaming(true)

	segSize := int64(d.cfg.Pgmoneta.WALSegmentSize.Bytes())
	streamer := walstream.New(walstream.Config{
		ServerName:  sr.cfg.Name,
		SlotName:    sr.cfg.WALSlot,
		SegmentSize: segSize,
		WALDir:      sr.repo.Layout.WALDir(),
		Dial:        func() (*replication.Session, error) { return d.dialOrigin(sr) },
	})

	go func() {
		defer state.SetStreaming(false)
		log := pglog.WithServer(sr.cfg.Name)
		if err := streamer.Run(d.ctx); err != nil && d.ctx.Err() == nil {
			log.Warn().Err(err).Msg("wal streamer stopped")
		}
	}()
}
