package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"net"

	"github.com/rs/zerolog"

	"github.com/pgmoneta-go/pgmoneta/internal/pglog"
	"github.com/pgmoneta-go/pgmoneta/internal/perrors"
	"github.com/pgmoneta-go/pgmoneta/pkg/wire"
)

// Handler processes one already-accepted, already-authenticated connection.
// The supervisor dispatches each accepted connection to its own goroutine
// (§4.9: "dispatches each request as a short-lived child task"); Handler is
// where internal/rpc's JSON protocol plugs in.
type Handler func(ctx context.Context, conn net.Conn, user string)

// Listener runs the local Unix-socket management channel and, if
// configured, the TCP admin channel alongside it.
type Listener struct {
	handler Handler
	log     zerolog.Logger

	unixListener net.Listener
	tcpListener  net.Listener
	admins       map[string]wire.AdminCredential
}

// ListenerConfig names the two channels described in §4.9.
type ListenerConfig struct {
	// UnixSocketPath is required: the local management channel every
	// deployment has.
	UnixSocketPath string

	// TCPAddress, if non-empty, opens the optional admin channel.
	TCPAddress string

	// Admins holds the TCP channel's SCRAM verifiers, keyed by username.
	// Required when TCPAddress is set.
	Admins map[string]wire.AdminCredential
}

// NewListener opens the Unix socket (and, if configured, the TCP admin
// socket) but does not yet accept connections; call Serve for that.
func NewListener(cfg ListenerConfig, handler Handler) (*Listener, error) {
	unixLn, err := net.Listen("unix", cfg.UnixSocketPath)
	if err != nil {
		return nil, perrors.New(perrors.KindNetwork, "supervisor", fmt.Errorf("listen on %s: %w", cfg.UnixSocketPath, err))
	}

	l := &Listener{
		handler:      handler,
		log:          pglog.WithComponent("supervisor"),
		unixListener: unixLn,
		admins:       cfg.Admins,
	}

	if cfg.TCPAddress != "" {
		tcpLn, err := net.Listen("tcp", cfg.TCPAddress)
		if err != nil {
			unixLn.Close()
			return nil, perrors.New(perrors.KindNetwork, "supervisor", fmt.Errorf("listen on %s: %w", cfg.TCPAddress, err))
		}
		l.tcpListener = tcpLn
	}

	return l, nil
}

// Serve accepts connections on both channels until ctx is done or Close is
// called. It blocks; callers run it in its own goroutine.
func (l *Listener) Serve(ctx context.Context) {
	go l.acceptLoop(ctx, l.unixListener, false)
	if l.tcpListener != nil {
		go l.acceptLoop(ctx, l.tcpListener, true)
	}
	<-ctx.Done()
	l.Close()
}

// Close stops accepting new connections on both channels.
func (l *Listener) Close() {
	l.unixListener.Close()
	if l.tcpListener != nil {
		l.tcpListener.Close()
	}
}

func (l *Listener) acceptLoop(ctx context.Context, ln net.Listener, requireAuth bool) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			l.log.Warn().Err(err).Msg("management channel accept failed")
			return
		}
		go l.handleConn(ctx, conn, requireAuth)
	}
}

func (l *Listener) handleConn(ctx context.Context, conn net.Conn, requireAuth bool) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error().Interface("panic", r).Msg("management request handler panicked")
			conn.Close()
		}
	}()

	user := "local"
	if requireAuth {
		startupPayload, err := wire.ReadStartupFrame(conn)
		if err != nil {
			conn.Close()
			return
		}
		user = parseStartupUser(startupPayload)
		if err := wire.AuthenticateAdmin(conn, user, l.admins); err != nil {
			l.log.Warn().Err(err).Str("user", user).Msg("admin channel authentication failed")
			conn.Close()
			return
		}
	}

	l.handler(ctx, conn, user)
}

// parseStartupUser extracts the "user" key from a StartupMessage-shaped
// payload (protocol version int32 followed by NUL-terminated key/value
// pairs, terminated by an empty string), the same shape
// pkg/replication.Session.startup writes.
func parseStartupUser(payload []byte) string {
	if len(payload) < 4 {
		return ""
	}
	parts := bytes.Split(payload[4:], []byte{0})
	for i := 0; i+1 < len(parts); i += 2 {
		if string(parts[i]) == "user" {
			return string(parts[i+1])
		}
	}
	return ""
}
