package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/pgmoneta-go/pgmoneta/internal/perrors"
	"github.com/pgmoneta-go/pgmoneta/internal/pglog"
)

// HandlerFunc serves one command, returning the "response" object or an
// error. The §7 error taxonomy renders straight off the error if it
// wraps *perrors.Error; any other error renders as a ProtocolError.
type HandlerFunc func(ctx context.Context, req *Request) (map[string]any, error)

// Dispatcher is the command→handler table one process-wide RPC server
// uses. AdminUsers names which TCP-channel usernames get full access;
// every other authenticated TCP caller (and, per this package's own
// choice, every unauthenticated caller) is restricted to
// IsReadOnlyCommand. The local Unix-socket user ("local", set by
// pkg/supervisor.Listener) always gets full access.
type Dispatcher struct {
	handlers   map[string]HandlerFunc
	AdminUsers map[string]bool
	log        zerolog.Logger
}

// NewDispatcher returns an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string]HandlerFunc),
		log:      pglog.WithComponent("rpc"),
	}
}

// Register binds a command name to its handler.
func (d *Dispatcher) Register(command string, fn HandlerFunc) {
	d.handlers[command] = fn
}

// isFullAccess reports whether user may call write commands on this
// dispatcher, per the §C.4 read-only-allowlist rule: local is always
// full access; a TCP caller is full access only if named in AdminUsers.
func (d *Dispatcher) isFullAccess(user string) bool {
	if user == "local" {
		return true
	}
	return d.AdminUsers[user]
}

// Handle implements the pkg/supervisor.Handler signature: one already-
// accepted (and, for the TCP channel, already-authenticated) connection
// carrying exactly one request (§6: "One request = one JSON object").
func (d *Dispatcher) Handle(ctx context.Context, conn net.Conn, user string) {
	defer conn.Close()

	var req Request
	if err := ReadMessage(conn, &req); err != nil {
		d.log.Warn().Err(err).Msg("rpc: malformed request")
		return
	}

	resp := d.dispatch(ctx, user, &req)
	if err := WriteMessage(conn, resp); err != nil {
		d.log.Warn().Err(err).Str("command", req.Header.Command).Msg("rpc: failed to write response")
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, user string, req *Request) *Response {
	start := time.Now()
	resp := &Response{Header: req.Header}

	if !IsReadOnlyCommand(req.Header.Command) && !d.isFullAccess(user) {
		resp.Outcome = Outcome{
			Status:  false,
			Seconds: time.Since(start).Seconds(),
			Error:   perrors.KindAuth.String(),
		}
		return resp
	}

	handler, ok := d.handlers[req.Header.Command]
	if !ok {
		resp.Outcome = Outcome{
			Status:  false,
			Seconds: time.Since(start).Seconds(),
			Error:   fmt.Sprintf("unknown command %q", req.Header.Command),
		}
		return resp
	}

	response, err := handler(ctx, req)
	resp.Outcome.Seconds = time.Since(start).Seconds()
	if err != nil {
		resp.Outcome.Status = false
		resp.Outcome.Error = errorKind(err)
		d.log.Warn().Err(err).Str("command", req.Header.Command).Msg("rpc command failed")
		return resp
	}

	resp.Outcome.Status = true
	resp.Response = response
	return resp
}

// errorKind renders an error per §7: perrors.Error carries its own Kind;
// anything else is reported as a ProtocolError (unexpected failure shape).
func errorKind(err error) string {
	var pe *perrors.Error
	if errors.As(err, &pe) {
		return pe.Kind.String()
	}
	return perrors.KindProtocol.String()
}
