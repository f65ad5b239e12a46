// Package replication implements the C2 replication session: a TCP or
// Unix-domain connection to the origin server that optionally upgrades to
// TLS, authenticates, and drives the named operations of §4.2.
package replication

import (
	"bytes"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/pgmoneta-go/pgmoneta/internal/pglog"
	"github.com/pgmoneta-go/pgmoneta/internal/perrors"
	"github.com/pgmoneta-go/pgmoneta/pkg/wire"
)

// sslRequestCode is the magic number the origin server recognizes as an
// SSLRequest rather than a StartupMessage (1234 << 16 | 5679).
const sslRequestCode = 80877103

// Config describes how to open and authenticate a session.
type Config struct {
	Network         string // "tcp" or "unix"
	Address         string
	User            string
	Database        string
	ApplicationName string
	Password        string
	Replication     bool
	TLS             *tls.Config // nil disables the SSLRequest upgrade
	DialTimeout     time.Duration
}

// Session is one open, authenticated connection to the origin server.
// Cancellation is observed via Cancel: once set, the read loops of the
// named operations below terminate at the next message boundary (§4.2).
type Session struct {
	conn      net.Conn
	cancelled atomic.Bool
	log       zerolog.Logger
}

// Dial opens the session's transport, optionally upgrades to TLS, sends
// the StartupMessage, and authenticates.
func Dial(cfg Config) (*Session, error) {
	timeout := cfg.DialTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	conn, err := net.DialTimeout(cfg.Network, cfg.Address, timeout)
	if err != nil {
		return nil, perrors.New(perrors.KindNetwork, "replication", fmt.Errorf("dial %s: %w", cfg.Address, err))
	}

	s := &Session{conn: conn, log: pglog.WithComponent("replication")}

	if cfg.TLS != nil {
		if err := s.upgradeTLS(cfg.TLS); err != nil {
			conn.Close()
			return nil, err
		}
	}

	if err := s.startup(cfg); err != nil {
		conn.Close()
		return nil, err
	}

	if err := wire.Authenticate(s.conn, cfg.User, cfg.Password); err != nil {
		conn.Close()
		return nil, err
	}

	return s, nil
}

func (s *Session) upgradeTLS(tlsCfg *tls.Config) error {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, sslRequestCode)
	if err := wire.WriteStartupFrame(s.conn, payload); err != nil {
		return err
	}

	var resp [1]byte
	if _, err := io.ReadFull(s.conn, resp[:]); err != nil {
		return perrors.New(perrors.KindNetwork, "replication", fmt.Errorf("read SSLRequest response: %w", err))
	}
	if resp[0] != 'S' {
		return perrors.New(perrors.KindProtocol, "replication", fmt.Errorf("server declined TLS upgrade"))
	}

	s.conn = tls.Client(s.conn, tlsCfg)
	return nil
}

func (s *Session) startup(cfg Config) error {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint32(196608)) // protocol version 3.0

	writeParam := func(k, v string) {
		buf.WriteString(k)
		buf.WriteByte(0)
		buf.WriteString(v)
		buf.WriteByte(0)
	}
	writeParam("user", cfg.User)
	if cfg.Database != "" {
		writeParam("database", cfg.Database)
	}
	if cfg.ApplicationName != "" {
		writeParam("application_name", cfg.ApplicationName)
	}
	if cfg.Replication {
		writeParam("replication", "1")
	}
	buf.WriteByte(0)

	return wire.WriteStartupFrame(s.conn, buf.Bytes())
}

// NewSessionForTesting wraps an already-connected net.Conn as a Session,
// skipping the startup/auth handshake. Exported so other packages' test
// suites (e.g. pkg/walstream) can drive a Session over a net.Pipe against
// a scripted fake server.
func NewSessionForTesting(conn net.Conn) *Session {
	return &Session{conn: conn, log: pglog.WithComponent("replication")}
}

// Cancel marks the session cancelled; in-flight read loops stop at the
// next message boundary and leave the wire in a known state.
func (s *Session) Cancel() { s.cancelled.Store(true) }

func (s *Session) cancelled_() bool { return s.cancelled.Load() }

// Close sends Terminate and closes the underlying connection.
func (s *Session) Close() error {
	_ = wire.WriteFrame(s.conn, wire.KindTerminate, nil)
	return s.conn.Close()
}

// IdentifySystem issues IDENTIFY_SYSTEM and returns the origin's current
// timeline and LSN.
type SystemIdentity struct {
	SystemID string
	Timeline uint32
	XLogPos  string
}

func (s *Session) IdentifySystem() (SystemIdentity, error) {
	rows, err := s.simpleQuery("IDENTIFY_SYSTEM")
	if err != nil {
		return SystemIdentity{}, err
	}
	if len(rows) == 0 || len(rows[0]) < 3 {
		return SystemIdentity{}, perrors.New(perrors.KindProtocol, "replication", fmt.Errorf("IDENTIFY_SYSTEM returned no row"))
	}
	row := rows[0]
	var tli uint64
	fmt.Sscanf(row[1], "%d", &tli)
	return SystemIdentity{SystemID: row[0], Timeline: uint32(tli), XLogPos: row[2]}, nil
}

// QueryExecute runs arbitrary SQL for cluster introspection, reading rows
// until ReadyForQuery. On ErrorResponse it surfaces the S/C fields (§4.2).
func (s *Session) QueryExecute(sql string) ([][]string, error) {
	return s.simpleQuery(sql)
}

func (s *Session) simpleQuery(sql string) ([][]string, error) {
	if err := wire.WriteFrame(s.conn, wire.KindQuery, nulTerminated(sql)); err != nil {
		return nil, err
	}

	var rows [][]string
	for {
		if s.cancelled_() {
			return nil, perrors.New(perrors.KindNetwork, "replication", fmt.Errorf("session cancelled mid-query"))
		}
		frame, err := wire.ReadFrame(s.conn)
		if err != nil {
			return nil, err
		}
		switch frame.Kind {
		case wire.KindDataRow:
			rows = append(rows, parseDataRow(frame.Payload))
		case wire.KindErrorResponse:
			fields := wire.ErrorFields(frame.Payload)
			return nil, perrors.Newf(perrors.KindProtocol, "replication", "query failed: severity=%s sqlstate=%s message=%s", fields['S'], fields['C'], fields['M'])
		case wire.KindReadyForQuery:
			return rows, nil
		case wire.KindRowDescription, wire.KindCommandComplete, wire.KindNoticeResponse:
			continue
		default:
			continue
		}
	}
}

func parseDataRow(payload []byte) []string {
	if len(payload) < 2 {
		return nil
	}
	n := int(binary.BigEndian.Uint16(payload[0:2]))
	out := make([]string, 0, n)
	i := 2
	for c := 0; c < n && i+4 <= len(payload); c++ {
		l := int32(binary.BigEndian.Uint32(payload[i : i+4]))
		i += 4
		if l < 0 {
			out = append(out, "")
			continue
		}
		out = append(out, string(payload[i:i+int(l)]))
		i += int(l)
	}
	return out
}

func nulTerminated(s string) []byte {
	b := make([]byte, len(s)+1)
	copy(b, s)
	return b
}
