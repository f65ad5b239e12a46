package replication

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgmoneta-go/pgmoneta/pkg/wire"
)

func TestParseDataRow(t *testing.T) {
	payload := make([]byte, 0, 32)
	payload = binary.BigEndian.AppendUint16(payload, 2)
	payload = binary.BigEndian.AppendUint32(payload, 3)
	payload = append(payload, "abc"...)
	payload = binary.BigEndian.AppendUint32(payload, uint32(int32(-1)))

	row := parseDataRow(payload)
	require.Len(t, row, 2)
	assert.Equal(t, "abc", row[0])
	assert.Equal(t, "", row[1])
}

func TestBuildBaseBackupCommandKeywordForm(t *testing.T) {
	cmd := buildBaseBackupCommand(BaseBackupOptions{
		Label:       "mybackup",
		WAL:         true,
		Manifest:    true,
		KeywordForm: true,
	})
	assert.Contains(t, cmd, "LABEL 'mybackup'")
	assert.Contains(t, cmd, "WAL")
	assert.Contains(t, cmd, "MANIFEST 'yes'")
}

func TestBuildBaseBackupCommandPositionalForm(t *testing.T) {
	cmd := buildBaseBackupCommand(BaseBackupOptions{Label: "old-server"})
	assert.Equal(t, "BASE_BACKUP LABEL 'old-server'", cmd)
}

// TestDialTrustAuthentication exercises Dial end to end against a fake
// server speaking only the trust sub-protocol, over an in-process pipe.
func TestDialTrustAuthentication(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()

	done := make(chan error, 1)
	go func() {
		done <- fakeTrustServer(serverConn)
	}()

	dialDone := make(chan struct {
		s   *Session
		err error
	}, 1)
	go func() {
		s, err := dialOverConn(clientConn, Config{User: "replicator", Replication: true})
		dialDone <- struct {
			s   *Session
			err error
		}{s, err}
	}()

	select {
	case res := <-dialDone:
		require.NoError(t, res.err)
		require.NoError(t, res.s.Close())
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Dial")
	}
}

// dialOverConn mirrors Dial's startup+auth sequence but reuses an
// already-connected net.Conn, for tests driving both ends of a net.Pipe.
func dialOverConn(conn net.Conn, cfg Config) (*Session, error) {
	s := &Session{conn: conn}
	if err := s.startup(cfg); err != nil {
		return nil, err
	}
	if err := wire.Authenticate(s.conn, cfg.User, cfg.Password); err != nil {
		return nil, err
	}
	return s, nil
}

func fakeTrustServer(conn net.Conn) error {
	if _, err := wire.ReadStartupFrame(conn); err != nil {
		return err
	}
	authOk := make([]byte, 4)
	binary.BigEndian.PutUint32(authOk, 0)
	if err := wire.WriteFrame(conn, wire.KindAuthentication, authOk); err != nil {
		return err
	}
	// Drain the Terminate frame Session.Close sends, so that write doesn't
	// block forever on the pipe.
	_, _ = wire.ReadFrame(conn)
	return nil
}
