package walstream

import (
	"context"
	"encoding/binary"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgmoneta-go/pgmoneta/pkg/replication"
	"github.com/pgmoneta-go/pgmoneta/pkg/walfmt"
	"github.com/pgmoneta-go/pgmoneta/pkg/wire"
)

// memSegmentWriter is an in-memory SegmentWriter for tests.
type memSegmentWriter struct {
	mu       sync.Mutex
	segments map[string][]byte
}

func newMemSegmentWriter() *memSegmentWriter {
	return &memSegmentWriter{segments: make(map[string][]byte)}
}

func (m *memSegmentWriter) OpenSegment(name string, segSize int64) (SegmentFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := make([]byte, segSize)
	m.segments[name] = buf
	return &memSegmentFile{w: m, name: name}, nil
}

func (m *memSegmentWriter) bytes(name string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.segments[name]
}

type memSegmentFile struct {
	w    *memSegmentWriter
	name string
}

func (f *memSegmentFile) WriteAt(p []byte, off int64) (int, error) {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	buf := f.w.segments[f.name]
	copy(buf[off:], p)
	return len(p), nil
}

func (f *memSegmentFile) Sync() error  { return nil }
func (f *memSegmentFile) Close() error { return nil }

func encodeDataRow(fields []string) []byte {
	out := make([]byte, 0, 64)
	out = binary.BigEndian.AppendUint16(out, uint16(len(fields)))
	for _, f := range fields {
		out = binary.BigEndian.AppendUint32(out, uint32(len(f)))
		out = append(out, f...)
	}
	return out
}

// TestHandleTimelineSwitchScenarioS4 is §8 scenario S4: while streaming
// timeline 1, a CopyDone followed by a result set naming timeline 2 at LSN
// 0/3000000 must be read back as exactly that (timeline, LSN) pair so the
// caller can restart with START_REPLICATION PHYSICAL 0/3000000 TIMELINE 2,
// resuming segment 000000020000000000000003.
func TestHandleTimelineSwitchScenarioS4(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()

	go func() {
		_ = wire.WriteFrame(serverConn, wire.KindRowDescription, []byte("ignored"))
		row := encodeDataRow([]string{"2", "0/3000000"})
		_ = wire.WriteFrame(serverConn, wire.KindDataRow, row)
		_ = wire.WriteFrame(serverConn, wire.KindReadyForQuery, []byte{'I'})
	}()

	sess := replication.NewSessionForTesting(clientConn)
	s := &Streamer{cfg: Config{ServerName: "s1"}}

	tli, lsn, err := s.handleTimelineSwitch(sess)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), tli)
	assert.Equal(t, "0/3000000", lsn.String())

	segSize := uint64(16 * 1024 * 1024)
	segName := walfmt.SegmentName(walfmt.Timeline(tli), lsn.SegmentNumber(segSize), segSize)
	assert.Equal(t, "000000020000000000000003", segName)
}

// TestStreamOnceWritesWALDataAndRepliesToKeepalive drives a full streamOnce
// loop against a scripted fake server: one WAL data CopyData message
// followed by a keepalive requesting an immediate reply, then CopyDone with
// a result set naming timeline 1 at 0/1000000 to end the loop.
func TestStreamOnceWritesWALDataAndRepliesToKeepalive(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()

	segSize := int64(16 * 1024 * 1024)
	writer := newMemSegmentWriter()

	replyCh := make(chan struct{}, 1)

	go func() {
		// Drain the client's START_REPLICATION query frame and acknowledge it.
		_, _ = wire.ReadFrame(serverConn)
		_ = wire.WriteFrame(serverConn, wire.KindReadyForQuery, []byte{'I'})

		walPayload := make([]byte, 25+5)
		walPayload[0] = copyKindWALData
		copy(walPayload[25:], []byte("HELLO"))
		_ = wire.WriteFrame(serverConn, wire.KindCopyData, walPayload)

		keepalive := make([]byte, 18)
		keepalive[0] = copyKindKeepalive
		keepalive[17] = 1 // reply requested
		_ = wire.WriteFrame(serverConn, wire.KindCopyData, keepalive)

		// The streamer replies with a standby status update ('r' CopyData).
		frame, err := wire.ReadFrame(serverConn)
		if err == nil && frame.Kind == wire.KindCopyData && len(frame.Payload) > 0 && frame.Payload[0] == 'r' {
			replyCh <- struct{}{}
		}

		_ = wire.WriteFrame(serverConn, wire.KindCopyDone, nil)
		_ = wire.WriteFrame(serverConn, wire.KindRowDescription, []byte("ignored"))
		row := encodeDataRow([]string{"1", "0/1000000"})
		_ = wire.WriteFrame(serverConn, wire.KindDataRow, row)
		_ = wire.WriteFrame(serverConn, wire.KindReadyForQuery, []byte{'I'})

		// Drain the Terminate frame streamOnce's deferred sess.Close() sends,
		// so that write doesn't block forever on the pipe.
		_, _ = wire.ReadFrame(serverConn)
	}()

	s := &Streamer{
		cfg: Config{
			ServerName:  "s1",
			SlotName:    "slot1",
			SegmentSize: segSize,
			Writer:      writer,
			Dial: func() (*replication.Session, error) {
				return replication.NewSessionForTesting(clientConn), nil
			},
		},
	}
	s.running.Store(true)

	_, _, err := s.streamOnce(context.Background(), 1, walfmt.LSN(0))
	require.NoError(t, err)

	select {
	case <-replyCh:
	default:
		t.Fatal("expected a standby status update reply to the keepalive")
	}

	segName := walfmt.SegmentName(1, 0, uint64(segSize))
	got := writer.bytes(segName)
	require.NotNil(t, got)
	assert.Equal(t, []byte("HELLO"), got[0:5])
}
