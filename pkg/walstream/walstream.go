// Package walstream implements the C8 WAL streamer: one supervised task
// per server that continuously receives WAL segments, handles keepalives
// and timeline switches, and persists segments to the WAL archive (§4.8).
package walstream

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/pgmoneta-go/pgmoneta/internal/pglog"
	"github.com/pgmoneta-go/pgmoneta/internal/perrors"
	"github.com/pgmoneta-go/pgmoneta/pkg/replication"
	"github.com/pgmoneta-go/pgmoneta/pkg/wire"
	"github.com/pgmoneta-go/pgmoneta/pkg/walfmt"
)

// Keepalive/WAL-data message leading bytes within CopyData (§4.8 step 4).
const (
	copyKindWALData   = 'w'
	copyKindKeepalive = 'k'
)

// SegmentWriter abstracts the WAL archive destination so tests can use an
// in-memory stand-in instead of the filesystem.
type SegmentWriter interface {
	// OpenSegment returns a writer for the named segment, pre-allocated to
	// segSize bytes.
	OpenSegment(name string, segSize int64) (SegmentFile, error)
}

// SegmentFile is one open WAL segment file.
type SegmentFile interface {
	WriteAt(p []byte, off int64) (int, error)
	Sync() error
	Close() error
}

// DirSegmentWriter writes segments as plain files under Dir, matching
// §6's wal/<segment>[.codec][.aes] layout (compression/encryption applied
// by the caller at rename time, not by the streamer itself).
type DirSegmentWriter struct{ Dir string }

func (d DirSegmentWriter) OpenSegment(name string, segSize int64) (SegmentFile, error) {
	path := filepath.Join(d.Dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, perrors.New(perrors.KindDiskSpace, "walstream", err)
	}
	if err := f.Truncate(segSize); err != nil {
		f.Close()
		return nil, perrors.New(perrors.KindDiskSpace, "walstream", err)
	}
	return f, nil
}

// Config describes one server's WAL streamer.
type Config struct {
	ServerName  string
	SlotName    string
	SegmentSize int64
	WALDir      string
	Dial        func() (*replication.Session, error)
	Writer      SegmentWriter
	Backoff     backoff.BackOff
}

// Streamer is the per-server supervised task from §4.8. server.wal_streaming
// is tracked by the caller (the supervisor) around Run, per the
// "incremented before fork/spawn, decremented in the child's teardown"
// concurrency property.
type Streamer struct {
	cfg     Config
	log     zerolog.Logger
	running atomic.Bool
}

// New constructs a streamer for one server.
func New(cfg Config) *Streamer {
	if cfg.Writer == nil {
		cfg.Writer = DirSegmentWriter{Dir: cfg.WALDir}
	}
	if cfg.Backoff == nil {
		cfg.Backoff = backoff.NewExponentialBackOff()
	}
	return &Streamer{cfg: cfg, log: pglog.WithServer(cfg.ServerName)}
}

// Stop exits the streamer cleanly at the next message boundary (§4.8 step
// 6: "Exits cleanly when the supervisor sets server.online := false or
// running := false").
func (s *Streamer) Stop() { s.running.Store(false) }

// Run drives the streamer until ctx is cancelled or Stop is called,
// reconnecting with backoff on NetworkError (§7: "Local retry only for
// transient NetworkError in long-lived WAL streaming").
func (s *Streamer) Run(ctx context.Context) error {
	s.running.Store(true)
	defer s.running.Store(false)

	tli, startLSN, err := s.identify()
	if err != nil {
		return err
	}

	for s.running.Load() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		nextTLI, nextLSN, err := s.streamOnce(ctx, tli, startLSN)
		if err == nil {
			if nextTLI == 0 {
				return nil // clean shutdown requested mid-stream
			}
			tli, startLSN = nextTLI, nextLSN // timeline switch: restart there
			continue
		}
		if !perrors.Is(err, perrors.KindNetwork) {
			return err
		}

		s.log.Warn().Err(err).Msg("wal streamer connection lost, reconnecting")
		wait := s.cfg.Backoff.NextBackOff()
		if wait == backoff.Stop {
			return err
		}
		time.Sleep(wait)

		if nextTLI != 0 {
			tli, startLSN = nextTLI, nextLSN
		}
	}
	return nil
}

func (s *Streamer) identify() (tli uint32, lsn walfmt.LSN, err error) {
	sess, err := s.cfg.Dial()
	if err != nil {
		return 0, 0, err
	}
	defer sess.Close()

	identity, err := sess.IdentifySystem()
	if err != nil {
		return 0, 0, err
	}
	parsed, err := walfmt.ParseLSN(identity.XLogPos)
	if err != nil {
		return 0, 0, perrors.New(perrors.KindProtocol, "walstream", err)
	}
	return identity.Timeline, parsed, nil
}

// streamOnce authenticates, issues START_REPLICATION, and consumes WAL
// records until a timeline switch, clean stop, or network error. On
// timeline switch it returns the new (timeline, LSN) for the caller to
// restart from (§4.8 step 5, §8 scenario S4).
func (s *Streamer) streamOnce(ctx context.Context, tli uint32, startLSN walfmt.LSN) (newTLI uint32, newLSN walfmt.LSN, err error) {
	sess, err := s.cfg.Dial()
	if err != nil {
		return 0, 0, err
	}
	defer sess.Close()

	cmd := fmt.Sprintf("START_REPLICATION SLOT %s PHYSICAL %s TIMELINE %d", s.cfg.SlotName, startLSN.String(), tli)
	if _, err := sess.QueryExecute(cmd); err != nil {
		return 0, 0, err
	}

	segName := walfmt.SegmentName(walfmt.Timeline(tli), startLSN.SegmentNumber(uint64(s.cfg.SegmentSize)), uint64(s.cfg.SegmentSize))
	seg, err := s.cfg.Writer.OpenSegment(segName, s.cfg.SegmentSize)
	if err != nil {
		return 0, 0, err
	}
	defer seg.Close()

	segOff := int64(startLSN) % s.cfg.SegmentSize

	for s.running.Load() {
		select {
		case <-ctx.Done():
			return 0, 0, nil
		default:
		}

		frame, ferr := sess.ReadRawFrame()
		if ferr != nil {
			return 0, 0, ferr
		}

		switch frame.Kind {
		case wire.KindCopyData:
			if len(frame.Payload) == 0 {
				continue
			}
			switch frame.Payload[0] {
			case copyKindWALData:
				data := frame.Payload[25:] // 1 kind + walStart(8) + serverWALEnd(8) + sendTime(8)
				if _, werr := seg.WriteAt(data, segOff); werr != nil {
					return 0, 0, perrors.New(perrors.KindDiskSpace, "walstream", werr)
				}
				segOff += int64(len(data))
				if segOff >= s.cfg.SegmentSize {
					if serr := seg.Sync(); serr != nil {
						return 0, 0, perrors.New(perrors.KindDiskSpace, "walstream", serr)
					}
				}
			case copyKindKeepalive:
				if len(frame.Payload) >= 18 && frame.Payload[17] == 1 {
					if serr := sess.SendStandbyStatusUpdate(replication.StandbyStatus{Received: time.Now()}); serr != nil {
						return 0, 0, serr
					}
				}
			}
		case wire.KindCopyDone:
			newTLI, newLSN, terr := s.handleTimelineSwitch(sess)
			if terr != nil {
				return 0, 0, terr
			}
			return newTLI, newLSN, nil
		case wire.KindErrorResponse:
			fields := wire.ErrorFields(frame.Payload)
			return 0, 0, perrors.Newf(perrors.KindNetwork, "walstream", "severity=%s sqlstate=%s", fields['S'], fields['C'])
		default:
			continue
		}
	}
	return 0, 0, nil
}

// handleTimelineSwitch rereads the new timeline's id and start LSN from the
// result set that follows CopyDone (§4.8 step 5, §8 scenario S4).
func (s *Streamer) handleTimelineSwitch(sess *replication.Session) (uint32, walfmt.LSN, error) {
	rows, err := sess.ReadResultSetAfterCopyDone()
	if err != nil {
		return 0, 0, err
	}
	if len(rows) == 0 || len(rows[0]) < 2 {
		return 0, 0, perrors.New(perrors.KindProtocol, "walstream", fmt.Errorf("timeline switch result set empty"))
	}
	var tli uint64
	fmt.Sscanf(rows[0][0], "%d", &tli)
	lsn, err := walfmt.ParseLSN(rows[0][1])
	if err != nil {
		return 0, 0, perrors.New(perrors.KindProtocol, "walstream", err)
	}
	return uint32(tli), lsn, nil
}
