package replication

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/pgmoneta-go/pgmoneta/internal/perrors"
	"github.com/pgmoneta-go/pgmoneta/pkg/wire"
)

// BackupBounds is the start/stop LSN bracket of one base backup, plus the
// pg-format backup_label body the origin returns on stop.
type BackupBounds struct {
	LSN         string
	Timeline    uint32
	BackupLabel string
}

// StartBackup issues a labelled logical bracket around a base backup via
// the non-exclusive pg_backup_start() SQL entry point (the replication
// protocol's own BASE_BACKUP command brackets start/stop internally; this
// is used when a caller needs the label returned ahead of streaming).
func (s *Session) StartBackup(label string, fast bool) (BackupBounds, error) {
	sql := fmt.Sprintf("SELECT * FROM pg_backup_start('%s', %t)", label, fast)
	rows, err := s.simpleQuery(sql)
	if err != nil {
		return BackupBounds{}, err
	}
	if len(rows) == 0 || len(rows[0]) == 0 {
		return BackupBounds{}, perrors.New(perrors.KindProtocol, "replication", fmt.Errorf("pg_backup_start returned no row"))
	}
	return BackupBounds{LSN: rows[0][0]}, nil
}

// StopBackup completes the bracket started by StartBackup.
func (s *Session) StopBackup() (BackupBounds, error) {
	rows, err := s.simpleQuery("SELECT * FROM pg_backup_stop()")
	if err != nil {
		return BackupBounds{}, err
	}
	if len(rows) == 0 {
		return BackupBounds{}, perrors.New(perrors.KindProtocol, "replication", fmt.Errorf("pg_backup_stop returned no row"))
	}
	row := rows[0]
	b := BackupBounds{LSN: row[0]}
	if len(row) > 1 {
		b.BackupLabel = row[1]
	}
	return b, nil
}

// UploadManifest streams a previously saved manifest as CopyData, finished
// by CopyDone (§4.2).
func (s *Session) UploadManifest(manifest io.Reader) error {
	if err := wire.WriteFrame(s.conn, wire.KindQuery, nulTerminated("UPLOAD_MANIFEST")); err != nil {
		return err
	}

	buf := make([]byte, 64*1024)
	for {
		if s.cancelled_() {
			_ = wire.WriteFrame(s.conn, wire.KindCopyDone, nil)
			return perrors.New(perrors.KindNetwork, "replication", fmt.Errorf("session cancelled mid-upload"))
		}
		n, err := manifest.Read(buf)
		if n > 0 {
			if werr := wire.WriteFrame(s.conn, wire.KindCopyData, buf[:n]); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return perrors.New(perrors.KindDiskSpace, "replication", fmt.Errorf("read manifest: %w", err))
		}
	}
	if err := wire.WriteFrame(s.conn, wire.KindCopyDone, nil); err != nil {
		return err
	}
	return s.drainToReadyForQuery()
}

func (s *Session) drainToReadyForQuery() error {
	for {
		frame, err := wire.ReadFrame(s.conn)
		if err != nil {
			return err
		}
		switch frame.Kind {
		case wire.KindReadyForQuery:
			return nil
		case wire.KindErrorResponse:
			fields := wire.ErrorFields(frame.Payload)
			return perrors.Newf(perrors.KindProtocol, "replication", "severity=%s sqlstate=%s message=%s", fields['S'], fields['C'], fields['M'])
		default:
			continue
		}
	}
}

// BaseBackupOptions controls the BASE_BACKUP command.
type BaseBackupOptions struct {
	Label             string
	WAL               bool
	Wait              bool
	Compression       string
	Manifest          bool
	ManifestChecksums string
	// KeywordForm selects the v15+ "BASE_BACKUP (LABEL '...', ...)" syntax;
	// when false, the older positional form is used for earlier servers.
	KeywordForm bool
}

// TablespaceStream is one tar stream within a base backup, bracketed by
// two DataRow messages naming begin/end LSN and timeline.
type TablespaceStream struct {
	OID  string
	Path string
	Tar  io.Reader
}

// BaseBackupResult is the begin/end bracket plus the per-tablespace tar
// streams of one BASE_BACKUP invocation.
type BaseBackupResult struct {
	BeginLSN    string
	BeginTLI    uint32
	EndLSN      string
	EndTLI      uint32
	Tablespaces []TablespaceStream
}

// BaseBackup issues BASE_BACKUP and reads its result: two data rows
// (begin/end LSN+timeline) wrapping one CopyData-framed tar stream per
// tablespace (§4.2).
func (s *Session) BaseBackup(opts BaseBackupOptions) (*BaseBackupResult, error) {
	cmd := buildBaseBackupCommand(opts)
	if err := wire.WriteFrame(s.conn, wire.KindQuery, nulTerminated(cmd)); err != nil {
		return nil, err
	}

	result := &BaseBackupResult{}

	beginRow, err := s.readOneDataRow()
	if err != nil {
		return nil, err
	}
	if len(beginRow) >= 2 {
		result.BeginLSN = beginRow[0]
		fmt.Sscanf(beginRow[1], "%d", &result.BeginTLI)
	}

	for {
		frame, err := wire.ReadFrame(s.conn)
		if err != nil {
			return nil, err
		}
		switch frame.Kind {
		case wire.KindCopyOutResponse, wire.KindCopyBothResponse:
			tarData, terr := s.drainTarStream()
			if terr != nil {
				return nil, terr
			}
			result.Tablespaces = append(result.Tablespaces, TablespaceStream{Tar: tarData})
		case wire.KindDataRow:
			row := parseDataRow(frame.Payload)
			if len(row) >= 2 {
				result.EndLSN = row[0]
				fmt.Sscanf(row[1], "%d", &result.EndTLI)
			}
		case wire.KindCommandComplete, wire.KindNoticeResponse:
			continue
		case wire.KindReadyForQuery:
			return result, nil
		case wire.KindErrorResponse:
			fields := wire.ErrorFields(frame.Payload)
			return nil, perrors.Newf(perrors.KindProtocol, "replication", "BASE_BACKUP failed: severity=%s sqlstate=%s", fields['S'], fields['C'])
		default:
			continue
		}
	}
}

func (s *Session) readOneDataRow() ([]string, error) {
	for {
		frame, err := wire.ReadFrame(s.conn)
		if err != nil {
			return nil, err
		}
		switch frame.Kind {
		case wire.KindDataRow:
			return parseDataRow(frame.Payload), nil
		case wire.KindRowDescription:
			continue
		case wire.KindErrorResponse:
			fields := wire.ErrorFields(frame.Payload)
			return nil, perrors.Newf(perrors.KindProtocol, "replication", "severity=%s sqlstate=%s", fields['S'], fields['C'])
		default:
			continue
		}
	}
}

// drainTarStream reads CopyData frames until CopyDone and returns the
// concatenated tar bytes as a reader.
func (s *Session) drainTarStream() (io.Reader, error) {
	var buf []byte
	for {
		if s.cancelled_() {
			return nil, perrors.New(perrors.KindNetwork, "replication", fmt.Errorf("session cancelled mid-stream"))
		}
		frame, err := wire.ReadFrame(s.conn)
		if err != nil {
			return nil, err
		}
		switch frame.Kind {
		case wire.KindCopyData:
			buf = append(buf, frame.Payload...)
		case wire.KindCopyDone:
			return byteReader(buf), nil
		case wire.KindErrorResponse:
			fields := wire.ErrorFields(frame.Payload)
			return nil, perrors.Newf(perrors.KindProtocol, "replication", "severity=%s sqlstate=%s", fields['S'], fields['C'])
		default:
			continue
		}
	}
}

func byteReader(b []byte) io.Reader { return &sliceReader{data: b} }

type sliceReader struct {
	data []byte
	pos  int
}

func (r *sliceReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}

func buildBaseBackupCommand(opts BaseBackupOptions) string {
	if !opts.KeywordForm {
		cmd := "BASE_BACKUP"
		if opts.Label != "" {
			cmd += fmt.Sprintf(" LABEL '%s'", opts.Label)
		}
		if opts.WAL {
			cmd += " WAL"
		}
		return cmd
	}

	cmd := "BASE_BACKUP ("
	parts := []string{fmt.Sprintf("LABEL '%s'", opts.Label)}
	if opts.WAL {
		parts = append(parts, "WAL")
	}
	if opts.Wait {
		parts = append(parts, "WAIT")
	}
	if opts.Compression != "" {
		parts = append(parts, fmt.Sprintf("COMPRESSION '%s'", opts.Compression))
	}
	if opts.Manifest {
		parts = append(parts, "MANIFEST 'yes'")
	}
	if opts.ManifestChecksums != "" {
		parts = append(parts, fmt.Sprintf("MANIFEST_CHECKSUMS '%s'", opts.ManifestChecksums))
	}
	for i, p := range parts {
		if i > 0 {
			cmd += ", "
		}
		cmd += p
	}
	cmd += ")"
	return cmd
}

// StandbyStatus is the periodic keepalive sent during WAL streaming.
type StandbyStatus struct {
	Received time.Time
	WriteLSN uint64
	FlushLSN uint64
	ApplyLSN uint64
}

// SendStandbyStatusUpdate writes the 'r' CopyData keepalive reply (§4.2).
func (s *Session) SendStandbyStatusUpdate(status StandbyStatus) error {
	payload := make([]byte, 1+8*3+8+1)
	payload[0] = 'r'
	binary.BigEndian.PutUint64(payload[1:9], status.WriteLSN)
	binary.BigEndian.PutUint64(payload[9:17], status.FlushLSN)
	binary.BigEndian.PutUint64(payload[17:25], status.ApplyLSN)
	binary.BigEndian.PutUint64(payload[25:33], pgTimestamp(status.Received))
	payload[33] = 0 // reply requested = no
	return wire.WriteFrame(s.conn, wire.KindCopyData, payload)
}

// pgEpochMicros is the origin's epoch (2000-01-01) used for standby status
// update timestamps, expressed in microseconds since the Unix epoch.
const pgEpochMicros = 946684800000000

func pgTimestamp(t time.Time) uint64 {
	if t.IsZero() {
		t = time.Now()
	}
	return uint64(t.UnixMicro() - pgEpochMicros)
}

// ReadBinaryFile performs an offset/length read of a server-side relation
// file (§4.2, §4.6). No workflow in this repository calls it; incremental
// backups arrive whole through BaseBackup.
func (s *Session) ReadBinaryFile(path string, offset, length int64) ([]byte, error) {
	sql := fmt.Sprintf("SELECT pg_read_binary_file('%s', %d, %d, true)", path, offset, length)
	rows, err := s.simpleQuery(sql)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil, perrors.New(perrors.KindProtocol, "replication", fmt.Errorf("pg_read_binary_file returned no row"))
	}
	return []byte(rows[0][0]), nil
}
