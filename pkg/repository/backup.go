package repository

import (
	"github.com/pgmoneta-go/pgmoneta/internal/codec"
	"github.com/pgmoneta-go/pgmoneta/pkg/walfmt"
)

// Type is a backup's kind (§3 Data Model).
type Type string

const (
	TypeFull        Type = "FULL"
	TypeIncremental Type = "INCREMENTAL"
)

// Validity is a backup's tri-state validity (§3: "valid ∈ {true,false,unknown}").
type Validity string

const (
	ValidTrue    Validity = "true"
	ValidFalse   Validity = "false"
	ValidUnknown Validity = "unknown"
)

// Tablespace is one tablespace captured alongside a backup.
type Tablespace struct {
	Name string
	OID  uint32
	Path string
}

// Backup is the record of §3 Data Model. A Backup is constructed by
// start-backup, filled in during execute, and written to backup.info by the
// backup workflow's promote step; list and restore only read it back, while
// verify rewrites its Valid field.
type Backup struct {
	Label  string
	Server string

	Type   Type
	Valid  Validity
	Parent string // empty for TypeFull

	StartLSN, EndLSN           walfmt.LSN
	StartTimeline, EndTimeline walfmt.Timeline
	CheckpointLSN              walfmt.LSN
	StartSegmentName           string

	RestoreSize    int64
	BiggestFile    int64
	MajorVersion   int
	MinorVersion   int
	Compression    codec.Kind
	Encryption     string
	Tablespaces    []Tablespace
	ElapsedSeconds float64
	Keep           bool
	Comments       string
}

// IsFull reports whether b is a FULL backup (no parent to resolve).
func (b *Backup) IsFull() bool { return b.Type == TypeFull }
