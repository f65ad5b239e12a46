// Package walfmt implements LSN/timeline arithmetic and the WAL segment file
// naming scheme described in §6 External Interfaces and exercised by §8
// testable property 5 (naming round-trips for any (tli, segno, seg_size)).
package walfmt

import (
	"fmt"
	"strconv"
)

// LSN is a 64-bit log sequence number: a monotonic byte offset within the
// origin server's WAL (see GLOSSARY).
type LSN uint64

// ParseLSN parses the origin's "hi/lo" hexadecimal LSN text representation,
// e.g. "0/3000000".
func ParseLSN(s string) (LSN, error) {
	var hi, lo uint32
	n, err := fmt.Sscanf(s, "%X/%X", &hi, &lo)
	if err != nil || n != 2 {
		return 0, fmt.Errorf("invalid LSN %q", s)
	}
	return LSN(uint64(hi)<<32 | uint64(lo)), nil
}

// String renders an LSN in the origin's "hi/lo" form.
func (l LSN) String() string {
	return fmt.Sprintf("%X/%X", uint32(l>>32), uint32(l))
}

// SegmentNumber returns the WAL segment number containing this LSN, given
// the negotiated WAL segment size.
func (l LSN) SegmentNumber(segSize uint64) uint64 {
	return uint64(l) / segSize
}

// Timeline is a 32-bit identifier incremented on a point-in-time branch.
type Timeline uint32

// SegmentsPerXLogID is the number of segments in one "logId" unit (2^32 /
// segSize), matching the origin's own internal WAL addressing.
func SegmentsPerXLogID(segSize uint64) uint64 {
	return 0x100000000 / segSize
}

// SegmentName renders the 24-char uppercase hex WAL segment file name
// (<tli 8><hi 8><lo 8>) described in §6.
func SegmentName(tli Timeline, segno uint64, segSize uint64) string {
	segsPerID := SegmentsPerXLogID(segSize)
	logID := segno / segsPerID
	seg := segno % segsPerID
	return fmt.Sprintf("%08X%08X%08X", uint32(tli), uint32(logID), uint32(seg))
}

// ParseSegmentName is SegmentName's inverse: §8 property 5 requires that for
// every (tli, segno, segSize) triple, SegmentName then ParseSegmentName
// round-trips to the same triple.
func ParseSegmentName(name string, segSize uint64) (tli Timeline, segno uint64, err error) {
	if len(name) < 24 {
		return 0, 0, fmt.Errorf("wal segment name %q too short", name)
	}
	tliHex := name[0:8]
	logHex := name[8:16]
	segHex := name[16:24]

	tliVal, err := strconv.ParseUint(tliHex, 16, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid timeline in %q: %w", name, err)
	}
	logVal, err := strconv.ParseUint(logHex, 16, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid log id in %q: %w", name, err)
	}
	segVal, err := strconv.ParseUint(segHex, 16, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid segment in %q: %w", name, err)
	}

	segsPerID := SegmentsPerXLogID(segSize)
	segno = logVal*segsPerID + segVal
	return Timeline(tliVal), segno, nil
}

// StartLSN returns the LSN at the start of the given segment.
func StartLSN(segno uint64, segSize uint64) LSN {
	return LSN(segno * segSize)
}
