package repository

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pgmoneta-go/pgmoneta/internal/codec"
	"github.com/pgmoneta-go/pgmoneta/internal/perrors"
	"github.com/pgmoneta-go/pgmoneta/pkg/walfmt"
)

// Known backup.info keys. Field order on disk is not significant (§4.11);
// any key not in this list is preserved verbatim on rewrite rather than
// dropped.
const (
	keyLabel          = "label"
	keyType           = "type"
	keyValid          = "valid"
	keyParent         = "parent"
	keyStartLSN       = "start_lsn"
	keyEndLSN         = "end_lsn"
	keyStartTimeline  = "start_timeline"
	keyEndTimeline    = "end_timeline"
	keyCheckpointLSN  = "checkpoint_lsn"
	keyStartSegment   = "start_segment"
	keyRestoreSize    = "restore_size"
	keyBiggestFile    = "biggest_file"
	keyMajorVersion   = "major_version"
	keyMinorVersion   = "minor_version"
	keyCompression    = "compression"
	keyEncryption     = "encryption"
	keyTablespaces    = "tablespaces"
	keyElapsedSeconds = "elapsed_seconds"
	keyKeep           = "keep"
	keyComments       = "comments"
)

// ReadInfo parses a backup.info file. Keys this package doesn't recognize
// are returned in the second result map, which WriteInfo re-emits verbatim (§4.11: "unknown keys are preserved on rewrite").
func ReadInfo(path string) (*Backup, map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, perrors.New(perrors.KindDiskSpace, "repository", err)
	}
	defer f.Close()

	fields := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.Index(line, "=")
		if idx < 0 {
			continue
		}
		fields[line[:idx]] = line[idx+1:]
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, perrors.New(perrors.KindDiskSpace, "repository", err)
	}

	b := &Backup{
		Label:  fields[keyLabel],
		Type:   Type(fields[keyType]),
		Valid:  Validity(fields[keyValid]),
		Parent: fields[keyParent],
	}
	if b.Valid == "" {
		b.Valid = ValidUnknown
	}
	if b.Type != TypeFull && b.Type != TypeIncremental {
		return nil, nil, perrors.Newf(perrors.KindIntegrity, "repository", "unknown backup type %q in %s", fields[keyType], path)
	}

	if v, ok := fields[keyStartLSN]; ok {
		lsn, err := walfmt.ParseLSN(v)
		if err != nil {
			return nil, nil, perrors.New(perrors.KindIntegrity, "repository", fmt.Errorf("%s: %w", keyStartLSN, err))
		}
		b.StartLSN = lsn
	}
	if v, ok := fields[keyEndLSN]; ok {
		lsn, err := walfmt.ParseLSN(v)
		if err != nil {
			return nil, nil, perrors.New(perrors.KindIntegrity, "repository", fmt.Errorf("%s: %w", keyEndLSN, err))
		}
		b.EndLSN = lsn
	}
	if v, ok := fields[keyCheckpointLSN]; ok {
		lsn, err := walfmt.ParseLSN(v)
		if err != nil {
			return nil, nil, perrors.New(perrors.KindIntegrity, "repository", fmt.Errorf("%s: %w", keyCheckpointLSN, err))
		}
		b.CheckpointLSN = lsn
	}
	if v, ok := fields[keyStartTimeline]; ok {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return nil, nil, perrors.New(perrors.KindIntegrity, "repository", fmt.Errorf("%s: %w", keyStartTimeline, err))
		}
		b.StartTimeline = walfmt.Timeline(n)
	}
	if v, ok := fields[keyEndTimeline]; ok {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return nil, nil, perrors.New(perrors.KindIntegrity, "repository", fmt.Errorf("%s: %w", keyEndTimeline, err))
		}
		b.EndTimeline = walfmt.Timeline(n)
	}
	b.StartSegmentName = fields[keyStartSegment]

	if v, ok := fields[keyRestoreSize]; ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err == nil {
			b.RestoreSize = n
		}
	}
	if v, ok := fields[keyBiggestFile]; ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err == nil {
			b.BiggestFile = n
		}
	}
	if v, ok := fields[keyMajorVersion]; ok {
		n, _ := strconv.Atoi(v)
		b.MajorVersion = n
	}
	if v, ok := fields[keyMinorVersion]; ok {
		n, _ := strconv.Atoi(v)
		b.MinorVersion = n
	}
	if v, ok := fields[keyCompression]; ok {
		kind, err := codec.ParseKind(v)
		if err != nil {
			return nil, nil, perrors.New(perrors.KindIntegrity, "repository", err)
		}
		b.Compression = kind
	}
	b.Encryption = fields[keyEncryption]
	if v, ok := fields[keyTablespaces]; ok {
		b.Tablespaces = parseTablespaces(v)
	}
	if v, ok := fields[keyElapsedSeconds]; ok {
		n, err := strconv.ParseFloat(v, 64)
		if err == nil {
			b.ElapsedSeconds = n
		}
	}
	if v, ok := fields[keyKeep]; ok {
		b.Keep = v == "true"
	}
	b.Comments = fields[keyComments]

	unknown := make(map[string]string)
	known := knownKeys()
	for k, v := range fields {
		if !known[k] {
			unknown[k] = v
		}
	}
	return b, unknown, nil
}

// WriteInfo serializes b plus unknown's untouched entries to path, one
// field per line (§4.11). Field order is not significant on read, so this
// writer is free to emit known fields first for readability.
func WriteInfo(path string, b *Backup, unknown map[string]string) error {
	var sb strings.Builder
	writeField := func(key, value string) {
		sb.WriteString(key)
		sb.WriteByte('=')
		sb.WriteString(value)
		sb.WriteByte('\n')
	}

	writeField(keyLabel, b.Label)
	writeField(keyType, string(b.Type))
	writeField(keyValid, string(b.Valid))
	writeField(keyParent, b.Parent)
	writeField(keyStartLSN, b.StartLSN.String())
	writeField(keyEndLSN, b.EndLSN.String())
	writeField(keyStartTimeline, strconv.FormatUint(uint64(b.StartTimeline), 10))
	writeField(keyEndTimeline, strconv.FormatUint(uint64(b.EndTimeline), 10))
	writeField(keyCheckpointLSN, b.CheckpointLSN.String())
	writeField(keyStartSegment, b.StartSegmentName)
	writeField(keyRestoreSize, strconv.FormatInt(b.RestoreSize, 10))
	writeField(keyBiggestFile, strconv.FormatInt(b.BiggestFile, 10))
	writeField(keyMajorVersion, strconv.Itoa(b.MajorVersion))
	writeField(keyMinorVersion, strconv.Itoa(b.MinorVersion))
	writeField(keyCompression, b.Compression.String())
	writeField(keyEncryption, b.Encryption)
	writeField(keyTablespaces, formatTablespaces(b.Tablespaces))
	writeField(keyElapsedSeconds, strconv.FormatFloat(b.ElapsedSeconds, 'f', -1, 64))
	writeField(keyKeep, strconv.FormatBool(b.Keep))
	writeField(keyComments, b.Comments)

	for k, v := range unknown {
		writeField(k, v)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(sb.String()), 0644); err != nil {
		return perrors.New(perrors.KindDiskSpace, "repository", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return perrors.New(perrors.KindDiskSpace, "repository", err)
	}
	return nil
}

func knownKeys() map[string]bool {
	return map[string]bool{
		keyLabel: true, keyType: true, keyValid: true, keyParent: true,
		keyStartLSN: true, keyEndLSN: true, keyStartTimeline: true, keyEndTimeline: true,
		keyCheckpointLSN: true, keyStartSegment: true, keyRestoreSize: true, keyBiggestFile: true,
		keyMajorVersion: true, keyMinorVersion: true, keyCompression: true, keyEncryption: true,
		keyTablespaces: true, keyElapsedSeconds: true, keyKeep: true, keyComments: true,
	}
}

// parseTablespaces/formatTablespaces encode []Tablespace as
// "name:oid:path,name:oid:path,...". Tablespace paths on the origin are
// absolute POSIX paths and never contain a comma or colon in practice
// (they are directory paths under the origin's own data directory
// naming convention), so this delimiter choice is safe.
func parseTablespaces(v string) []Tablespace {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]Tablespace, 0, len(parts))
	for _, p := range parts {
		fields := strings.SplitN(p, ":", 3)
		if len(fields) != 3 {
			continue
		}
		oid, _ := strconv.ParseUint(fields[1], 10, 32)
		out = append(out, Tablespace{Name: fields[0], OID: uint32(oid), Path: fields[2]})
	}
	return out
}

func formatTablespaces(ts []Tablespace) string {
	parts := make([]string, 0, len(ts))
	for _, t := range ts {
		parts = append(parts, fmt.Sprintf("%s:%d:%s", t.Name, t.OID, t.Path))
	}
	return strings.Join(parts, ",")
}
