package orchestrator

import (
	"bufio"
	"strings"
)

// labelFileContents is the parsed body of the pg-format backup_label file
// pg_backup_stop() hands back in BackupBounds.BackupLabel, rather than the
// opaque blob the bounds type otherwise treats it as. Grounded on the
// upstream label_file_contents parser, a handful of "KEY: value" lines
// terminated by newlines, e.g.:
//
//	START WAL LOCATION: 0/3000028 (file 000000010000000000000003)
//	CHECKPOINT LOCATION: 0/3000060
//	BACKUP METHOD: streamed
//	START TIME: 2024-01-01 00:00:00 GMT
//	LABEL: myBackup
//	START TIMELINE: 1
type labelFileContents struct {
	StartWALLocation   string
	CheckpointLocation string
	BackupMethod       string
	StartTime          string
	Label              string
	StartTimeline      string
}

func parseLabelFileContents(raw string) labelFileContents {
	var l labelFileContents
	scanner := bufio.NewScanner(strings.NewReader(raw))
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), ": ")
		if !ok {
			continue
		}
		switch key {
		case "START WAL LOCATION":
			if loc, _, found := strings.Cut(value, " "); found {
				l.StartWALLocation = loc
			} else {
				l.StartWALLocation = value
			}
		case "CHECKPOINT LOCATION":
			l.CheckpointLocation = value
		case "BACKUP METHOD":
			l.BackupMethod = value
		case "START TIME":
			l.StartTime = value
		case "LABEL":
			l.Label = strings.Trim(value, `"`)
		case "START TIMELINE":
			l.StartTimeline = value
		}
	}
	return l
}
