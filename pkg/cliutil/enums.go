// Package cliutil renders management RPC responses for cmd/pgmoneta-cli:
// tables, colorized status fields, humanized byte counts/durations, and a
// progress spinner for long-running commands. Per §9's "duck-typed JSON
// walk" design note, enum-shaped response fields are never inferred by
// sniffing a decoded value's runtime type — every field this package
// renders specially is named explicitly, by (command, key), in the lookup
// tables below.
package cliutil

// EnumField names one (command, response key) pair whose value is an enum
// this package knows how to render specially, rather than printing
// whatever JSON type happened to decode.
type EnumField struct {
	Command string
	Key     string
}

// enumRenderers maps a known enum field to a value->display-string table.
// A field not present here (or a value not present in its table) falls
// back to plain fmt.Sprint of the decoded JSON value — never a type switch
// over the value's shape.
var enumRenderers = map[EnumField]map[string]string{
	{Command: "list-backup", Key: "type"}:  backupTypeLabels,
	{Command: "info", Key: "type"}:         backupTypeLabels,
	{Command: "list-backup", Key: "valid"}: validityLabels,
	{Command: "info", Key: "valid"}:        validityLabels,
	{Command: "status", Key: "valid"}:      validityLabels,
	{Command: "info", Key: "compression"}:  compressionLabels,
	{Command: "info", Key: "encryption"}:   encryptionLabels,
}

var backupTypeLabels = map[string]string{
	"FULL":        "full",
	"INCREMENTAL": "incremental",
}

var validityLabels = map[string]string{
	"true":    "valid",
	"false":   "invalid",
	"unknown": "in-progress",
}

var compressionLabels = map[string]string{
	"":     "none",
	"gz":   "gzip",
	"zstd": "zstd",
	"lz4":  "lz4",
	"bz2":  "bzip2",
}

var encryptionLabels = map[string]string{
	"":        "none",
	"aes-256": "aes-256",
}

// RenderEnum looks up how (command, key) displays value, falling back to
// value itself when no explicit entry exists.
func RenderEnum(command, key, value string) string {
	table, ok := enumRenderers[EnumField{Command: command, Key: key}]
	if !ok {
		return value
	}
	label, ok := table[value]
	if !ok {
		return value
	}
	return label
}
