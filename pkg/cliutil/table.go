package cliutil

import (
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
)

// RenderListBackup renders one row per backup entry in a list-backup
// response's "backups" array.
func RenderListBackup(w io.Writer, backups []map[string]any) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"LABEL", "TYPE", "VALID", "PARENT", "SIZE", "ELAPSED"})

	for _, b := range backups {
		t.AppendRow(table.Row{
			stringField(b, "label"),
			RenderEnum("list-backup", "type", stringField(b, "type")),
			ColorizeValidity(stringField(b, "valid")),
			dashIfEmpty(stringField(b, "parent")),
			Bytes(int64Field(b, "restore_size")),
			Duration(float64Field(b, "elapsed_seconds")),
		})
	}
	t.Render()
}

// RenderInfo renders one backup's detail fields as a key/value table.
func RenderInfo(w io.Writer, info map[string]any) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"FIELD", "VALUE"})

	t.AppendRow(table.Row{"label", stringField(info, "label")})
	t.AppendRow(table.Row{"type", RenderEnum("info", "type", stringField(info, "type"))})
	t.AppendRow(table.Row{"valid", ColorizeValidity(stringField(info, "valid"))})
	t.AppendRow(table.Row{"parent", dashIfEmpty(stringField(info, "parent"))})
	t.AppendRow(table.Row{"compression", RenderEnum("info", "compression", stringField(info, "compression"))})
	t.AppendRow(table.Row{"encryption", RenderEnum("info", "encryption", stringField(info, "encryption"))})
	t.AppendRow(table.Row{"restore_size", Bytes(int64Field(info, "restore_size"))})
	t.AppendRow(table.Row{"elapsed", Duration(float64Field(info, "elapsed_seconds"))})
	t.Render()
}

// RenderStatus renders a status/status-details response as a key/value
// table, one row per server.
func RenderStatus(w io.Writer, servers []map[string]any) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"SERVER", "ONLINE", "VALID", "STREAMING"})

	for _, s := range servers {
		t.AppendRow(table.Row{
			stringField(s, "server"),
			boolField(s, "online"),
			ColorizeValidity(validityFromBool(s, "valid")),
			boolField(s, "streaming"),
		})
	}
	t.Render()
}

func validityFromBool(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok {
		return "unknown"
	}
	b, ok := v.(bool)
	if !ok {
		return "unknown"
	}
	if b {
		return "true"
	}
	return "false"
}

func stringField(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return fmt.Sprint(v)
	}
	return s
}

func int64Field(m map[string]any, key string) int64 {
	v, ok := m[key]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}

func float64Field(m map[string]any, key string) float64 {
	v, ok := m[key]
	if !ok {
		return 0
	}
	f, ok := v.(float64)
	if !ok {
		return 0
	}
	return f
}

func boolField(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok {
		return "?"
	}
	b, ok := v.(bool)
	if !ok {
		return "?"
	}
	if b {
		return "yes"
	}
	return "no"
}

func dashIfEmpty(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
