package cliutil

import (
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

// colorEnabled is decided once at process start, the way fatih/color
// recommends gating output: a pipe or redirected file never gets ANSI
// escapes even if the caller didn't pass --no-color.
var colorEnabled = isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())

// ColorizeValidity renders a validity string (true/false/unknown) with the
// status coloring from SPEC_FULL.md §C.5: valid=green, invalid=red,
// in-progress=yellow.
func ColorizeValidity(valid string) string {
	label := RenderEnum("list-backup", "valid", valid)
	if !colorEnabled {
		return label
	}
	switch valid {
	case "true":
		return color.GreenString(label)
	case "false":
		return color.RedString(label)
	default:
		return color.YellowString(label)
	}
}

// DisableColor forces color off regardless of terminal detection, for
// callers honoring --no-color or NO_COLOR.
func DisableColor() { colorEnabled = false }
