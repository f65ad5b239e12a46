package cliutil

import (
	"time"

	"github.com/dustin/go-humanize"
)

// Bytes renders a byte count the way §6's CLI surface displays restore
// sizes and biggest-file figures.
func Bytes(n int64) string {
	if n < 0 {
		return "0 B"
	}
	return humanize.Bytes(uint64(n))
}

// Duration renders an elapsed-seconds figure as a relative duration string.
func Duration(seconds float64) string {
	return humanize.RelTime(time.Now().Add(-time.Duration(seconds*float64(time.Second))), time.Now(), "", "")
}
