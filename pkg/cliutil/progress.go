package cliutil

import (
	"context"
	"time"

	"github.com/schollz/progressbar/v3"
)

// PollFunc reports whether a long-running command has finished, and a
// short status description to show alongside the spinner.
type PollFunc func() (done bool, description string, err error)

// RunWithSpinner drives an indeterminate spinner (backup/restore/archive
// give no byte-accurate progress fraction over the management RPC, only a
// status string) while poll reports the command isn't finished yet,
// polling every interval. Returns poll's final error, if any.
func RunWithSpinner(ctx context.Context, interval time.Duration, poll PollFunc) error {
	bar := progressbar.NewOptions(-1,
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetDescription("working"),
		progressbar.OptionClearOnFinish(),
	)
	defer bar.Finish()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		done, description, err := poll()
		if err != nil {
			return err
		}
		if description != "" {
			bar.Describe(description)
		}
		_ = bar.Add(1)
		if done {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
