package workflow

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/pgmoneta-go/pgmoneta/internal/pglog"
)

// Step is one link in a workflow chain (§4.10).
type Step interface {
	// Name identifies the step in logs and in Bag ownership tracking.
	Name() string
	// Setup validates preconditions and claims whatever nodes the step
	// will produce.
	Setup(ctx context.Context, nodes *Bag) error
	// Execute does the step's actual work. Only called if Setup succeeded.
	Execute(ctx context.Context, nodes *Bag) error
	// Teardown cleans up the step's partial state. Called for every step
	// whose Setup ran, whether or not Setup or Execute succeeded.
	Teardown(ctx context.Context, nodes *Bag)
}

// Workflow runs a fixed chain of steps against a shared nodes bag.
//
// Execution order: for each step in turn, run its Setup; if Setup fails,
// stop advancing (no further step's Setup or Execute runs) but still run
// Teardown for every step reached so far, in the order they were reached.
// If Setup succeeds, run Execute immediately before moving to the next
// step's Setup. This is the only ordering consistent with both halves of
// §5's ordering guarantee ("setup[i] happens-before execute[i]... execute[i]
// happens-before setup[i+1]"): a literal three-separate-passes reading of
// §4.10's prose (all setups, then all executes, then all teardowns) cannot
// satisfy "execute[i] happens-before setup[i+1]" for any chain longer than
// one step, so this package reads §4.10 as describing the net effect at
// the chain level (any setup failure skips every execute) rather than the
// literal pass structure. See DESIGN.md's Open Question log for this
// decision.
type Workflow struct {
	steps []Step
	log   zerolog.Logger
}

// New builds a workflow over steps, run in the given order.
func New(steps []Step) *Workflow {
	return &Workflow{steps: steps, log: pglog.WithComponent("workflow")}
}

// Run executes the chain against nodes, returning the first Setup or
// Execute error encountered. Teardown always runs for every step that was
// reached, regardless of the outcome.
func (w *Workflow) Run(ctx context.Context, nodes *Bag) error {
	reached := make([]Step, 0, len(w.steps))
	var failed error
	var failedStep string

	for _, step := range w.steps {
		if err := step.Setup(ctx, nodes); err != nil {
			failed = fmt.Errorf("step %q setup: %w", step.Name(), err)
			failedStep = step.Name()
			reached = append(reached, step)
			break
		}
		reached = append(reached, step)

		if err := step.Execute(ctx, nodes); err != nil {
			failed = fmt.Errorf("step %q execute: %w", step.Name(), err)
			failedStep = step.Name()
			break
		}
	}

	for _, step := range reached {
		func() {
			defer func() {
				if r := recover(); r != nil {
					w.log.Error().Str("step", step.Name()).Interface("panic", r).Msg("teardown panicked")
				}
			}()
			step.Teardown(ctx, nodes)
		}()
	}

	if failed != nil {
		w.log.Warn().Str("failed_step", failedStep).Err(failed).Msg("workflow aborted")
	}
	return failed
}
