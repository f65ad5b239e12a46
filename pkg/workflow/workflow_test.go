package workflow

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingStep logs every call it receives into a shared trace slice, and
// optionally claims/frees a bag key so ownership rules get exercised.
type recordingStep struct {
	name       string
	trace      *[]string
	setupErr   error
	executeErr error
	claimKey   Key
	readKey    Key
}

func (s *recordingStep) Name() string { return s.name }

func (s *recordingStep) Setup(ctx context.Context, nodes *Bag) error {
	*s.trace = append(*s.trace, s.name+":setup")
	if s.claimKey != "" {
		if err := nodes.Insert(s.name, s.claimKey, StringValue(s.name+"-value")); err != nil {
			return err
		}
	}
	return s.setupErr
}

func (s *recordingStep) Execute(ctx context.Context, nodes *Bag) error {
	*s.trace = append(*s.trace, s.name+":execute")
	if s.readKey != "" {
		if v, ok := nodes.Get(s.readKey); ok {
			*s.trace = append(*s.trace, s.name+":read="+v.Str)
		}
	}
	return s.executeErr
}

func (s *recordingStep) Teardown(ctx context.Context, nodes *Bag) {
	*s.trace = append(*s.trace, s.name+":teardown")
	if s.claimKey != "" {
		_ = nodes.Delete(s.name, s.claimKey)
	}
}

func TestWorkflowRunsSetupExecuteLockstepAcrossSteps(t *testing.T) {
	var trace []string
	a := &recordingStep{name: "a", trace: &trace}
	b := &recordingStep{name: "b", trace: &trace}
	c := &recordingStep{name: "c", trace: &trace}

	wf := New([]Step{a, b, c})
	err := wf.Run(context.Background(), NewBag())
	require.NoError(t, err)

	// setup[i] before execute[i], execute[i] before setup[i+1]: a full
	// lockstep trace, not three separate batch passes.
	assert.Equal(t, []string{
		"a:setup", "a:execute",
		"b:setup", "b:execute",
		"c:setup", "c:execute",
		"a:teardown", "b:teardown", "c:teardown",
	}, trace)
}

func TestWorkflowSetupFailureSkipsThatStepsExecuteAndAllLaterSteps(t *testing.T) {
	var trace []string
	failure := errors.New("boom")
	a := &recordingStep{name: "a", trace: &trace}
	b := &recordingStep{name: "b", trace: &trace, setupErr: failure}
	c := &recordingStep{name: "c", trace: &trace}

	wf := New([]Step{a, b, c})
	err := wf.Run(context.Background(), NewBag())
	require.Error(t, err)
	assert.ErrorIs(t, err, failure)

	// b's execute never runs, and c is never reached at all, but a and b
	// both get torn down since both were reached.
	assert.Equal(t, []string{
		"a:setup", "a:execute",
		"b:setup",
		"a:teardown", "b:teardown",
	}, trace)
}

func TestWorkflowExecuteFailureStillTearsDownThatStep(t *testing.T) {
	var trace []string
	failure := errors.New("boom")
	a := &recordingStep{name: "a", trace: &trace, executeErr: failure}
	b := &recordingStep{name: "b", trace: &trace}

	wf := New([]Step{a, b})
	err := wf.Run(context.Background(), NewBag())
	require.Error(t, err)

	assert.Equal(t, []string{
		"a:setup", "a:execute",
		"a:teardown",
	}, trace)
}

func TestBagOwnershipRejectsForeignFreeAndDoubleInsert(t *testing.T) {
	bag := NewBag()
	require.NoError(t, bag.Insert("stepA", NodeServerID, StringValue("s1")))

	// Re-inserting the same key fails even for the same step.
	err := bag.Insert("stepA", NodeServerID, StringValue("s1-again"))
	assert.Error(t, err)

	// A different step may not free a key it didn't insert.
	err = bag.Delete("stepB", NodeServerID)
	assert.Error(t, err)

	v, ok := bag.Get(NodeServerID)
	require.True(t, ok)
	assert.Equal(t, "s1", v.Str)

	require.NoError(t, bag.Delete("stepA", NodeServerID))
	_, ok = bag.Get(NodeServerID)
	assert.False(t, ok)
}

func TestBagTransferHandsOwnershipToNextStep(t *testing.T) {
	bag := NewBag()
	require.NoError(t, bag.Insert("producer", NodeBackup, RefBackupValue("backup-1")))

	require.NoError(t, bag.Transfer("producer", NodeBackup, "consumer"))

	// producer no longer owns it.
	assert.Error(t, bag.Delete("producer", NodeBackup))

	owner, ok := bag.Owner(NodeBackup)
	require.True(t, ok)
	assert.Equal(t, "consumer", owner)

	require.NoError(t, bag.Delete("consumer", NodeBackup))
}

func TestWorkflowStepsShareKeysThroughTheBag(t *testing.T) {
	var trace []string
	producer := &recordingStep{name: "producer", trace: &trace, claimKey: NodeLabels}
	consumer := &recordingStep{name: "consumer", trace: &trace, readKey: NodeLabels}

	wf := New([]Step{producer, consumer})
	bag := NewBag()
	require.NoError(t, wf.Run(context.Background(), bag))

	assert.Contains(t, trace, "consumer:read=producer-value")

	// producer's teardown frees NodeLabels itself (claimKey cleanup), so
	// by the time the workflow returns the key is gone again.
	_, ok := bag.Get(NodeLabels)
	assert.False(t, ok)
}
