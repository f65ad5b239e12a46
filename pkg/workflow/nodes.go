// Package workflow implements the step-chain execution engine of §4.10: a
// workflow is an ordered list of steps, each with name/setup/execute/
// teardown, sharing a typed attribute bag across the chain.
package workflow

import (
	"fmt"
)

// Key names a slot in the nodes bag. Keys are compile-time constants (§9
// design note: "Model as a tagged-enum value type... keys are compile-time
// constants"), not arbitrary strings a step makes up at runtime.
type Key string

const (
	// NodeServerID names the server a workflow run targets.
	NodeServerID Key = "NODE_SERVER_ID"
	// NodeBackup carries a reference to the backup record a step is
	// producing or consuming.
	NodeBackup Key = "NODE_BACKUP"
	// NodeLabels carries the ancestor-label chain a reconstruction step
	// walks.
	NodeLabels Key = "NODE_LABELS"
	// NodeTargetBase names the restore target directory.
	NodeTargetBase Key = "NODE_TARGET_BASE"
	// NodeWorkspace names the scratch directory a step may create during
	// reconstruction and that teardown is responsible for cleaning up on
	// failure (left in place for inspection per the glossary's "Workspace"
	// entry) or removing on success.
	NodeWorkspace Key = "NODE_WORKSPACE"
	// NodeOutcome carries the worker pool's sticky outcome flag (§4.9) so
	// a later step can fail the workflow when any fan-out task failed.
	NodeOutcome Key = "NODE_OUTCOME"
)

// Kind tags which field of Value is populated.
type Kind int

const (
	KindString Kind = iota
	KindInt
	KindBool
	KindBytes
	KindRefBackup
	KindRefStringList
	KindRefJSON
)

// Value is the tagged-enum bag entry type the §9 design note calls for:
// String|Int|Bool|Bytes|Ref<Backup>|Ref<Deque<String>>|Ref<Json>. Only the
// field matching Kind is meaningful.
type Value struct {
	Kind Kind

	Str  string
	Int  int64
	Bool bool
	Byte []byte

	RefBackup  any
	RefStrings []string
	RefJSON    any
}

func StringValue(s string) Value          { return Value{Kind: KindString, Str: s} }
func IntValue(i int64) Value              { return Value{Kind: KindInt, Int: i} }
func BoolValue(b bool) Value              { return Value{Kind: KindBool, Bool: b} }
func BytesValue(b []byte) Value           { return Value{Kind: KindBytes, Byte: b} }
func RefBackupValue(ref any) Value        { return Value{Kind: KindRefBackup, RefBackup: ref} }
func RefStringListValue(v []string) Value { return Value{Kind: KindRefStringList, RefStrings: v} }
func RefJSONValue(ref any) Value          { return Value{Kind: KindRefJSON, RefJSON: ref} }

// entry pairs a Value with the name of the step that inserted it, so the
// bag can enforce "steps read/write but do not free keys they did not
// insert" (glossary, "Workflow-nodes bag").
type entry struct {
	value Value
	owner string
}

// Bag is the nodes bag shared by every step in one workflow run. The
// workflow owns it; a zero Bag is ready to use.
type Bag struct {
	entries map[Key]entry
}

// NewBag returns an empty bag.
func NewBag() *Bag {
	return &Bag{entries: make(map[Key]entry)}
}

// Insert adds a new key owned by step. It fails if the key already exists,
// since insertion is how a step claims ownership of a key.
func (b *Bag) Insert(step string, key Key, v Value) error {
	if b.entries == nil {
		b.entries = make(map[Key]entry)
	}
	if _, exists := b.entries[key]; exists {
		return fmt.Errorf("workflow: node %s already present (inserted by a previous step)", key)
	}
	b.entries[key] = entry{value: v, owner: step}
	return nil
}

// Get reads a key. Any step may read any key.
func (b *Bag) Get(key Key) (Value, bool) {
	e, ok := b.entries[key]
	if !ok {
		return Value{}, false
	}
	return e.value, true
}

// MustGet reads a key, panicking if absent. For steps whose setup already
// verified the key's presence as a precondition.
func (b *Bag) MustGet(key Key) Value {
	v, ok := b.Get(key)
	if !ok {
		panic(fmt.Sprintf("workflow: node %s not present", key))
	}
	return v
}

// Update overwrites an existing key's value. Only the owning step may
// update it.
func (b *Bag) Update(step string, key Key, v Value) error {
	e, ok := b.entries[key]
	if !ok {
		return fmt.Errorf("workflow: node %s not present", key)
	}
	if e.owner != step {
		return fmt.Errorf("workflow: node %s is owned by %q, not %q", key, e.owner, step)
	}
	b.entries[key] = entry{value: v, owner: step}
	return nil
}

// Delete frees a key. Only the owning step may delete it; a step's
// teardown must delete (or hand off, see Transfer) every key its setup
// inserted.
func (b *Bag) Delete(step string, key Key) error {
	e, ok := b.entries[key]
	if !ok {
		return nil
	}
	if e.owner != step {
		return fmt.Errorf("workflow: node %s is owned by %q, not %q", key, e.owner, step)
	}
	delete(b.entries, key)
	return nil
}

// Transfer reassigns ownership of key to newOwner, for a step that hands a
// value on to a later step instead of freeing it.
func (b *Bag) Transfer(step string, key Key, newOwner string) error {
	e, ok := b.entries[key]
	if !ok {
		return fmt.Errorf("workflow: node %s not present", key)
	}
	if e.owner != step {
		return fmt.Errorf("workflow: node %s is owned by %q, not %q", key, e.owner, step)
	}
	e.owner = newOwner
	b.entries[key] = e
	return nil
}

// Owner reports which step owns key, if any.
func (b *Bag) Owner(key Key) (string, bool) {
	e, ok := b.entries[key]
	if !ok {
		return "", false
	}
	return e.owner, true
}
