// Package brt implements the C4 block-reference table: an in-memory map
// from (relation locator, fork) to the set of blocks modified since the
// parent backup's start LSN, built by merging WAL summary files (§4.4).
package brt

import (
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// InfiniteLimitBlock represents "no truncation observed"; the zero value
// of limit_block in the origin's terms is infinity, not zero.
const InfiniteLimitBlock uint32 = ^uint32(0)

// Locator identifies a relation the way the origin server does:
// tablespace/database/relfilenode.
type Locator struct {
	Tablespace uint32
	Database   uint32
	RelFile    uint32
}

// ForkKey pairs a locator with a fork number (main, fsm, vm, init).
type ForkKey struct {
	Locator Locator
	Fork    int32
}

// Entry is one block-reference table row: the smallest block number known
// to have been truncated away (or InfiniteLimitBlock) and the set of
// blocks modified since the parent's start LSN.
type Entry struct {
	LimitBlock uint32
	Modified   map[uint32]struct{}
}

func newEntry() *Entry {
	return &Entry{LimitBlock: InfiniteLimitBlock, Modified: make(map[uint32]struct{})}
}

// Summary is one parsed WAL summary record, as read from a WAL summary
// file between parent.start_lsn and the new start_lsn (§4.4).
type Summary struct {
	Locator        Locator
	Fork           int32
	LimitBlock     uint32
	ModifiedBlocks []uint32
}

// Table is the merged, queryable block-reference table for one backup's
// ancestor interval.
type Table struct {
	mu      sync.RWMutex
	entries map[ForkKey]*Entry
	// complete is false when any summary file in the covering range was
	// missing; in that state GetEntry returns no entries at all so the
	// reconstructor falls back to full-copy for every relation (§4.4
	// "safe over-approximation").
	complete bool
}

// NewTable builds an empty table. Use Merge to fold in summaries, and call
// MarkIncomplete if a summary file in the covering range could not be
// read.
func NewTable() *Table {
	return &Table{entries: make(map[ForkKey]*Entry), complete: true}
}

// MarkIncomplete records that at least one summary file was missing from
// the (parent.start_lsn, new_start_lsn] range.
func (t *Table) MarkIncomplete() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.complete = false
}

// Merge folds one summary's entries into the table: union of modified
// sets, most-recent non-infinite limit_block wins (§4.4: "truncations
// supersede earlier ones"). Summaries must be merged in WAL order.
func (t *Table) Merge(summaries []Summary) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, s := range summaries {
		key := ForkKey{Locator: s.Locator, Fork: s.Fork}
		e, ok := t.entries[key]
		if !ok {
			e = newEntry()
			t.entries[key] = e
		}
		if s.LimitBlock != InfiniteLimitBlock {
			e.LimitBlock = s.LimitBlock
		}
		for _, b := range s.ModifiedBlocks {
			e.Modified[b] = struct{}{}
		}
	}
}

// GetEntry returns the merged entry for a locator+fork, or ok=false when
// the table is incomplete (forcing full-copy) or the relation has no
// recorded changes.
func (t *Table) GetEntry(key ForkKey) (entry *Entry, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.complete {
		return nil, false
	}
	e, ok := t.entries[key]
	return e, ok
}

// GetBlocks returns the modified block numbers in [start, end), sorted
// ascending (§4.4: "get_blocks(entry, start, end, ...) -> count").
func (e *Entry) GetBlocks(start, end uint32) []uint32 {
	out := make([]uint32, 0, len(e.Modified))
	for b := range e.Modified {
		if b >= start && b < end {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SummaryCache caches parsed WAL summary files by file name, since a long
// ancestor chain can re-read the same summaries across several
// incremental backups in a retention window.
type SummaryCache struct {
	cache *lru.Cache[string, []Summary]
}

// NewSummaryCache builds an LRU cache holding up to capacity parsed
// summary files.
func NewSummaryCache(capacity int) (*SummaryCache, error) {
	c, err := lru.New[string, []Summary](capacity)
	if err != nil {
		return nil, err
	}
	return &SummaryCache{cache: c}, nil
}

func (c *SummaryCache) Get(path string) ([]Summary, bool) {
	return c.cache.Get(path)
}

func (c *SummaryCache) Put(path string, summaries []Summary) {
	c.cache.Add(path, summaries)
}
