package brt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeUnionsModifiedBlocksAcrossSummaries(t *testing.T) {
	tbl := NewTable()
	key := ForkKey{Locator: Locator{RelFile: 1}, Fork: 0}

	tbl.Merge([]Summary{{Locator: key.Locator, Fork: key.Fork, LimitBlock: InfiniteLimitBlock, ModifiedBlocks: []uint32{1, 3}}})
	tbl.Merge([]Summary{{Locator: key.Locator, Fork: key.Fork, LimitBlock: InfiniteLimitBlock, ModifiedBlocks: []uint32{2}}})

	e, ok := tbl.GetEntry(key)
	require.True(t, ok)
	assert.Equal(t, []uint32{1, 2, 3}, e.GetBlocks(0, 10))
}

func TestMergeMostRecentNonInfiniteLimitBlockWins(t *testing.T) {
	tbl := NewTable()
	key := ForkKey{Locator: Locator{RelFile: 1}, Fork: 0}

	tbl.Merge([]Summary{{Locator: key.Locator, Fork: key.Fork, LimitBlock: 10}})
	tbl.Merge([]Summary{{Locator: key.Locator, Fork: key.Fork, LimitBlock: InfiniteLimitBlock}})
	tbl.Merge([]Summary{{Locator: key.Locator, Fork: key.Fork, LimitBlock: 4}})

	e, ok := tbl.GetEntry(key)
	require.True(t, ok)
	assert.Equal(t, uint32(4), e.LimitBlock)
}

func TestIncompleteTableReturnsNoEntries(t *testing.T) {
	tbl := NewTable()
	key := ForkKey{Locator: Locator{RelFile: 1}, Fork: 0}
	tbl.Merge([]Summary{{Locator: key.Locator, Fork: key.Fork, ModifiedBlocks: []uint32{1}}})
	tbl.MarkIncomplete()

	_, ok := tbl.GetEntry(key)
	assert.False(t, ok)
}

func TestGetBlocksRangeAndOrder(t *testing.T) {
	e := &Entry{LimitBlock: InfiniteLimitBlock, Modified: map[uint32]struct{}{5: {}, 1: {}, 9: {}, 3: {}}}
	assert.Equal(t, []uint32{1, 3}, e.GetBlocks(0, 5))
	assert.Equal(t, []uint32{1, 3, 5, 9}, e.GetBlocks(0, 100))
}

func TestSummaryCache(t *testing.T) {
	c, err := NewSummaryCache(2)
	require.NoError(t, err)

	c.Put("a", []Summary{{LimitBlock: 1}})
	got, ok := c.Get("a")
	require.True(t, ok)
	assert.Len(t, got, 1)

	_, ok = c.Get("missing")
	assert.False(t, ok)
}
