package reconstruct

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgmoneta-go/pgmoneta/pkg/incrfile"
)

const pageSize = 4

func pageOf(b byte) []byte {
	p := make([]byte, pageSize)
	for i := range p {
		p[i] = b
	}
	return p
}

func buildIncremental(t *testing.T, truncation uint32, blocks []uint32, fill []byte) *IncrementalSource {
	t.Helper()
	pages := make([][]byte, len(blocks))
	for i := range blocks {
		pages[i] = pageOf(fill[i])
	}
	hdr := incrfile.Header{NumBlocks: uint32(len(blocks)), TruncationBlockLength: truncation, BlockNumbers: blocks}
	var buf bytes.Buffer
	require.NoError(t, incrfile.WriteFile(&buf, hdr, pages, pageSize))
	src, err := NewIncrementalSource(buf.Bytes(), pageSize)
	require.NoError(t, err)
	return src
}

func buildFull(n int, fill byte) *FullSource {
	data := make([]byte, n*pageSize)
	for i := range data {
		data[i] = fill
	}
	return NewFullSource(data, pageSize)
}

// TestScenarioS2RebuildFull is S2: FULL of a 3-block relation "A A A",
// I1 modifies block 1 to "B", I2 modifies block 2 to "C". Reconstructing
// full from (I2, I1, FULL) must yield "A B C".
func TestScenarioS2RebuildFull(t *testing.T) {
	full := buildFull(3, 'A')
	i1 := buildIncremental(t, 3, []uint32{1}, []byte{'B'})
	i2 := buildIncremental(t, 3, []uint32{2}, []byte{'C'})

	ancestors := []Ancestor{
		{Label: "I1", Incremental: i1},
		{Label: "FULL", Full: full},
	}

	var out bytes.Buffer
	require.NoError(t, Reconstruct(&out, RebuildFull, i2, ancestors, pageSize))

	want := append(append(pageOf('A'), pageOf('B')...), pageOf('C')...)
	assert.Equal(t, want, out.Bytes())
}

// TestScenarioS2RebuildIncremental is S2's second half: reconstructing
// incremental from (I2, I1) with parent = FULL must yield header
// {num_blocks=2, truncation=3, blocks=[1,2]} and payload "B C".
func TestScenarioS2RebuildIncremental(t *testing.T) {
	i1 := buildIncremental(t, 3, []uint32{1}, []byte{'B'})
	i2 := buildIncremental(t, 3, []uint32{2}, []byte{'C'})

	ancestors := []Ancestor{
		{Label: "I1", Incremental: i1},
	}

	var out bytes.Buffer
	require.NoError(t, Reconstruct(&out, RebuildIncremental, i2, ancestors, pageSize))

	gotHdr, gotPages, err := incrfile.ReadFile(bytes.NewReader(out.Bytes()), pageSize)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), gotHdr.NumBlocks)
	assert.Equal(t, uint32(3), gotHdr.TruncationBlockLength)
	assert.Equal(t, []uint32{1, 2}, gotHdr.BlockNumbers)
	assert.Equal(t, pageOf('B'), gotPages[0])
	assert.Equal(t, pageOf('C'), gotPages[1])
}

// TestScenarioS3Zerofill is S3: the ancestor full file is shorter than the
// output's block_length (a truncation observed at clone time that a later
// WAL interval re-extended past). Blocks beyond the ancestor's length and
// not present in the latest incremental are zero-filled rather than
// failing the reconstruction.
func TestScenarioS3Zerofill(t *testing.T) {
	full := buildFull(2, 'A')
	latest := buildIncremental(t, 4, nil, nil)

	ancestors := []Ancestor{
		{Label: "FULL", Full: full},
	}

	var out bytes.Buffer
	require.NoError(t, Reconstruct(&out, RebuildFull, latest, ancestors, pageSize))

	want := append(append(append(pageOf('A'), pageOf('A')...), make([]byte, pageSize)...), make([]byte, pageSize)...)
	assert.Equal(t, want, out.Bytes())
}

// TestCopySourceOptimization covers §4.6 step 6: when the latest
// incremental has no blocks of its own and the single ancestor full file
// exactly covers block_length, a byte-for-byte copy is used instead of a
// page-by-page rebuild.
func TestCopySourceOptimization(t *testing.T) {
	full := buildFull(3, 'A')
	latest := buildIncremental(t, 3, nil, nil)

	ancestors := []Ancestor{{Label: "FULL", Full: full}}

	plan, err := BuildPlan(latest, ancestors)
	require.NoError(t, err)
	assert.NotNil(t, plan.CopySource)

	var out bytes.Buffer
	require.NoError(t, WriteFull(&out, plan, pageSize))
	assert.Equal(t, full.data, out.Bytes())
}

func TestCopySourceNotUsedWhenLatestHasBlocks(t *testing.T) {
	full := buildFull(3, 'A')
	latest := buildIncremental(t, 3, []uint32{1}, []byte{'B'})

	ancestors := []Ancestor{{Label: "FULL", Full: full}}

	plan, err := BuildPlan(latest, ancestors)
	require.NoError(t, err)
	assert.Nil(t, plan.CopySource)
}
