package walfmt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSegmentNameRoundTrip(t *testing.T) {
	const segSize = 16 * 1024 * 1024

	cases := []struct {
		tli   Timeline
		segno uint64
	}{
		{1, 0},
		{1, 3},
		{2, 3},
		{7, 1 << 20},
		{0xFFFFFFFF, 0},
	}

	for _, c := range cases {
		name := SegmentName(c.tli, c.segno, segSize)
		assert.Len(t, name, 24)

		gotTLI, gotSegno, err := ParseSegmentName(name, segSize)
		require.NoError(t, err)
		assert.Equal(t, c.tli, gotTLI)
		assert.Equal(t, c.segno, gotSegno)
	}
}

func TestSegmentNameS4Scenario(t *testing.T) {
	const segSize = 16 * 1024 * 1024

	lsn, err := ParseLSN("0/3000000")
	require.NoError(t, err)

	segno := lsn.SegmentNumber(segSize)
	name := SegmentName(2, segno, segSize)
	assert.Equal(t, "000000020000000000000003", name)
}

func TestParseLSN(t *testing.T) {
	lsn, err := ParseLSN("0/3000000")
	require.NoError(t, err)
	assert.Equal(t, "0/3000000", lsn.String())
}

func TestParseSegmentNameTooShort(t *testing.T) {
	_, _, err := ParseSegmentName("short", 16*1024*1024)
	assert.Error(t, err)
}
