package incrfile

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPageSize = 8192

func page(fill byte) []byte {
	p := make([]byte, testPageSize)
	for i := range p {
		p[i] = fill
	}
	return p
}

// TestRoundTrip is §8 property 1: num_blocks, truncation_block_length, and
// the ordered block array round-trip bit-identically, and payload length
// equals num_blocks*page_size.
func TestRoundTrip(t *testing.T) {
	hdr := Header{NumBlocks: 2, TruncationBlockLength: 3, BlockNumbers: []uint32{1, 2}}
	pages := [][]byte{page('B'), page('C')}

	var buf bytes.Buffer
	require.NoError(t, WriteFile(&buf, hdr, pages, testPageSize))

	gotHdr, gotPages, err := ReadFile(&buf, testPageSize)
	require.NoError(t, err)
	assert.Equal(t, hdr.NumBlocks, gotHdr.NumBlocks)
	assert.Equal(t, hdr.TruncationBlockLength, gotHdr.TruncationBlockLength)
	assert.Equal(t, hdr.BlockNumbers, gotHdr.BlockNumbers)
	assert.Len(t, gotPages, 2)
	assert.Equal(t, testPageSize*2, len(gotPages[0])+len(gotPages[1]))
}

func TestRoundTripEmptyBlockList(t *testing.T) {
	hdr := Header{NumBlocks: 0, TruncationBlockLength: 3}
	var buf bytes.Buffer
	require.NoError(t, WriteFile(&buf, hdr, nil, testPageSize))

	gotHdr, gotPages, err := ReadFile(&buf, testPageSize)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), gotHdr.NumBlocks)
	assert.Empty(t, gotPages)
}

func TestHeaderLenPadsToPageSize(t *testing.T) {
	n := HeaderLen(2, testPageSize)
	assert.Equal(t, 0, n%testPageSize)
	assert.GreaterOrEqual(t, n, rawHeaderLen(2))
}

func TestReadHeaderRejectsBadMagic(t *testing.T) {
	buf := bytes.NewBuffer(make([]byte, testPageSize))
	_, _, err := ReadHeader(buf, testPageSize)
	assert.Error(t, err)
}

func TestWriteHeaderRejectsNonAscendingBlocks(t *testing.T) {
	hdr := Header{NumBlocks: 2, TruncationBlockLength: 5, BlockNumbers: []uint32{3, 1}}
	var buf bytes.Buffer
	err := WriteHeader(&buf, hdr, testPageSize)
	assert.Error(t, err)
}

func TestReadFileRejectsPayloadTruncation(t *testing.T) {
	hdr := Header{NumBlocks: 1, TruncationBlockLength: 1, BlockNumbers: []uint32{0}}
	var buf bytes.Buffer
	require.NoError(t, WriteHeader(&buf, hdr, testPageSize))
	buf.Write(make([]byte, testPageSize/2)) // short payload

	_, _, err := ReadFile(&buf, testPageSize)
	assert.Error(t, err)
}
