// Package incrfile implements the C5 on-disk incremental file format: a
// block-indexed header followed by one page per listed block number
// (§4.5).
package incrfile

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pgmoneta-go/pgmoneta/internal/perrors"
)

// Magic is the incremental file's header magic constant (§4.5).
const Magic uint32 = 0x494e4352

// Header is the incremental file header: the magic, the block count, the
// relation's truncation length as observed at clone time, and the
// ascending list of block numbers present in the payload.
type Header struct {
	NumBlocks             uint32
	TruncationBlockLength uint32
	BlockNumbers          []uint32
}

// rawHeaderLen is the header's unpadded size: magic + num_blocks +
// truncation_block_length + one uint32 per block number.
func rawHeaderLen(numBlocks int) int {
	return 4 + 4 + 4 + 4*numBlocks
}

// HeaderLen returns the on-disk header length for numBlocks entries,
// padded to a multiple of pageSize (§4.5: "sizeof(header) mod page_size ==
// 0").
func HeaderLen(numBlocks int, pageSize int) int {
	raw := rawHeaderLen(numBlocks)
	if raw%pageSize == 0 {
		return raw
	}
	return raw + (pageSize - raw%pageSize)
}

// WriteHeader serializes hdr, padding to a page_size multiple. It returns
// an integrity error if BlockNumbers is not already sorted ascending or
// does not match NumBlocks; it does not sort them itself.
func WriteHeader(w io.Writer, hdr Header, pageSize int) error {
	if err := validateAscending(hdr.BlockNumbers); err != nil {
		return err
	}
	if int(hdr.NumBlocks) != len(hdr.BlockNumbers) {
		return perrors.Newf(perrors.KindIntegrity, "incrfile", "num_blocks %d does not match block array length %d", hdr.NumBlocks, len(hdr.BlockNumbers))
	}

	headerLen := HeaderLen(len(hdr.BlockNumbers), pageSize)
	buf := make([]byte, headerLen)
	binary.BigEndian.PutUint32(buf[0:4], Magic)
	binary.BigEndian.PutUint32(buf[4:8], hdr.NumBlocks)
	binary.BigEndian.PutUint32(buf[8:12], hdr.TruncationBlockLength)
	for i, b := range hdr.BlockNumbers {
		off := 12 + i*4
		binary.BigEndian.PutUint32(buf[off:off+4], b)
	}
	_, err := w.Write(buf)
	return err
}

// ReadHeader deserializes a header, rejecting bad magic, an implausible
// block count, or non-monotonic block numbers (§4.5 deserializer
// invariants). It returns the padded on-disk header length consumed.
func ReadHeader(r io.Reader, pageSize int) (Header, int, error) {
	var prefix [12]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return Header{}, 0, perrors.New(perrors.KindIntegrity, "incrfile", fmt.Errorf("read header prefix: %w", err))
	}
	magic := binary.BigEndian.Uint32(prefix[0:4])
	if magic != Magic {
		return Header{}, 0, perrors.Newf(perrors.KindIntegrity, "incrfile", "bad magic 0x%08X", magic)
	}
	numBlocks := binary.BigEndian.Uint32(prefix[4:8])
	truncation := binary.BigEndian.Uint32(prefix[8:12])

	headerLen := HeaderLen(int(numBlocks), pageSize)
	if rawHeaderLen(int(numBlocks))-12 > headerLen {
		return Header{}, 0, perrors.Newf(perrors.KindIntegrity, "incrfile", "block count %d exceeds header length", numBlocks)
	}

	remaining := make([]byte, headerLen-12)
	if len(remaining) > 0 {
		if _, err := io.ReadFull(r, remaining); err != nil {
			return Header{}, 0, perrors.New(perrors.KindIntegrity, "incrfile", fmt.Errorf("read block array: %w", err))
		}
	}

	blocks := make([]uint32, numBlocks)
	for i := range blocks {
		off := i * 4
		blocks[i] = binary.BigEndian.Uint32(remaining[off : off+4])
	}
	if err := validateAscending(blocks); err != nil {
		return Header{}, 0, err
	}

	return Header{NumBlocks: numBlocks, TruncationBlockLength: truncation, BlockNumbers: blocks}, headerLen, nil
}

func validateAscending(blocks []uint32) error {
	for i := 1; i < len(blocks); i++ {
		if blocks[i] <= blocks[i-1] {
			return perrors.Newf(perrors.KindIntegrity, "incrfile", "block numbers not strictly ascending at index %d (%d <= %d)", i, blocks[i], blocks[i-1])
		}
	}
	return nil
}

// WriteFile writes a complete incremental file: header, then one
// page-size page per listed block number from pages, in the same order.
// len(pages) must equal len(hdr.BlockNumbers).
func WriteFile(w io.Writer, hdr Header, pages [][]byte, pageSize int) error {
	if len(pages) != len(hdr.BlockNumbers) {
		return perrors.Newf(perrors.KindIntegrity, "incrfile", "page count %d does not match block array length %d", len(pages), len(hdr.BlockNumbers))
	}
	if err := WriteHeader(w, hdr, pageSize); err != nil {
		return err
	}
	for i, page := range pages {
		if len(page) != pageSize {
			return perrors.Newf(perrors.KindIntegrity, "incrfile", "page %d has length %d, want %d", i, len(page), pageSize)
		}
		if _, err := w.Write(page); err != nil {
			return perrors.New(perrors.KindDiskSpace, "incrfile", err)
		}
	}
	return nil
}

// ReadFile reads a complete incremental file back: header plus
// num_blocks*page_size bytes of payload, rejecting a payload length
// mismatch (§4.5 deserializer invariants).
func ReadFile(r io.Reader, pageSize int) (Header, [][]byte, error) {
	hdr, _, err := ReadHeader(r, pageSize)
	if err != nil {
		return Header{}, nil, err
	}

	pages := make([][]byte, hdr.NumBlocks)
	for i := range pages {
		page := make([]byte, pageSize)
		if _, err := io.ReadFull(r, page); err != nil {
			return Header{}, nil, perrors.New(perrors.KindIntegrity, "incrfile", fmt.Errorf("read payload page %d: %w", i, err))
		}
		pages[i] = page
	}
	return hdr, pages, nil
}
