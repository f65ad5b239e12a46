// Package reconstruct implements the C6 reconstructor: given a latest
// incremental file and an ordered ancestor chain, produce either a full or
// a shallower incremental output file (§4.6).
package reconstruct

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/edsrzf/mmap-go"

	"github.com/pgmoneta-go/pgmoneta/internal/perrors"
	"github.com/pgmoneta-go/pgmoneta/pkg/incrfile"
)

// PageSource is anything the reconstructor can read one page from by
// block number: an incremental file's sparse block list, or a full file's
// dense block range.
type PageSource interface {
	HasBlock(b uint32) bool
	ReadPage(b uint32) ([]byte, error)
}

// FullPageSource additionally supports the whole-file byte-for-byte copy
// optimization of §4.6 step 6.
type FullPageSource interface {
	PageSource
	Size() int64
	CopyAll(w io.Writer) error
}

// IncrementalSource exposes one already-parsed incremental file's payload
// for random-access reads by block number.
type IncrementalSource struct {
	header     incrfile.Header
	headerLen  int
	data       []byte
	pageSize   int
	blockIndex map[uint32]int
}

// NewIncrementalSource wraps a fully-read incremental file's bytes.
func NewIncrementalSource(data []byte, pageSize int) (*IncrementalSource, error) {
	hdr, headerLen, err := incrfile.ReadHeader(bytes.NewReader(data), pageSize)
	if err != nil {
		return nil, err
	}
	wantLen := headerLen + int(hdr.NumBlocks)*pageSize
	if len(data) != wantLen {
		return nil, perrors.Newf(perrors.KindIntegrity, "reconstruct", "incremental file length %d does not match header+payload %d", len(data), wantLen)
	}

	idx := make(map[uint32]int, hdr.NumBlocks)
	for i, b := range hdr.BlockNumbers {
		idx[b] = i
	}
	return &IncrementalSource{header: hdr, headerLen: headerLen, data: data, pageSize: pageSize, blockIndex: idx}, nil
}

// Header returns the parsed incremental file header (num_blocks,
// truncation_block_length, block list).
func (s *IncrementalSource) Header() incrfile.Header { return s.header }

func (s *IncrementalSource) HasBlock(b uint32) bool {
	_, ok := s.blockIndex[b]
	return ok
}

func (s *IncrementalSource) ReadPage(b uint32) ([]byte, error) {
	idx, ok := s.blockIndex[b]
	if !ok {
		return nil, perrors.Newf(perrors.KindIntegrity, "reconstruct", "block %d not present in incremental source", b)
	}
	off := s.headerLen + idx*s.pageSize
	return s.data[off : off+s.pageSize], nil
}

// FullSource exposes a dense, fully materialized relation file segment.
type FullSource struct {
	data     []byte
	pageSize int
}

// NewFullSource wraps a full file's bytes.
func NewFullSource(data []byte, pageSize int) *FullSource {
	return &FullSource{data: data, pageSize: pageSize}
}

func (s *FullSource) blockCount() uint32 { return uint32(len(s.data) / s.pageSize) }

func (s *FullSource) HasBlock(b uint32) bool { return b < s.blockCount() }

func (s *FullSource) ReadPage(b uint32) ([]byte, error) {
	if !s.HasBlock(b) {
		return nil, perrors.Newf(perrors.KindIntegrity, "reconstruct", "block %d beyond full source length", b)
	}
	off := int(b) * s.pageSize
	return s.data[off : off+s.pageSize], nil
}

func (s *FullSource) Size() int64 { return int64(len(s.data)) }

func (s *FullSource) CopyAll(w io.Writer) error {
	_, err := w.Write(s.data)
	return err
}

// mmapFile opens path and mmaps it read-only, for production callers that
// want to avoid reading large relation segments fully into the heap.
// Callers must call the returned io.Closer when done.
func mmapFile(path string) ([]byte, io.Closer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", path, err)
	}
	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("mmap %s: %w", path, err)
	}
	return []byte(m), &mmapCloser{m: m, f: f}, nil
}

type mmapCloser struct {
	m mmap.MMap
	f *os.File
}

func (c *mmapCloser) Close() error {
	uerr := c.m.Unmap()
	ferr := c.f.Close()
	if uerr != nil {
		return uerr
	}
	return ferr
}

// OpenIncrementalFile mmaps and parses an incremental file from disk.
func OpenIncrementalFile(path string, pageSize int) (*IncrementalSource, io.Closer, error) {
	data, closer, err := mmapFile(path)
	if err != nil {
		return nil, nil, err
	}
	src, err := NewIncrementalSource(data, pageSize)
	if err != nil {
		closer.Close()
		return nil, nil, err
	}
	return src, closer, nil
}

// OpenFullFile mmaps a full relation file segment from disk.
func OpenFullFile(path string, pageSize int) (*FullSource, io.Closer, error) {
	data, closer, err := mmapFile(path)
	if err != nil {
		return nil, nil, err
	}
	return NewFullSource(data, pageSize), closer, nil
}
