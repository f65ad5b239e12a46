// Package codec implements the §4.7/§6 compression codec adapters that the
// archive receiver (C7) and WAL streamer (C8) call when the origin server
// (or local configuration) asks for compressed output. The spec treats the
// per-archive compression codecs themselves as external collaborators; this
// package defines the narrow interface the core consumes and wraps the
// concrete third-party implementations behind it.
package codec

import (
	"compress/bzip2"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Kind names a compression algorithm, matching the WAL segment file suffix
// vocabulary in §6 (.gz|.zstd|.lz4|.bz2).
type Kind int

const (
	None Kind = iota
	Gzip
	Zstd
	LZ4
	Bzip2
)

func (k Kind) String() string {
	switch k {
	case Gzip:
		return "gz"
	case Zstd:
		return "zstd"
	case LZ4:
		return "lz4"
	case Bzip2:
		return "bz2"
	default:
		return ""
	}
}

// ParseKind maps a config/RPC string ("none", "gz", "zstd", "lz4", "bz2") to
// a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "", "none":
		return None, nil
	case "gz", "gzip":
		return Gzip, nil
	case "zstd":
		return Zstd, nil
	case "lz4":
		return LZ4, nil
	case "bz2", "bzip2":
		return Bzip2, nil
	default:
		return None, fmt.Errorf("unknown compression kind %q", s)
	}
}

// Compressor produces/consumes one compression algorithm's stream framing.
type Compressor interface {
	Kind() Kind
	NewWriter(w io.Writer) (io.WriteCloser, error)
	NewReader(r io.Reader) (io.ReadCloser, error)
}

// For compresses a new archive member or WAL segment by kind.
func For(k Kind) (Compressor, error) {
	switch k {
	case None:
		return noneCodec{}, nil
	case Gzip:
		return gzipCodec{}, nil
	case Zstd:
		return zstdCodec{}, nil
	case LZ4:
		return lz4Codec{}, nil
	case Bzip2:
		return bzip2Codec{}, nil
	default:
		return nil, fmt.Errorf("unsupported compression kind %d", k)
	}
}

type noneCodec struct{}

func (noneCodec) Kind() Kind { return None }
func (noneCodec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return nopWriteCloser{w}, nil
}
func (noneCodec) NewReader(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(r), nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// gzipCodec wraps the standard library's gzip implementation. No
// third-party gzip encoder in the example corpus improves on it (gzip's
// container format is small and stable); see DESIGN.md for the stdlib
// justification this entry requires.
type gzipCodec struct{}

func (gzipCodec) Kind() Kind { return Gzip }
func (gzipCodec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return gzip.NewWriterLevel(w, gzip.BestSpeed)
}
func (gzipCodec) NewReader(r io.Reader) (io.ReadCloser, error) {
	return gzip.NewReader(r)
}

type zstdCodec struct{}

func (zstdCodec) Kind() Kind { return Zstd }
func (zstdCodec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
}
func (zstdCodec) NewReader(r io.Reader) (io.ReadCloser, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	return zr.IOReadCloser(), nil
}

type lz4Codec struct{}

func (lz4Codec) Kind() Kind { return LZ4 }
func (lz4Codec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return lz4.NewWriter(w), nil
}
func (lz4Codec) NewReader(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(lz4.NewReader(r)), nil
}

// bzip2Codec is read-only: neither the standard library nor any package in
// the example corpus ships a bzip2 encoder. Archives are never newly
// written as bzip2 (matches upstream pgmoneta's own posture, where bzip2 is
// a legacy read path); see DESIGN.md.
type bzip2Codec struct{}

func (bzip2Codec) Kind() Kind { return Bzip2 }
func (bzip2Codec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return nil, fmt.Errorf("bzip2: encoding not supported, only legacy archives may be read")
}
func (bzip2Codec) NewReader(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(bzip2.NewReader(r)), nil
}

// FileTypeBit is a bitmask flag as described in §8 testable property 8.
type FileTypeBit uint32

const (
	BitTar FileTypeBit = 1 << iota
	BitGzip
	BitZstd
	BitLZ4
	BitBzip2
	BitCompressed
	BitEncrypted
)

// GetFileType inspects a compound filename such as "base.tar.zstd.aes" and
// returns the set bits, matching §8 property 8 exactly: TAR | ZSTD |
// COMPRESSED | ENCRYPTED and no other base type flag.
func GetFileType(name string) FileTypeBit {
	var bits FileTypeBit
	suffixes := splitSuffixes(name)
	for _, s := range suffixes {
		switch s {
		case "tar":
			bits |= BitTar
		case "gz", "gzip":
			bits |= BitGzip | BitCompressed
		case "zstd":
			bits |= BitZstd | BitCompressed
		case "lz4":
			bits |= BitLZ4 | BitCompressed
		case "bz2", "bzip2":
			bits |= BitBzip2 | BitCompressed
		case "aes":
			bits |= BitEncrypted
		}
	}
	return bits
}

func splitSuffixes(name string) []string {
	var parts []string
	cur := name
	for {
		idx := lastDot(cur)
		if idx < 0 {
			break
		}
		parts = append([]string{cur[idx+1:]}, parts...)
		cur = cur[:idx]
	}
	return parts
}

func lastDot(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '.' {
			return i
		}
	}
	return -1
}
