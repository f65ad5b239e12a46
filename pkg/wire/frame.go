// Package wire implements the C1 wire codec: framing of the origin
// server's length-prefixed replication protocol messages, and the
// trust/cleartext/MD5/SCRAM-SHA-256 authentication sub-protocols layered on
// top of it.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pgmoneta-go/pgmoneta/internal/perrors"
)

// Message kinds used throughout the replication protocol (§4.1, §4.2).
const (
	KindAuthentication   = 'R'
	KindErrorResponse    = 'E'
	KindNoticeResponse   = 'N'
	KindRowDescription   = 'T'
	KindDataRow          = 'D'
	KindCommandComplete  = 'C'
	KindReadyForQuery    = 'Z'
	KindCopyData         = 'd'
	KindCopyDone         = 'c'
	KindCopyBothResponse = 'W'
	KindCopyOutResponse  = 'H'
	KindQuery            = 'Q'
	KindPasswordMessage  = 'p'
	KindTerminate        = 'X'
)

// maxFrameLength guards against a malformed/hostile length field causing an
// unbounded allocation; no single replication protocol message legitimately
// approaches 1GiB.
const maxFrameLength = 1 << 30

// Frame is one length-prefixed protocol message, kind byte included when
// present. Startup and SSLRequest messages have no kind byte (see
// ReadStartupFrame / WriteStartupFrame).
type Frame struct {
	Kind    byte
	Payload []byte
}

// ReadFrame reads one kind-prefixed frame: one byte kind, 4-byte big-endian
// length (length INCLUDES the 4 length bytes themselves, per §4.1), then
// length-4 bytes of payload.
func ReadFrame(r io.Reader) (Frame, error) {
	var header [5]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, perrors.New(perrors.KindProtocol, "wire", fmt.Errorf("read frame header: %w", err))
	}

	kind := header[0]
	length := binary.BigEndian.Uint32(header[1:5])
	if length < 4 || length > maxFrameLength {
		return Frame{}, perrors.Newf(perrors.KindProtocol, "wire", "malformed frame length %d for kind %q", length, kind)
	}

	payload := make([]byte, length-4)
	if len(payload) > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, perrors.New(perrors.KindProtocol, "wire", fmt.Errorf("read frame payload: %w", err))
		}
	}

	return Frame{Kind: kind, Payload: payload}, nil
}

// WriteFrame writes one kind-prefixed frame, retrying on short writes the
// way §4.1 requires ("partial I/O is resumed").
func WriteFrame(w io.Writer, kind byte, payload []byte) error {
	buf := make([]byte, 5+len(payload))
	buf[0] = kind
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(payload)+4))
	copy(buf[5:], payload)
	return writeAll(w, buf)
}

// ReadStartupFrame reads a kind-less length-prefixed frame: the 4-byte
// length (including itself) followed by payload. Used for StartupMessage
// and SSLRequest.
func ReadStartupFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, perrors.New(perrors.KindProtocol, "wire", fmt.Errorf("read startup length: %w", err))
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length < 4 || length > maxFrameLength {
		return nil, perrors.Newf(perrors.KindProtocol, "wire", "malformed startup frame length %d", length)
	}
	payload := make([]byte, length-4)
	if len(payload) > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, perrors.New(perrors.KindProtocol, "wire", fmt.Errorf("read startup payload: %w", err))
		}
	}
	return payload, nil
}

// WriteStartupFrame writes a kind-less length-prefixed frame.
func WriteStartupFrame(w io.Writer, payload []byte) error {
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(payload)+4))
	copy(buf[4:], payload)
	return writeAll(w, buf)
}

func writeAll(w io.Writer, buf []byte) error {
	for len(buf) > 0 {
		n, err := w.Write(buf)
		if err != nil {
			return perrors.New(perrors.KindNetwork, "wire", err)
		}
		buf = buf[n:]
	}
	return nil
}

// ErrorFields extracts the severity (S) and sqlstate (C) fields from an
// ErrorResponse payload (§4.2: "on ErrorResponse ('E'), surfaces fields S
// ... and C"). Each field in the payload is a one-byte type code followed
// by a NUL-terminated string; the list ends with a single NUL byte.
func ErrorFields(payload []byte) map[byte]string {
	fields := make(map[byte]string)
	i := 0
	for i < len(payload) {
		code := payload[i]
		if code == 0 {
			break
		}
		i++
		start := i
		for i < len(payload) && payload[i] != 0 {
			i++
		}
		fields[code] = string(payload[start:i])
		i++ // skip NUL
	}
	return fields
}
