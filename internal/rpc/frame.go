package rpc

import (
	"encoding/binary"
	"fmt"
	"io"

	json "github.com/goccy/go-json"

	"github.com/pgmoneta-go/pgmoneta/internal/perrors"
)

// maxMessageSize bounds a single RPC message so a malformed length prefix
// can never trigger an unbounded allocation.
const maxMessageSize = 64 * 1024 * 1024

// WriteMessage frames v as a 4-byte big-endian length followed by its JSON
// encoding.
func WriteMessage(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return perrors.New(perrors.KindProtocol, "rpc", fmt.Errorf("marshal: %w", err))
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return perrors.New(perrors.KindNetwork, "rpc", err)
	}
	if _, err := w.Write(data); err != nil {
		return perrors.New(perrors.KindNetwork, "rpc", err)
	}
	return nil
}

// ReadMessage reads one length-prefixed JSON message into v.
func ReadMessage(r io.Reader, v any) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return perrors.New(perrors.KindNetwork, "rpc", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxMessageSize {
		return perrors.New(perrors.KindProtocol, "rpc", fmt.Errorf("message too large: %d bytes", n))
	}

	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return perrors.New(perrors.KindNetwork, "rpc", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return perrors.New(perrors.KindProtocol, "rpc", fmt.Errorf("unmarshal: %w", err))
	}
	return nil
}
