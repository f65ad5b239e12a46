package rpc

import (
	"net"

	"github.com/pgmoneta-go/pgmoneta/internal/perrors"
)

// Call dials addr (a "unix" or "tcp" address, network given explicitly
// since the CLI may target either the local socket or the remote admin
// channel) and performs one request/response round trip.
func Call(network, addr string, req *Request) (*Response, error) {
	conn, err := net.Dial(network, addr)
	if err != nil {
		return nil, perrors.New(perrors.KindNetwork, "rpc", err)
	}
	defer conn.Close()

	if err := WriteMessage(conn, req); err != nil {
		return nil, err
	}

	var resp Response
	if err := ReadMessage(conn, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
