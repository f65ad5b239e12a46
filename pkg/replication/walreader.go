package replication

import (
	"fmt"

	"github.com/pgmoneta-go/pgmoneta/internal/perrors"
	"github.com/pgmoneta-go/pgmoneta/pkg/wire"
)

// ReadRawFrame reads the next protocol frame off the session, honoring
// cancellation at the message boundary (§4.2).
func (s *Session) ReadRawFrame() (wire.Frame, error) {
	if s.cancelled_() {
		return wire.Frame{}, perrors.New(perrors.KindNetwork, "replication", fmt.Errorf("session cancelled"))
	}
	return wire.ReadFrame(s.conn)
}

// ReadResultSetAfterCopyDone reads the row set the server sends following
// a replication stream's CopyDone — used by the WAL streamer to learn the
// next timeline's id and start LSN on a timeline switch (§4.8 step 5).
func (s *Session) ReadResultSetAfterCopyDone() ([][]string, error) {
	var rows [][]string
	for {
		frame, err := wire.ReadFrame(s.conn)
		if err != nil {
			return nil, err
		}
		switch frame.Kind {
		case wire.KindDataRow:
			rows = append(rows, parseDataRow(frame.Payload))
		case wire.KindRowDescription, wire.KindCommandComplete, wire.KindNoticeResponse:
			continue
		case wire.KindReadyForQuery:
			return rows, nil
		case wire.KindErrorResponse:
			fields := wire.ErrorFields(frame.Payload)
			return nil, perrors.Newf(perrors.KindProtocol, "replication", "severity=%s sqlstate=%s", fields['S'], fields['C'])
		default:
			continue
		}
	}
}
