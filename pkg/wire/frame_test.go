package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, KindDataRow, []byte("payload")))

	frame, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, byte(KindDataRow), frame.Kind)
	assert.Equal(t, []byte("payload"), frame.Payload)
}

func TestFrameRoundTripEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, KindCopyDone, nil))

	frame, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, byte(KindCopyDone), frame.Kind)
	assert.Empty(t, frame.Payload)
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(KindQuery)
	buf.Write([]byte{0x7f, 0xff, 0xff, 0xff})

	_, err := ReadFrame(&buf)
	assert.Error(t, err)
}

func TestStartupFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("user\x00replication\x00")
	require.NoError(t, WriteStartupFrame(&buf, payload))

	got, err := ReadStartupFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestErrorFields(t *testing.T) {
	payload := []byte("SFATAL\x00C57P03\x00Mthe database system is starting up\x00\x00")
	fields := ErrorFields(payload)
	assert.Equal(t, "FATAL", fields['S'])
	assert.Equal(t, "57P03", fields['C'])
	assert.Equal(t, "the database system is starting up", fields['M'])
}
