package streambuf

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frame(kind byte, body []byte) []byte {
	out := make([]byte, 1+4+len(body))
	out[0] = kind
	binary.BigEndian.PutUint32(out[1:5], uint32(len(body)+4))
	copy(out[5:], body)
	return out
}

func TestDispatcherConsumesRecognizedFrame(t *testing.T) {
	buf := NewBuffer(64)
	src := bytes.NewReader(frame('Z', []byte("I")))
	_, err := buf.Fill(src)
	require.NoError(t, err)

	d := NewDispatcher(buf, map[byte]bool{'Z': true}, nil)
	got, ok, err := d.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, byte('Z'), got.Kind)
	assert.Equal(t, []byte("I"), got.Payload)
}

func TestDispatcherSkipsUnrecognizedKind(t *testing.T) {
	buf := NewBuffer(64)
	var src bytes.Buffer
	src.Write(frame('N', []byte("ignored")))
	src.Write(frame('Z', []byte("I")))
	_, err := buf.Fill(&src)
	require.NoError(t, err)

	d := NewDispatcher(buf, map[byte]bool{'Z': true}, nil)
	got, ok, err := d.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, byte('Z'), got.Kind)
}

func TestDispatcherRetainsFiveByteHeaderForDataRow(t *testing.T) {
	buf := NewBuffer(64)
	src := bytes.NewReader(frame(kindDataRow, []byte("row-body")))
	_, err := buf.Fill(src)
	require.NoError(t, err)

	d := NewDispatcher(buf, nil, nil)
	got, ok, err := d.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 5+len("row-body"), len(got.Payload))
}

func TestDispatcherNeedsMoreDataReturnsNotOK(t *testing.T) {
	buf := NewBuffer(64)
	full := frame('Z', []byte("I"))
	src := bytes.NewReader(full[:3])
	_, err := buf.Fill(src)
	require.NoError(t, err)

	d := NewDispatcher(buf, nil, nil)
	_, ok, err := d.Next()
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestConsumeInvariant is property 7: after any sequence of
// ConsumeStart/ConsumeEnd calls, start == cursor and end <= size.
func TestConsumeInvariant(t *testing.T) {
	buf := NewBuffer(64)
	var src bytes.Buffer
	for i := 0; i < 5; i++ {
		src.Write(frame('Z', []byte{byte(i)}))
	}
	_, err := buf.Fill(&src)
	require.NoError(t, err)

	d := NewDispatcher(buf, nil, nil)
	for {
		buf.ConsumeStart()
		_, ok, err := d.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		buf.ConsumeEnd()
		assert.Equal(t, buf.Start(), buf.Cursor())
		assert.LessOrEqual(t, buf.End(), buf.Size())
	}
}

func TestBufferGrowsToMaintainHeadroom(t *testing.T) {
	buf := NewBuffer(16)
	data := bytes.NewReader(make([]byte, 4000))
	_, err := buf.Fill(data)
	require.NoError(t, err)
	// The first Fill used up all minHeadroom bytes, so the second must grow.
	_, err = buf.Fill(data)
	require.NoError(t, err)
	assert.Greater(t, buf.Size(), minHeadroom)
}
