package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadFrameRoundTrips(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("hello")))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, make([]byte, 0)))
	// Corrupt the length prefix to claim an oversized frame.
	raw := buf.Bytes()
	raw[0] = 0xff
	raw[1] = 0xff
	raw[2] = 0xff
	raw[3] = 0xff

	_, err := ReadFrame(bytes.NewReader(raw))
	assert.Error(t, err)
}

func TestWriteReadMessageRoundTrips(t *testing.T) {
	var buf bytes.Buffer
	msg := RegisterClientMsg{Client: "c1"}
	require.NoError(t, WriteMessage(&buf, OpRegisterClient, msg))

	op, body, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, OpRegisterClient, op)

	var decoded RegisterClientMsg
	require.NoError(t, Decode(body, &decoded))
	assert.Equal(t, msg, decoded)
}

func TestWriteReadMessageRoundTripsComplexPayload(t *testing.T) {
	var buf bytes.Buffer
	msg := UpdateGraphMsg{
		Client: "c1",
		Tasks: []TaskSpecMsg{
			{Key: "a"},
			{Key: "b", KeyRefs: []string{"a"}},
		},
		Keys:         []string{"b"},
		Restrictions: map[string][]string{"b": {"w1"}},
	}
	require.NoError(t, WriteMessage(&buf, OpUpdateGraph, msg))

	op, body, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, OpUpdateGraph, op)

	var decoded UpdateGraphMsg
	require.NoError(t, Decode(body, &decoded))
	assert.Equal(t, msg, decoded)
}

func TestSplitApply(t *testing.T) {
	body, err := Encode(struct {
		Function []byte `codec:"function"`
		Args     []byte `codec:"args"`
		Kwargs   []byte `codec:"kwargs"`
	}{Function: []byte("f"), Args: []byte("a"), Kwargs: []byte("k")})
	require.NoError(t, err)

	f, a, k, err := SplitApply(body)
	require.NoError(t, err)
	assert.Equal(t, []byte("f"), f)
	assert.Equal(t, []byte("a"), a)
	assert.Equal(t, []byte("k"), k)
}
