package wire

import (
	"bytes"
	"io"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/chatmesh/internal/domain"
)

func assertSameEnvelope(t *testing.T, want, got domain.Envelope) {
	t.Helper()
	assert.Equal(t, want.Kind, got.Kind)
	assert.Equal(t, want.Sender, got.Sender)
	assert.Equal(t, want.Origin, got.Origin)
	assert.Equal(t, want.Payload, got.Payload)
	assert.True(t, want.SentAt.Equal(got.SentAt), "sent at %v != %v", want.SentAt, got.SentAt)
}

func TestJSONCodecRoundTrip(t *testing.T) {
	c := JSONCodec{}
	envs := []domain.Envelope{
		{
			Kind:    domain.KindClientToChatroom,
			Sender:  "S1",
			SentAt:  time.Date(2024, 5, 1, 10, 30, 15, 123456789, time.UTC),
			Origin:  "127.0.0.1:8080",
			Payload: "S1R0 S1C0",
		},
		{Kind: domain.KindExitRoom, Sender: "S1C3"},
		domain.NewEnvelope(domain.KindChatMessage, "S2C0", "[::1]:9000", "héllo \"quoted\"\nline"),
	}
	for _, env := range envs {
		b, err := c.Encode(env)
		require.NoError(t, err)
		got, err := c.Decode(b)
		require.NoError(t, err)
		assertSameEnvelope(t, env, got)
	}
}

func TestJSONCodecWireShape(t *testing.T) {
	b, err := JSONCodec{}.Encode(domain.Envelope{Kind: domain.KindServerOn, Sender: "S1", Origin: "10.0.0.1:8080"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"sender":"S1","title":"server_on","IP":"10.0.0.1:8080","content":null,"time":""}`, string(b))
}

func TestJSONCodecDecodeLenient(t *testing.T) {
	env, err := JSONCodec{}.Decode([]byte(`{"sender":"proxy","title":"are_you_online","IP":"x","content":null,"time":"2024-05-01 10:30"}`))
	require.NoError(t, err)
	assert.Equal(t, domain.KindAreYouOnline, env.Kind)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC), env.SentAt)

	env, err = JSONCodec{}.Decode([]byte(`{"title":"chat_message","content":"hi","time":"yesterday"}`))
	require.NoError(t, err)
	assert.True(t, env.SentAt.IsZero())
	assert.Equal(t, "hi", env.Payload)
}

func TestJSONCodecDecodeErrors(t *testing.T) {
	for _, raw := range []string{`not json`, `{"sender":"x"}`, `[1,2]`} {
		_, err := JSONCodec{}.Decode([]byte(raw))
		assert.ErrorIs(t, err, domain.ErrProtocol, raw)
	}
}

func TestFrameSurvivesSegmentation(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("first")))
	require.NoError(t, WriteFrame(&buf, []byte("second frame")))

	r := iotest.OneByteReader(&buf)
	got, err := ReadFrame(r, 0)
	require.NoError(t, err)
	assert.Equal(t, "first", string(got))
	got, err = ReadFrame(r, 0)
	require.NoError(t, err)
	assert.Equal(t, "second frame", string(got))

	_, err = ReadFrame(r, 0)
	assert.ErrorIs(t, err, io.EOF)
}

func TestFrameLimits(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, bytes.Repeat([]byte("x"), 64)))
	_, err := ReadFrame(&buf, 16)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
	assert.ErrorIs(t, err, domain.ErrProtocol)

	buf.Reset()
	require.NoError(t, WriteFrame(&buf, nil))
	_, err = ReadFrame(&buf, 0)
	assert.ErrorIs(t, err, domain.ErrProtocol)

	buf.Reset()
	require.NoError(t, WriteFrame(&buf, []byte("truncated")))
	_, err = ReadFrame(bytes.NewReader(buf.Bytes()[:7]), 0)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
