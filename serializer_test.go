package dogpile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeEnvelopeRoundTrip(t *testing.T) {
	env := newEnvelope(map[string]any{"a": int64(1)}, time.Now())
	env.Metadata.Extra = map[string]any{"region": "us-east"}

	data, err := encodeEnvelope(env, MsgpackSerializer)
	require.NoError(t, err)

	cv, err := decodeEnvelope(data, MsgpackDeserializer)
	require.NoError(t, err)

	got, ok := cv.(*Envelope)
	require.True(t, ok)
	assert.Equal(t, env.Metadata.Version, got.Metadata.Version)
	assert.InDelta(t, env.Metadata.CreatedAt, got.Metadata.CreatedAt, 0.0001)
	assert.Equal(t, "us-east", got.Metadata.Extra["region"])
}

func TestMsgpackSerializerEncoding(t *testing.T) {
	data, err := MsgpackSerializer([]byte("raw"))
	require.NoError(t, err)
	assert.Equal(t, []byte{0xc4, 0x03, 'r', 'a', 'w'}, data) // msgpack bin8

	data, err = MsgpackSerializer("str")
	require.NoError(t, err)
	assert.Equal(t, []byte{0xa3, 's', 't', 'r'}, data) // msgpack fixstr

	data, err = MsgpackSerializer(nil)
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestCompressingSerializerRoundTrip(t *testing.T) {
	ser := CompressingSerializer(MsgpackSerializer)
	deser := CompressingDeserializer(MsgpackDeserializer)

	env := newEnvelope("a reasonably compressible payload, repeated, repeated, repeated", time.Now())
	data, err := encodeEnvelope(env, ser)
	require.NoError(t, err)

	cv, err := decodeEnvelope(data, deser)
	require.NoError(t, err)
	got, ok := cv.(*Envelope)
	require.True(t, ok)
	assert.Equal(t, env.Payload, got.Payload)
}

func TestDecodeEnvelopeRecoversCantDeserialize(t *testing.T) {
	env := newEnvelope("x", time.Now())
	data, err := encodeEnvelope(env, MsgpackSerializer)
	require.NoError(t, err)

	failingDeserializer := func(data []byte) (any, error) {
		return nil, &CantDeserializeError{Cause: assertError("schema evolved")}
	}

	cv, err := decodeEnvelope(data, failingDeserializer)
	require.NoError(t, err)
	assert.Equal(t, NoValue, cv)
}

type assertError string

func (e assertError) Error() string { return string(e) }
