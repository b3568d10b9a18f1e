package dogpile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelopeStampsSchemaVersion(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	env := newEnvelope("payload", now)

	require.Equal(t, "payload", env.Payload)
	assert.Equal(t, schemaVersion, env.Metadata.Version)
	assert.True(t, env.versionMatches())
	assert.WithinDuration(t, now, env.createdAtTime(), time.Millisecond)
}

func TestEnvelopeVersionMismatch(t *testing.T) {
	env := newEnvelope(1, time.Now())
	env.Metadata.Version = schemaVersion - 1
	assert.False(t, env.versionMatches())
}

func TestNoValueIsDistinctCachedValue(t *testing.T) {
	var cv CachedValue = NoValue
	_, isEnvelope := cv.(*Envelope)
	assert.False(t, isEnvelope)

	cv = &Envelope{Payload: nil}
	_, isNoValue := cv.(noValueType)
	assert.False(t, isNoValue)
}
