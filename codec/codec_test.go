package codec

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubrelay/hubrelay-go/contracts"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	c := New()

	env := contracts.NewEnvelope([]byte(`{"order":"123"}`),
		contracts.WithCorrelationID("corr-1"),
		contracts.WithPriority(contracts.PriorityHigh),
		contracts.WithTTL(time.Minute),
		contracts.WithEnvelopeHeaders(map[string]string{"region": "eu"}),
	)

	raw, err := c.Encode(env)
	require.NoError(t, err)
	assert.True(t, json.Valid(raw))

	decoded, err := c.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, env.ID, decoded.ID)
	assert.Equal(t, "corr-1", decoded.CorrelationID)
	assert.Equal(t, contracts.PriorityHigh, decoded.Priority)
	assert.Equal(t, time.Minute, decoded.TTL)
	assert.Equal(t, "eu", decoded.Headers["region"])
	assert.JSONEq(t, `{"order":"123"}`, string(decoded.Payload))
}

func TestEncodeCompression(t *testing.T) {
	t.Run("compresses large repetitive payloads", func(t *testing.T) {
		c := New()

		payload, err := json.Marshal(strings.Repeat("hubrelay ", 500))
		require.NoError(t, err)
		env := contracts.NewEnvelope(payload)

		raw, err := c.Encode(env)
		require.NoError(t, err)
		assert.Less(t, len(raw), len(payload))
		assert.Contains(t, string(raw), contracts.ContentEncodingGzip)

		decoded, decErr := c.Decode(raw)
		require.NoError(t, decErr)
		assert.Empty(t, decoded.ContentEncoding)
		assert.Equal(t, payload, []byte(decoded.Payload))
	})

	t.Run("skips payloads below the threshold", func(t *testing.T) {
		c := New()
		env := contracts.NewEnvelope([]byte(`{"small":true}`))

		raw, err := c.Encode(env)
		require.NoError(t, err)
		assert.NotContains(t, string(raw), contracts.ContentEncodingGzip)
	})

	t.Run("skips when compression does not shrink", func(t *testing.T) {
		c := New(WithCompressionThreshold(16))

		// Short high-entropy payloads grow under gzip.
		env := contracts.NewEnvelope([]byte(`"sRq81mX0dPzT4KwY7jNbV2cF9gHhL5aQ"`))
		raw, err := c.Encode(env)
		require.NoError(t, err)
		assert.NotContains(t, string(raw), contracts.ContentEncodingGzip)

		decoded, decErr := c.Decode(raw)
		require.NoError(t, decErr)
		assert.Equal(t, env.Payload, decoded.Payload)
	})

	t.Run("disabled compression leaves payload alone", func(t *testing.T) {
		c := New(WithCompression(false))

		payload, err := json.Marshal(strings.Repeat("hubrelay ", 500))
		require.NoError(t, err)
		env := contracts.NewEnvelope(payload)

		raw, encErr := c.Encode(env)
		require.NoError(t, encErr)
		assert.NotContains(t, string(raw), contracts.ContentEncodingGzip)
	})
}

func TestEncodeNeverMutatesInput(t *testing.T) {
	c := New()

	payload, err := json.Marshal(strings.Repeat("hubrelay ", 500))
	require.NoError(t, err)
	env := contracts.NewEnvelope(payload)

	_, err = c.Encode(env)
	require.NoError(t, err)

	assert.Equal(t, "", env.ContentEncoding)
	assert.Equal(t, payload, []byte(env.Payload))
}

func TestEncodeNilEnvelope(t *testing.T) {
	_, err := New().Encode(nil)
	assert.Error(t, err)
}

func TestDecodeFallback(t *testing.T) {
	t.Run("non-JSON blob yields fallback envelope", func(t *testing.T) {
		c := New()
		raw := []byte("definitely not json")

		env, err := c.Decode(raw)
		assert.Error(t, err)
		require.NotNil(t, env)
		assert.NotEmpty(t, env.ID)
		assert.Equal(t, raw, []byte(env.Payload))
	})

	t.Run("JSON without an envelope id yields fallback", func(t *testing.T) {
		c := New()
		raw := []byte(`{"someField": 42}`)

		env, err := c.Decode(raw)
		assert.Error(t, err)
		require.NotNil(t, env)
		assert.NotEmpty(t, env.ID)
	})

	t.Run("corrupt compressed payload yields fallback", func(t *testing.T) {
		c := New()
		raw := []byte(`{"id":"msg-1","contentEncoding":"gzip","payload":"bm90IGd6aXA=","timestamp":"2026-01-02T03:04:05Z"}`)

		env, err := c.Decode(raw)
		assert.Error(t, err)
		require.NotNil(t, env)
	})
}
