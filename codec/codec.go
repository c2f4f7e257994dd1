package codec

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"

	"github.com/hubrelay/hubrelay-go/contracts"
)

// DefaultCompressionThreshold is the serialized size above which the codec
// attempts payload compression.
const DefaultCompressionThreshold = 1024

// Codec serializes envelopes into self-describing wire blobs and back.
// Compression is best-effort: it is applied only when it actually shrinks
// the payload, and a decode always yields a usable envelope.
type Codec struct {
	compressionEnabled   bool
	compressionThreshold int
}

// Option configures the codec.
type Option func(*Codec)

// WithCompression toggles payload compression.
func WithCompression(enabled bool) Option {
	return func(c *Codec) {
		c.compressionEnabled = enabled
	}
}

// WithCompressionThreshold sets the serialized size above which compression
// is attempted.
func WithCompressionThreshold(threshold int) Option {
	return func(c *Codec) {
		c.compressionThreshold = threshold
	}
}

// New creates a codec with compression enabled at the default threshold.
func New(options ...Option) *Codec {
	c := &Codec{
		compressionEnabled:   true,
		compressionThreshold: DefaultCompressionThreshold,
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Encode serializes the envelope. If the serialized form exceeds the
// compression threshold and gzip shrinks the payload, the payload is
// compressed and contentEncoding is set accordingly. The input envelope is
// never mutated.
func (c *Codec) Encode(env *contracts.Envelope) ([]byte, error) {
	if env == nil {
		return nil, fmt.Errorf("codec: envelope cannot be nil")
	}

	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("codec: failed to serialize envelope: %w", err)
	}

	if !c.compressionEnabled || len(body) < c.compressionThreshold || env.ContentEncoding != "" {
		return body, nil
	}

	compressed, err := gzipBytes(env.Payload)
	if err != nil || len(compressed) >= len(env.Payload) {
		// Compression unavailable or not worth it.
		return body, nil
	}

	wire := *env
	wire.ContentEncoding = contracts.ContentEncodingGzip
	// encoding/json represents []byte as base64, which keeps the blob valid JSON.
	encoded, err := json.Marshal(compressed)
	if err != nil {
		return body, nil
	}
	wire.Payload = encoded

	compressedBody, err := json.Marshal(&wire)
	if err != nil {
		return body, nil
	}

	return compressedBody, nil
}

// Decode parses a wire blob back into an envelope, reversing compression.
// On failure it returns a fallback envelope wrapping the raw bytes together
// with the decode error, so callers can log the failure but still deliver.
func (c *Codec) Decode(raw []byte) (*contracts.Envelope, error) {
	var env contracts.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return contracts.FallbackEnvelope(raw), fmt.Errorf("codec: failed to parse envelope: %w", err)
	}
	if env.ID == "" {
		return contracts.FallbackEnvelope(raw), fmt.Errorf("codec: blob is not an envelope")
	}

	if env.ContentEncoding == contracts.ContentEncodingGzip {
		var compressed []byte
		if err := json.Unmarshal(env.Payload, &compressed); err != nil {
			return contracts.FallbackEnvelope(raw), fmt.Errorf("codec: failed to read compressed payload: %w", err)
		}
		payload, err := gunzipBytes(compressed)
		if err != nil {
			return contracts.FallbackEnvelope(raw), fmt.Errorf("codec: failed to decompress payload: %w", err)
		}
		env.Payload = payload
		env.ContentEncoding = ""
	}

	return &env, nil
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzipBytes(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
