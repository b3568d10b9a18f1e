package dogpile

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

// pipeByte separates the JSON metadata prefix from the serialized payload on
// the wire. JSON never emits a bare '|' at the top level of an object, so the
// first occurrence in the stream unambiguously ends the metadata segment.
const pipeByte = '|'

// Serializer turns a payload into bytes for a byte-oriented Backend.
type Serializer func(payload any) ([]byte, error)

// Deserializer turns bytes back into a payload. It must return a
// *CantDeserializeError (or an error satisfying IsCantDeserialize) when the
// bytes were written by an incompatible prior schema -- the region recovers
// that condition as NoValue rather than surfacing it.
type Deserializer func(data []byte) (any, error)

// wireMetadata is the JSON-serializable view of Metadata's ct/v fields only;
// it has no Extra field. encodeEnvelope builds the metadata object as a map
// instead, so opaque Extra keys sit beside ct/v and round-trip.
type wireMetadata struct {
	CreatedAt float64 `json:"ct"`
	Version   int     `json:"v"`
}

// encodeEnvelope produces <ascii-json metadata> 0x7C <serialized payload>.
func encodeEnvelope(e *Envelope, serialize Serializer) ([]byte, error) {
	payloadBytes, err := serialize(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("dogpile: serialize payload: %w", err)
	}

	meta := make(map[string]any, len(e.Metadata.Extra)+2)
	for k, v := range e.Metadata.Extra {
		meta[k] = v
	}
	meta["ct"] = e.Metadata.CreatedAt
	meta["v"] = e.Metadata.Version

	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("dogpile: encode metadata: %w", err)
	}

	out := make([]byte, 0, len(metaBytes)+1+len(payloadBytes))
	out = append(out, metaBytes...)
	out = append(out, pipeByte)
	out = append(out, payloadBytes...)
	return out, nil
}

// decodeEnvelope splits bytes at the first pipe, JSON-decodes the metadata
// prefix, and deserializes the remainder as the payload. An envelope whose
// metadata version is not schemaVersion is returned as NoValue without its
// payload being deserialized. A Deserializer signaling IsCantDeserialize is
// recovered to NoValue here; any other error propagates to the caller.
func decodeEnvelope(data []byte, deserialize Deserializer) (CachedValue, error) {
	idx := bytes.IndexByte(data, pipeByte)
	if idx < 0 {
		return nil, fmt.Errorf("dogpile: malformed envelope: no metadata separator found")
	}

	var meta map[string]any
	if err := json.Unmarshal(data[:idx], &meta); err != nil {
		return nil, fmt.Errorf("dogpile: decode metadata: %w", err)
	}

	if v, ok := meta["v"].(float64); !ok || int(v) != schemaVersion {
		return NoValue, nil
	}

	payload, err := deserialize(data[idx+1:])
	if err != nil {
		if IsCantDeserialize(err) {
			return NoValue, nil
		}
		return nil, fmt.Errorf("dogpile: deserialize payload: %w", err)
	}

	m := Metadata{Extra: map[string]any{}}
	for k, v := range meta {
		switch k {
		case "ct":
			if f, ok := v.(float64); ok {
				m.CreatedAt = f
			}
		case "v":
			if f, ok := v.(float64); ok {
				m.Version = int(f)
			}
		default:
			m.Extra[k] = v
		}
	}

	return &Envelope{Payload: payload, Metadata: m}, nil
}

// MsgpackSerializer is the default byte-oriented Serializer, grounded on the
// teacher's marshal() helper. A nil payload is written as zero bytes, which
// MsgpackDeserializer reads back as nil; every other payload, strings and
// []byte included, is msgpack-encoded so that its type survives the round
// trip through MsgpackDeserializer's untyped decode.
func MsgpackSerializer(payload any) ([]byte, error) {
	if payload == nil {
		return nil, nil
	}
	return msgpack.Marshal(payload)
}

// MsgpackDeserializer is the default byte-oriented Deserializer pairing with
// MsgpackSerializer, grounded on the teacher's unmarshal() helper.
func MsgpackDeserializer(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var v any
	if err := msgpack.Unmarshal(data, &v); err != nil {
		return nil, &CantDeserializeError{Cause: err}
	}
	return v, nil
}

// CompressingSerializer wraps an inner Serializer, zstd-compressing its
// output. It composes with the pipe-delimited wire format exactly like any
// other Serializer: the metadata prefix stays plaintext JSON, only the
// payload segment is compressed.
func CompressingSerializer(inner Serializer) Serializer {
	return func(payload any) ([]byte, error) {
		raw, err := inner(payload)
		if err != nil {
			return nil, err
		}
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("dogpile: new zstd writer: %w", err)
		}
		defer enc.Close()
		return enc.EncodeAll(raw, nil), nil
	}
}

// CompressingDeserializer pairs with CompressingSerializer: it zstd-decodes
// before handing the bytes to inner. A corrupt/foreign frame (e.g. an
// envelope written before compression was enabled) is reported as
// CantDeserializeError so the region self-heals it via regeneration instead
// of failing the call.
func CompressingDeserializer(inner Deserializer) Deserializer {
	return func(data []byte) (any, error) {
		if len(data) == 0 {
			return inner(data)
		}
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("dogpile: new zstd reader: %w", err)
		}
		defer dec.Close()
		raw, err := dec.DecodeAll(data, nil)
		if err != nil {
			return nil, &CantDeserializeError{Cause: err}
		}
		return inner(raw)
	}
}
