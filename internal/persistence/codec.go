package persistence

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"
)

// EncodeValue serializes v with encoding/gob. It is used for opaque cache
// payloads whose Go type is known on both ends.
func EncodeValue(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeValue deserializes a gob payload produced by EncodeValue. An empty
// payload decodes to the zero value.
func DecodeValue[T any](data []byte) (T, error) {
	var v T
	if len(data) == 0 {
		return v, nil
	}
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&v); err != nil {
		return v, fmt.Errorf("gob: decode %T: %w", v, err)
	}
	return v, nil
}

// encodeJSON marshals v for a JSON column; nil maps and slices become NULL.
func encodeJSON(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if bytes.Equal(data, []byte("null")) {
		return nil, nil
	}
	return data, nil
}

// decodeJSON unmarshals a JSON column, leaving v untouched for NULL.
func decodeJSON(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// rawJSON copies a JSON column into a RawMessage, nil for NULL.
func rawJSON(data []byte) json.RawMessage {
	if len(data) == 0 {
		return nil
	}
	return append(json.RawMessage(nil), data...)
}
