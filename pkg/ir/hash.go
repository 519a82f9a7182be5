package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Marshal encodes spec. Struct field order is fixed and map keys are
// sorted, so identical documents always encode to identical bytes.
func Marshal(spec *SlideSpec) ([]byte, error) {
	data, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("slidespec: encode: %w", err)
	}
	return data, nil
}

// Hash returns the hex sha256 of the canonical encoding of spec.
func Hash(spec *SlideSpec) (string, error) {
	data, err := Marshal(spec)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Clone returns a deep copy of spec.
func Clone(spec *SlideSpec) (*SlideSpec, error) {
	data, err := Marshal(spec)
	if err != nil {
		return nil, err
	}
	var out SlideSpec
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("slidespec: clone: %w", err)
	}
	return &out, nil
}
