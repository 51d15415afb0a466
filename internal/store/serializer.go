package store

import (
	"encoding/json"
	"fmt"
)

// Serializer converts payloads to bytes for checksum and size accounting.
// Stores never persist the bytes; the codec exists so validation can detect
// payload drift and so a persistence-capable build has a stable contract.
type Serializer[T any] interface {
	Serialize(value T) ([]byte, error)
	Deserialize(data []byte) (T, error)
}

// JSONSerializer is the default codec.
type JSONSerializer[T any] struct{}

// Serialize encodes the payload as JSON.
func (JSONSerializer[T]) Serialize(value T) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("store: serialize: %w", err)
	}
	return data, nil
}

// Deserialize decodes a JSON payload.
func (JSONSerializer[T]) Deserialize(data []byte) (T, error) {
	var value T
	if err := json.Unmarshal(data, &value); err != nil {
		return value, fmt.Errorf("store: deserialize: %w", err)
	}
	return value, nil
}
