package grid

import (
	"context"
	"encoding/json"
	"fmt"
)

// JSONMap wraps a Map and stores values of T as JSON documents.
type JSONMap[T any] struct {
	m Map
}

// NewJSONMap wraps m.
func NewJSONMap[T any](m Map) *JSONMap[T] {
	return &JSONMap[T]{m: m}
}

// Raw exposes the underlying map.
func (j *JSONMap[T]) Raw() Map {
	return j.m
}

// Get decodes the value stored under key.
func (j *JSONMap[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var out T
	raw, ok, err := j.m.Get(ctx, key)
	if err != nil || !ok {
		return out, ok, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, false, fmt.Errorf("decode %s[%s]: %w", j.m.Name(), key, err)
	}
	return out, true, nil
}

// Put encodes and stores value.
func (j *JSONMap[T]) Put(ctx context.Context, key string, value T) error {
	raw, err := Encode(value)
	if err != nil {
		return err
	}
	return j.m.Put(ctx, key, raw)
}

// PutIfAbsent encodes value and stores it when key is missing.
func (j *JSONMap[T]) PutIfAbsent(ctx context.Context, key string, value T) (bool, error) {
	raw, err := Encode(value)
	if err != nil {
		return false, err
	}
	return j.m.PutIfAbsent(ctx, key, raw)
}

// Delete removes key.
func (j *JSONMap[T]) Delete(ctx context.Context, key string) (bool, error) {
	return j.m.Delete(ctx, key)
}

// ForEach decodes and visits each entry. Entries that fail to decode abort the walk.
func (j *JSONMap[T]) ForEach(ctx context.Context, fn func(key string, value T) bool) error {
	var decodeErr error
	err := j.m.ForEach(ctx, func(key string, raw []byte) bool {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			decodeErr = fmt.Errorf("decode %s[%s]: %w", j.m.Name(), key, err)
			return false
		}
		return fn(key, v)
	})
	if err != nil {
		return err
	}
	return decodeErr
}

// Size returns the number of entries.
func (j *JSONMap[T]) Size(ctx context.Context) (int, error) {
	return j.m.Size(ctx)
}

// Clear removes every entry.
func (j *JSONMap[T]) Clear(ctx context.Context) error {
	return j.m.Clear(ctx)
}

// Encode marshals v for storage.
func Encode(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode grid value: %w", err)
	}
	return raw, nil
}

// Decode unmarshals a stored value into T.
func Decode[T any](raw []byte) (T, error) {
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode grid value: %w", err)
	}
	return out, nil
}
