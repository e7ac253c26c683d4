// Package storage defines the Store interface used to persist named byte
// records with an atomic read-modify-write primitive. Implementations live
// in storage/memory and storage/postgres.
package storage

import "context"

// Mutator transforms the current value of a key (nil if absent) into its
// next value. Returning a nil value leaves the stored record unchanged.
type Mutator func(old []byte) ([]byte, error)

// Store persists named byte records.
type Store interface {
	// Get returns the value stored under key. ok is false if no record exists.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)

	// Put stores value under key, replacing any existing record.
	Put(ctx context.Context, key string, value []byte) error

	// Update runs fn against the current value of key and stores fn's
	// result, atomically with respect to other operations on the same key.
	Update(ctx context.Context, key string, fn Mutator) error

	// Delete removes the record stored under key, if any.
	Delete(ctx context.Context, key string) error
}
