// Package kv is the key-value substrate the bot persists through.
//
// Every implementation offers the same atomic key-scoped primitives so that
// callers never need a process-wide lock: compare-and-set updates, a bounded
// check-and-increment for counters, and small sets for indexes.
package kv

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("kv: key not found")
	ErrConflict = errors.New("kv: concurrent modification")
)

// maxCASRetries bounds optimistic retries of Update.
const maxCASRetries = 5

// UpdateFunc receives the current value (exists=false when absent or expired)
// and returns the value to store. Returning an error aborts the update and the
// error is passed back to the caller unchanged.
type UpdateFunc func(current string, exists bool) (string, error)

type Store interface {
	Get(ctx context.Context, key string) (string, error)
	// Set stores value; ttl <= 0 means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error

	// IncrBelow increments key by one only while its value is below limit
	// (limit <= 0 disables the bound). It returns the value after the call and
	// whether the increment happened. ttl is applied when the key is created.
	IncrBelow(ctx context.Context, key string, limit int64, ttl time.Duration) (int64, bool, error)

	// Update is an atomic read-modify-write of a single key.
	Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) error

	SAdd(ctx context.Context, set, member string) error
	SRem(ctx context.Context, set, member string) error
	SMembers(ctx context.Context, set string) ([]string, error)

	Ping(ctx context.Context) error
	Close() error
}

func expiry(now time.Time, ttl time.Duration) *time.Time {
	if ttl <= 0 {
		return nil
	}
	t := now.Add(ttl)
	return &t
}
