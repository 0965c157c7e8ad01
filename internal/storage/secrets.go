package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound means no live record exists for the id. Never-existed,
	// already-consumed and already-swept cases are deliberately
	// indistinguishable.
	ErrNotFound = errors.New("secret not found")

	// ErrDuplicateID is returned by Create on an id collision. Retryable
	// with a freshly generated id.
	ErrDuplicateID = errors.New("duplicate secret id")
)

// Secret is the stored record: the caller's password encrypted under a
// server-secret-derived key, and the message encrypted under a
// password-derived key. Both blobs are opaque to the store.
type Secret struct {
	ID          string
	KeyMaterial []byte
	Message     []byte
	ExpiresAt   time.Time
	CreatedAt   time.Time
}

// SecretsStore persists secret records.
//
// Consume is the read-once critical section: it acquires an exclusive
// per-id lock, and if a record exists it invokes fn with the record and
// deletes it on every exit path, fn error or not, before releasing the
// lock. Concurrent Consume calls on the same id are serialized by the
// lock; exactly one observes the record, the rest get ErrNotFound. If the
// record is absent, Consume returns ErrNotFound without calling fn.
//
// The locked read and delete run to completion even when ctx is already
// canceled, so an abandoned request cannot leave a record locked and
// undeleted. A storage failure during the delete takes precedence over
// fn's error: it breaks the read-once guarantee and must surface loudly.
type SecretsStore interface {
	Create(ctx context.Context, s Secret) error
	Consume(ctx context.Context, id string, fn func(Secret) error) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
