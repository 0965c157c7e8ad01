package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"secretmsg/internal/storage"
)

// consumeTimeout bounds the locked read-and-delete transaction. The
// transaction is detached from the request context (see Consume), so this
// is the only thing that limits it.
const consumeTimeout = 5 * time.Second

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Create(ctx context.Context, sec storage.Secret) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO secrets (id, key_material, message, expires_at)
VALUES ($1, $2, $3, $4)`,
		sec.ID,
		sec.KeyMaterial,
		sec.Message,
		sec.ExpiresAt,
	)
	if isUniqueViolation(err) {
		return storage.ErrDuplicateID
	}
	if err != nil {
		return fmt.Errorf("insert secret: %w", err)
	}
	return nil
}

// Consume locks the row for id with SELECT ... FOR UPDATE, invokes fn if a
// row exists, then deletes the row and commits regardless of fn's outcome.
// A second caller racing on the same id blocks on the row lock until the
// first commits, then observes no row and gets storage.ErrNotFound.
func (s *Store) Consume(ctx context.Context, id string, fn func(storage.Secret) error) error {
	// The critical section must run to completion even if the client that
	// initiated the request has disconnected; otherwise the record could be
	// left locked and undeleted.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), consumeTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin consume tx: %w", err)
	}
	defer tx.Rollback()

	var sec storage.Secret
	err = tx.QueryRowContext(ctx, `
SELECT id, key_material, message, expires_at, created_at
FROM secrets
WHERE id = $1
FOR UPDATE`,
		id,
	).Scan(&sec.ID, &sec.KeyMaterial, &sec.Message, &sec.ExpiresAt, &sec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock secret: %w", err)
	}

	fnErr := fn(sec)

	// Unconditional: a wrong password or expired secret still burns the
	// record. A failed delete outranks fnErr because it breaks read-once.
	if _, err := tx.ExecContext(ctx, `DELETE FROM secrets WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete consumed secret: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit consume tx: %w", err)
	}

	return fnErr
}

func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired rows affected: %w", err)
	}
	return n, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
