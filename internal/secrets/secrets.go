// Package secrets implements the secret lifecycle: id generation,
// lifetime parsing, creation (derive, encrypt, persist) and read-once
// retrieval (locked lookup, password check, expiry check, decrypt,
// unconditional delete).
package secrets

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"secretmsg/internal/crypto"
	"secretmsg/internal/storage"
)

// IDLen is the length of a secret id: a 128-bit random value rendered as
// lowercase hex.
const IDLen = 32

var (
	// ErrInvalidID means the id is not syntactically a secret id. Returned
	// before any store access.
	ErrInvalidID = errors.New("invalid secret id")
	// ErrWrongPassword means the record existed but the password did not
	// match. The record is deleted anyway.
	ErrWrongPassword = errors.New("wrong password")
	// ErrExpired means the record existed and the password matched, but the
	// secret's lifetime had elapsed. The record is deleted anyway.
	ErrExpired = errors.New("secret lifetime has expired")
	// ErrInvalidLifetime covers a bad quantity/unit or a unit supplied
	// without a quantity (and vice versa).
	ErrInvalidLifetime = errors.New("invalid lifetime")
)

// measureSeconds maps a lifetime unit to its length in seconds.
var measureSeconds = map[string]int64{
	"sec":   1,
	"min":   60,
	"hour":  3600,
	"day":   3600 * 24,
	"week":  3600 * 24 * 7,
	"month": 3600 * 24 * 31,
	"year":  3600 * 24 * 365,
}

// Config holds the key-derivation inputs. Salts are fixed per purpose, not
// per record: SaltKey scopes keys that encrypt the caller's password under
// ServerSecret, SaltText scopes keys that encrypt the message under the
// caller's password. Changing either changes the on-disk format.
type Config struct {
	ServerSecret    string
	SaltKey         string
	SaltText        string
	Iterations      int
	DefaultLifetime time.Duration
}

// Service orchestrates secret creation and retrieval against a store.
type Service struct {
	cfg   Config
	store storage.SecretsStore

	now        func() time.Time
	generateID func() string
}

func NewService(cfg Config, store storage.SecretsStore) *Service {
	return &Service{
		cfg:        cfg,
		store:      store,
		now:        time.Now,
		generateID: GenerateID,
	}
}

// GenerateID returns a 128-bit random id rendered as 32 lowercase hex
// characters. The id is the retrieval key; its entropy is what resists
// enumeration.
func GenerateID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

// ValidateID reports whether id is syntactically a secret id. Malformed
// ids are rejected here so retrieval never touches the store for them.
func ValidateID(id string) error {
	if len(id) != IDLen {
		return ErrInvalidID
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return ErrInvalidID
		}
	}
	return nil
}

// ParseLifetime converts a quantity/unit pair into a duration. Both must be
// present together or absent together; absent together yields def. The
// quantity must be positive and the unit one of sec, min, hour, day, week,
// month, year.
func ParseLifetime(lifeTime *int64, timeMeasure *string, def time.Duration) (time.Duration, error) {
	if lifeTime == nil && timeMeasure == nil {
		return def, nil
	}
	if lifeTime == nil || timeMeasure == nil {
		return 0, fmt.Errorf("%w: life_time and time_measure must be set together", ErrInvalidLifetime)
	}
	if *lifeTime <= 0 {
		return 0, fmt.Errorf("%w: life_time must be positive", ErrInvalidLifetime)
	}
	mult, ok := measureSeconds[*timeMeasure]
	if !ok {
		return 0, fmt.Errorf("%w: unknown time_measure %q", ErrInvalidLifetime, *timeMeasure)
	}

	seconds := *lifeTime * mult
	if seconds/mult != *lifeTime {
		return 0, fmt.Errorf("%w: lifetime out of range", ErrInvalidLifetime)
	}
	d := time.Duration(seconds) * time.Second
	if d <= 0 || int64(d/time.Second) != seconds {
		return 0, fmt.Errorf("%w: lifetime out of range", ErrInvalidLifetime)
	}
	return d, nil
}

// Create encrypts the message and its key material, computes the absolute
// expiry and persists the record, returning the retrieval id.
//
// The password is stored encrypted under a key derived from the server
// secret (so a presented password can later be verified without storing it
// in cleartext); the message is encrypted under a key derived from the
// password itself.
func (s *Service) Create(ctx context.Context, text, password string, lifetime time.Duration) (string, error) {
	if lifetime <= 0 {
		return "", fmt.Errorf("%w: lifetime must be positive", ErrInvalidLifetime)
	}

	keyMaterialKey := crypto.DeriveKey([]byte(s.cfg.ServerSecret), []byte(s.cfg.SaltKey), s.cfg.Iterations)
	keyMaterial, err := crypto.Encrypt([]byte(password), keyMaterialKey)
	if err != nil {
		return "", fmt.Errorf("encrypt key material: %w", err)
	}

	messageKey := crypto.DeriveKey([]byte(password), []byte(s.cfg.SaltText), s.cfg.Iterations)
	message, err := crypto.Encrypt([]byte(text), messageKey)
	if err != nil {
		return "", fmt.Errorf("encrypt message: %w", err)
	}

	sec := storage.Secret{
		KeyMaterial: keyMaterial,
		Message:     message,
		ExpiresAt:   s.now().UTC().Add(lifetime),
	}

	// A 128-bit collision is negligible; one retry covers it anyway.
	for attempt := 0; ; attempt++ {
		sec.ID = s.generateID()
		err := s.store.Create(ctx, sec)
		if errors.Is(err, storage.ErrDuplicateID) && attempt == 0 {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("create secret: %w", err)
		}
		return sec.ID, nil
	}
}

// Retrieve returns the plaintext for id if password is correct and the
// secret has not expired. Any attempt that finds a record consumes it:
// wrong password and expired outcomes delete the record before the error
// is returned, so repeated guesses against one id degrade to not-found.
func (s *Service) Retrieve(ctx context.Context, id, password string) (string, error) {
	if err := ValidateID(id); err != nil {
		return "", err
	}

	var text string
	err := s.store.Consume(ctx, id, func(sec storage.Secret) error {
		keyMaterialKey := crypto.DeriveKey([]byte(s.cfg.ServerSecret), []byte(s.cfg.SaltKey), s.cfg.Iterations)
		storedPassword, err := crypto.Decrypt(sec.KeyMaterial, keyMaterialKey)
		if err != nil {
			// Key material was written by this server; failure here is data
			// corruption, not a caller mistake.
			return fmt.Errorf("open key material: %w", err)
		}

		if subtle.ConstantTimeCompare(storedPassword, []byte(password)) != 1 {
			return ErrWrongPassword
		}

		if s.now().UTC().After(sec.ExpiresAt) {
			return ErrExpired
		}

		messageKey := crypto.DeriveKey([]byte(password), []byte(s.cfg.SaltText), s.cfg.Iterations)
		plaintext, err := crypto.Decrypt(sec.Message, messageKey)
		if err != nil {
			return fmt.Errorf("open message: %w", err)
		}

		text = string(plaintext)
		return nil
	})
	if err != nil {
		return "", err
	}
	return text, nil
}
