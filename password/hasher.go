package password

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/argon2"
)

const (
	minMemoryKB   uint32 = 8 * 1024
	minSaltLength uint32 = 16
	minKeyLength  uint32 = 16
	algorithmID          = "argon2id"

	// DefaultMaxPasswordBytes bounds the work an oversized secret can cause.
	DefaultMaxPasswordBytes = 1024
)

var (
	// ErrPasswordLength is returned when a secret is empty, too short or too long.
	ErrPasswordLength = errors.New("password length out of range")
)

// Config holds the Argon2id cost parameters.
type Config struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32

	// MinPasswordBytes applies to Hash only. Zero allows any non-empty secret.
	MinPasswordBytes int
	// MaxPasswordBytes applies to Hash and Check. Zero means DefaultMaxPasswordBytes.
	MaxPasswordBytes int
}

// DefaultConfig returns interactive-login parameters (64 MiB, 3 passes).
func DefaultConfig() Config {
	return Config{
		Memory:      64 * 1024,
		Time:        3,
		Parallelism: 2,
		SaltLength:  16,
		KeyLength:   32,
	}
}

// Hasher hashes and checks secrets. It is safe for concurrent use.
type Hasher struct {
	config Config

	dummyOnce sync.Once
	dummy     phc
}

// NewHasher validates cfg and returns an argon2id Hasher.
func NewHasher(cfg Config) (*Hasher, error) {
	switch {
	case cfg.Memory < minMemoryKB:
		return nil, fmt.Errorf("password memory must be >= %d KB", minMemoryKB)
	case cfg.Time < 1:
		return nil, errors.New("password time must be >= 1")
	case cfg.Parallelism < 1:
		return nil, errors.New("password parallelism must be >= 1")
	case cfg.SaltLength < minSaltLength:
		return nil, errors.New("password salt length must be >= 16")
	case cfg.KeyLength < minKeyLength:
		return nil, errors.New("password key length must be >= 16")
	case cfg.MinPasswordBytes < 0 || cfg.MaxPasswordBytes < 0:
		return nil, errors.New("password length bounds must be >= 0")
	}
	if cfg.MaxPasswordBytes == 0 {
		cfg.MaxPasswordBytes = DefaultMaxPasswordBytes
	}
	if cfg.MinPasswordBytes > cfg.MaxPasswordBytes {
		return nil, errors.New("password MinPasswordBytes exceeds MaxPasswordBytes")
	}

	return &Hasher{config: cfg}, nil
}

// Hash returns the PHC encoding of secret under a fresh random salt.
func (h *Hasher) Hash(secret string) (string, error) {
	if len(secret) == 0 || len(secret) < h.config.MinPasswordBytes || len(secret) > h.config.MaxPasswordBytes {
		return "", ErrPasswordLength
	}

	salt := make([]byte, h.config.SaltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", err
	}

	return h.derive(secret, salt).String(), nil
}

// Verify reports whether secret matches encoded.
func (h *Hasher) Verify(secret, encoded string) (bool, error) {
	if len(secret) > h.config.MaxPasswordBytes {
		return false, ErrPasswordLength
	}
	p, err := parsePHC(encoded)
	if err != nil {
		return false, err
	}

	key := argon2.IDKey([]byte(secret), p.salt, p.time, p.memory, p.parallelism, uint32(len(p.key)))
	return subtle.ConstantTimeCompare(key, p.key) == 1, nil
}

// Check is Verify for login paths. An empty encoded hash stands for an
// unknown account: a throwaway hash is verified instead and Check reports
// false. Malformed hashes also report false.
func (h *Hasher) Check(secret, encoded string) bool {
	if encoded == "" {
		h.dummyOnce.Do(func() {
			salt := make([]byte, h.config.SaltLength)
			_, _ = io.ReadFull(rand.Reader, salt)
			h.dummy = h.derive("unknown-account", salt)
		})
		_, _ = h.Verify(secret, h.dummy.String())
		return false
	}

	ok, err := h.Verify(secret, encoded)
	return err == nil && ok
}

// NeedsRehash reports whether encoded was produced with weaker parameters
// than the Hasher uses now.
func (h *Hasher) NeedsRehash(encoded string) (bool, error) {
	p, err := parsePHC(encoded)
	if err != nil {
		return false, err
	}

	return h.config.Memory > p.memory ||
		h.config.Time > p.time ||
		h.config.Parallelism > p.parallelism ||
		int(h.config.KeyLength) != len(p.key), nil
}

func (h *Hasher) derive(secret string, salt []byte) phc {
	return phc{
		memory:      h.config.Memory,
		time:        h.config.Time,
		parallelism: h.config.Parallelism,
		salt:        salt,
		key: argon2.IDKey(
			[]byte(secret),
			salt,
			h.config.Time,
			h.config.Memory,
			h.config.Parallelism,
			h.config.KeyLength,
		),
	}
}
