// Package kiwicrypto provides password hashing with a process-wide pepper
// and the per-session sealing-key material delivered to authenticated
// frontends.
package kiwicrypto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters. Chosen for a single-host control plane where the
// hash runs on every login, not in a hot loop.
const (
	kdfTime    = 1
	kdfMemory  = 64 * 1024 // KiB
	kdfThreads = 4
	kdfKeyLen  = 32
	saltLen    = 16
)

// Hasher hashes and verifies passwords with a process-wide pepper mixed in
// before the KDF runs, so a stolen hash is useless without the pepper too.
type Hasher struct {
	pepper string
}

// NewHasher creates a Hasher using the given pepper (from the secret store).
func NewHasher(pepper string) *Hasher {
	return &Hasher{pepper: pepper}
}

// GenerateHash hashes the given (already pre-hashed-by-client) password and
// returns a self-describing PHC-style string: $argon2id$v=19$m=...,t=...,p=...$<salt>$<hash>.
func (h *Hasher) GenerateHash(password string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}

	sum := argon2.IDKey([]byte(password+h.pepper), salt, kdfTime, kdfMemory, kdfThreads, kdfKeyLen)

	encoded := fmt.Sprintf("$argon2id$v=19$m=%d,t=%d,p=%d$%s$%s",
		kdfMemory, kdfTime, kdfThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(sum),
	)
	return encoded, nil
}

// Matches reports whether password, peppered and hashed with the parameters
// embedded in encodedHash, produces the same digest.
func (h *Hasher) Matches(password, encodedHash string) (bool, error) {
	memory, time_, threads, salt, want, err := decode(encodedHash)
	if err != nil {
		return false, err
	}

	got := argon2.IDKey([]byte(password+h.pepper), salt, time_, memory, threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

func decode(encodedHash string) (memory uint32, time_ uint32, threads uint8, salt, hash []byte, err error) {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return 0, 0, 0, nil, nil, fmt.Errorf("unrecognized hash format")
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return 0, 0, 0, nil, nil, fmt.Errorf("parsing version: %w", err)
	}

	var m uint32
	var t uint32
	var p uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &m, &t, &p); err != nil {
		return 0, 0, 0, nil, nil, fmt.Errorf("parsing KDF params: %w", err)
	}

	salt, err = base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return 0, 0, 0, nil, nil, fmt.Errorf("decoding salt: %w", err)
	}

	hash, err = base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return 0, 0, 0, nil, nil, fmt.Errorf("decoding hash: %w", err)
	}

	return m, t, p, salt, hash, nil
}

// SealingKey is the 48 bytes of client-side symmetric encryption material
// (32-byte key + 16-byte IV) delivered to an authenticated frontend.
type SealingKey struct {
	Key [32]byte
	IV  [16]byte
}

// NewSealingKey generates 48 fresh random bytes and splits them into a key
// and IV.
func NewSealingKey() (SealingKey, error) {
	var buf [48]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return SealingKey{}, fmt.Errorf("generating sealing key: %w", err)
	}
	var sk SealingKey
	copy(sk.Key[:], buf[:32])
	copy(sk.IV[:], buf[32:48])
	return sk, nil
}

// Encode returns the sealing key as base64 key/iv strings, as delivered to
// the frontend.
func (sk SealingKey) Encode() (key, iv string) {
	return base64.StdEncoding.EncodeToString(sk.Key[:]), base64.StdEncoding.EncodeToString(sk.IV[:])
}

// String returns the 48-byte material as a single base64 string, the form
// stored in the Session Cache alongside the access/refresh token.
func (sk SealingKey) String() string {
	var buf [48]byte
	copy(buf[:32], sk.Key[:])
	copy(buf[32:], sk.IV[:])
	return base64.RawStdEncoding.EncodeToString(buf[:])
}

// ParseSealingKey parses the base64 form produced by String.
func ParseSealingKey(s string) (SealingKey, error) {
	buf, err := base64.RawStdEncoding.DecodeString(s)
	if err != nil || len(buf) != 48 {
		return SealingKey{}, fmt.Errorf("invalid sealing key encoding")
	}
	var sk SealingKey
	copy(sk.Key[:], buf[:32])
	copy(sk.IV[:], buf[32:48])
	return sk, nil
}

// RandomToken returns a URL-safe opaque token of at least 64 alphanumeric
// characters, suitable for access/refresh tokens and generated secrets.
func RandomToken() (string, error) {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	buf := make([]byte, 64)
	raw := make([]byte, 64)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating random token: %w", err)
	}
	for i, b := range raw {
		buf[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(buf), nil
}
