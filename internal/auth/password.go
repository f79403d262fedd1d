package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Hasher produces and verifies argon2id password hashes in the standard
// encoded form ($argon2id$v=19$m=...,t=...,p=...$salt$key). Each call salts
// independently, so hashing the same password twice yields different output.
type Hasher struct {
	memory  uint32
	time    uint32
	threads uint8
	saltLen uint32
	keyLen  uint32
}

func NewHasher() *Hasher {
	return &Hasher{
		memory:  64 * 1024,
		time:    2,
		threads: 2,
		saltLen: 16,
		keyLen:  32,
	}
}

// NewLightHasher trades hardness for speed. Test use only.
func NewLightHasher() *Hasher {
	return &Hasher{
		memory:  8 * 1024,
		time:    1,
		threads: 1,
		saltLen: 16,
		keyLen:  32,
	}
}

func (h *Hasher) Hash(plaintext string) (string, error) {
	salt := make([]byte, h.saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	key := argon2.IDKey([]byte(plaintext), salt, h.time, h.memory, h.threads, h.keyLen)

	encoded := fmt.Sprintf(
		"$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		h.memory, h.time, h.threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	)

	return encoded, nil
}

// Verify checks plaintext against an encoded hash. The comparison is
// constant-time over the derived key. The parameters come from the encoded
// hash itself, so hashes written with older settings keep verifying.
func (h *Hasher) Verify(plaintext, encoded string) bool {
	memory, timeCost, threads, salt, key, err := decodeHash(encoded)
	if err != nil {
		return false
	}

	derived := argon2.IDKey([]byte(plaintext), salt, timeCost, memory, threads, uint32(len(key)))
	return subtle.ConstantTimeCompare(derived, key) == 1
}

var errMalformedHash = errors.New("malformed argon2id hash")

func decodeHash(encoded string) (memory, timeCost uint32, threads uint8, salt, key []byte, err error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return 0, 0, 0, nil, nil, errMalformedHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return 0, 0, 0, nil, nil, errMalformedHash
	}

	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &timeCost, &threads); err != nil {
		return 0, 0, 0, nil, nil, errMalformedHash
	}

	salt, err = base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return 0, 0, 0, nil, nil, errMalformedHash
	}

	key, err = base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return 0, 0, 0, nil, nil, errMalformedHash
	}

	return memory, timeCost, threads, salt, key, nil
}
