// Package crypto provides the two primitives the credential core needs:
// authenticated symmetric encryption for Canvas tokens at rest, and
// memory-hard one-way hashing for issued API keys.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"

	bridgeerrors "github.com/edubridge/canvas-mcp/internal/errors"
)

const (
	// keyLen is the required AES key length in bytes (AES-256).
	keyLen = 32

	// gcmTagLen is the GCM authentication tag length in bytes.
	gcmTagLen = 16

	// blobDelim separates the nonce, ciphertext, and tag segments of a
	// sealed blob.
	blobDelim = "."
)

// Argon2id parameters. Memory and time follow the OWASP floor for
// interactive hashing (19 MiB, t=2); the inputs here are high-entropy
// machine-generated keys, so these are generous.
const (
	argonMemoryKiB = 19_456
	argonTime      = 2
	argonThreads   = 1
	argonSaltLen   = 16
	argonKeyLen    = 32
)

// Sealer encrypts and decrypts secrets with AES-256-GCM.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer builds a Sealer from a raw 32-byte key. Any other key
// length is a configuration error: the caller must fail startup rather
// than fall back to storing tokens in plaintext.
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != keyLen {
		return nil, fmt.Errorf("%w: encryption key must be %d bytes, got %d",
			bridgeerrors.ErrConfiguration, keyLen, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: creating AES cipher: %v", bridgeerrors.ErrConfiguration, err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: creating GCM: %v", bridgeerrors.ErrConfiguration, err)
	}

	return &Sealer{aead: aead}, nil
}

// Seal encrypts plaintext under a fresh random nonce and returns the
// blob as base64url(nonce).base64url(ciphertext).base64url(tag).
func (s *Sealer) Seal(plaintext string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("reading nonce: %w", err)
	}

	sealed := s.aead.Seal(nil, nonce, []byte(plaintext), nil)

	// GCM appends the tag to the ciphertext; split it back out so the
	// stored format carries the three segments explicitly.
	ct := sealed[:len(sealed)-gcmTagLen]
	tag := sealed[len(sealed)-gcmTagLen:]

	enc := base64.RawURLEncoding
	return enc.EncodeToString(nonce) + blobDelim +
		enc.EncodeToString(ct) + blobDelim +
		enc.EncodeToString(tag), nil
}

// Open decrypts a blob produced by Seal. A malformed blob or a failed
// authentication tag check returns ErrIntegrity; garbage is never
// returned silently.
func (s *Sealer) Open(blob string) (string, error) {
	parts := strings.Split(blob, blobDelim)
	if len(parts) != 3 {
		return "", fmt.Errorf("%w: expected 3 segments, got %d", bridgeerrors.ErrIntegrity, len(parts))
	}

	enc := base64.RawURLEncoding

	nonce, err := enc.DecodeString(parts[0])
	if err != nil || len(nonce) != s.aead.NonceSize() {
		return "", fmt.Errorf("%w: bad nonce segment", bridgeerrors.ErrIntegrity)
	}

	ct, err := enc.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("%w: bad ciphertext segment", bridgeerrors.ErrIntegrity)
	}

	tag, err := enc.DecodeString(parts[2])
	if err != nil || len(tag) != gcmTagLen {
		return "", fmt.Errorf("%w: bad tag segment", bridgeerrors.ErrIntegrity)
	}

	plaintext, err := s.aead.Open(nil, nonce, append(ct, tag...), nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", bridgeerrors.ErrIntegrity, err)
	}

	return string(plaintext), nil
}

// HashSecret hashes a secret with Argon2id and encodes the result in
// the standard PHC string form, carrying the salt and parameters.
func HashSecret(secret string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("reading salt: %w", err)
	}

	digest := argon2.IDKey([]byte(secret), salt, argonTime, argonMemoryKiB, argonThreads, argonKeyLen)

	enc := base64.RawStdEncoding
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemoryKiB, argonTime, argonThreads,
		enc.EncodeToString(salt), enc.EncodeToString(digest)), nil
}

// VerifySecret reports whether secret matches an encoded Argon2id hash.
// The comparison is constant-time over the full digest length so timing
// does not correlate with prefix match length. A malformed hash simply
// fails verification.
func VerifySecret(secret, encoded string) bool {
	salt, digest, memory, time, threads, ok := parsePHC(encoded)
	if !ok {
		return false
	}

	computed := argon2.IDKey([]byte(secret), salt, time, memory, threads, uint32(len(digest)))

	return subtle.ConstantTimeCompare(computed, digest) == 1
}

// parsePHC decodes a $argon2id$v=19$m=..,t=..,p=..$salt$hash string.
func parsePHC(encoded string) (salt, digest []byte, memory, time uint32, threads uint8, ok bool) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return nil, nil, 0, 0, 0, false
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return nil, nil, 0, 0, 0, false
	}

	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &time, &threads); err != nil {
		return nil, nil, 0, 0, 0, false
	}

	if memory == 0 || time == 0 || threads == 0 {
		return nil, nil, 0, 0, 0, false
	}

	enc := base64.RawStdEncoding

	salt, err := enc.DecodeString(parts[4])
	if err != nil || len(salt) == 0 {
		return nil, nil, 0, 0, 0, false
	}

	digest, err = enc.DecodeString(parts[5])
	if err != nil || len(digest) == 0 {
		return nil, nil, 0, 0, 0, false
	}

	return salt, digest, memory, time, threads, true
}
