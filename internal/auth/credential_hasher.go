package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"

	"golang.org/x/crypto/argon2"
)

// HashProfile holds Argon2id cost parameters. The parameters are part of
// correctness: a value hashed under one profile does not verify under
// another, even with the same salt.
type HashProfile struct {
	Time    uint32
	Memory  uint32 // KiB
	Threads uint8
	SaltLen int
	KeyLen  uint32
}

// PasswordProfile is the high-cost profile for parent/relative passwords.
var PasswordProfile = HashProfile{
	Time:    3,
	Memory:  64 * 1024,
	Threads: 4,
	SaltLen: 16,
	KeyLen:  32,
}

// PINProfile is the reduced-cost profile for child PINs. PINs are short and
// verified on every child login, so latency matters; brute-force resistance
// comes from the lockout policy instead.
var PINProfile = HashProfile{
	Time:    1,
	Memory:  8 * 1024,
	Threads: 2,
	SaltLen: 16,
	KeyLen:  32,
}

// CredentialHasher hashes and verifies secrets under a fixed profile. The
// encoded value is base64(salt || key) with a fresh random salt per hash.
type CredentialHasher struct {
	profile HashProfile
}

// NewPasswordHasher creates a hasher using the password profile
func NewPasswordHasher() *CredentialHasher {
	return &CredentialHasher{profile: PasswordProfile}
}

// NewPINHasher creates a hasher using the PIN profile
func NewPINHasher() *CredentialHasher {
	return &CredentialHasher{profile: PINProfile}
}

// NewCredentialHasher creates a hasher with a custom profile
func NewCredentialHasher(profile HashProfile) *CredentialHasher {
	return &CredentialHasher{profile: profile}
}

// Hash derives an encoded hash from the secret with a fresh random salt.
// Calling Hash twice on the same secret yields different encoded values.
func (h *CredentialHasher) Hash(secret string) (string, error) {
	salt := make([]byte, h.profile.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}

	key := argon2.IDKey([]byte(secret), salt, h.profile.Time, h.profile.Memory, h.profile.Threads, h.profile.KeyLen)

	encoded := make([]byte, 0, len(salt)+len(key))
	encoded = append(encoded, salt...)
	encoded = append(encoded, key...)
	return base64.RawStdEncoding.EncodeToString(encoded), nil
}

// Verify recomputes the hash with the embedded salt and compares in constant
// time. Malformed input returns false, never an error.
func (h *CredentialHasher) Verify(secret, encodedHash string) bool {
	decoded, err := base64.RawStdEncoding.DecodeString(encodedHash)
	if err != nil {
		return false
	}
	if len(decoded) != h.profile.SaltLen+int(h.profile.KeyLen) {
		return false
	}

	salt := decoded[:h.profile.SaltLen]
	storedKey := decoded[h.profile.SaltLen:]

	key := argon2.IDKey([]byte(secret), salt, h.profile.Time, h.profile.Memory, h.profile.Threads, h.profile.KeyLen)

	return subtle.ConstantTimeCompare(key, storedKey) == 1
}
