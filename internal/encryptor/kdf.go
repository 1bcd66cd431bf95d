package encryptor

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/scrypt"
)

// KeyDeriver turns a password into a KeySize-byte AES key. Implementations
// must be deterministic: the receiver derives the same key independently.
type KeyDeriver interface {
	DeriveKey(password string) ([]byte, error)
}

// CyclicDeriver repeats the UTF-8 bytes of the password until KeySize
// bytes are filled, truncating longer passwords.
//
// This is NOT a real key derivation function: there is no salt and no work
// factor, so keys fall to a dictionary attack. It exists for compatibility
// with peers and files produced by the original desktop client. Use
// ScryptDeriver whenever both ends can be configured.
type CyclicDeriver struct{}

func (CyclicDeriver) DeriveKey(password string) ([]byte, error) {
	if password == "" {
		return nil, ErrEmptyPassword
	}
	return DeriveKey(password), nil
}

// DeriveKey is the cyclic derivation. It returns an all-zero key for an
// empty password; callers that accept user input go through CyclicDeriver.
func DeriveKey(password string) []byte {
	pw := []byte(password)
	defer Zero(pw)

	key := make([]byte, KeySize)
	if len(pw) == 0 {
		return key
	}
	for i := range key {
		key[i] = pw[i%len(pw)]
	}
	return key
}

const (
	scryptN = 32768
	scryptR = 8
	scryptP = 1
)

// ScryptDeriver derives keys with scrypt under a deployment-wide salt.
// Both peers must share the salt.
type ScryptDeriver struct {
	Salt []byte
}

func NewScryptDeriver(salt string) ScryptDeriver {
	return ScryptDeriver{Salt: []byte(salt)}
}

func (d ScryptDeriver) DeriveKey(password string) ([]byte, error) {
	if password == "" {
		return nil, ErrEmptyPassword
	}
	if len(d.Salt) == 0 {
		return nil, fmt.Errorf("scrypt salt must not be empty")
	}
	pw := []byte(password)
	defer Zero(pw)

	key, err := scrypt.Key(pw, d.Salt, scryptN, scryptR, scryptP, KeySize)
	if err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	return key, nil
}

// ParseKDF resolves the kdf config value.
func ParseKDF(name, salt string) (KeyDeriver, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "cyclic":
		return CyclicDeriver{}, nil
	case "scrypt":
		if salt == "" {
			return nil, fmt.Errorf("kdf scrypt needs a salt")
		}
		return NewScryptDeriver(salt), nil
	default:
		return nil, fmt.Errorf("unknown kdf %q", name)
	}
}

// Fingerprint identifies a key without revealing it.
func Fingerprint(key []byte) string {
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:8])
}

// PasswordFingerprint derives the key with kdf and returns its fingerprint.
func PasswordFingerprint(kdf KeyDeriver, password string) (string, error) {
	key, err := kdf.DeriveKey(password)
	if err != nil {
		return "", err
	}
	defer Zero(key)
	return Fingerprint(key), nil
}
