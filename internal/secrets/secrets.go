// Package secrets parses the gateway master key, derives purpose-bound
// subkeys from it and seals payloads that leave the process, such as
// verification links handed to the mail worker.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"

	"golang.org/x/crypto/blake2b"
)

var newGCM = cipher.NewGCM

var errKeyFormat = errors.New("SESSION_SECRET must be 32 bytes or base64-encoded 32 bytes")

// Subkey purposes. Each one yields an independent key.
const (
	PurposeSessionCookie = "session-cookie"
	PurposeMailPayload   = "mail-payload"
	PurposeEmailHash     = "email-hash"
)

func ParseKey(raw string) ([]byte, error) {
	if raw == "" {
		return nil, errors.New("SESSION_SECRET is required")
	}
	if len(raw) == 32 {
		return []byte(raw), nil
	}
	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, errKeyFormat
	}
	if len(decoded) != 32 {
		return nil, errKeyFormat
	}
	return decoded, nil
}

// DeriveKey returns a 32-byte key for purpose, keyed by the master key.
func DeriveKey(master []byte, purpose string) ([]byte, error) {
	mac, err := blake2b.New256(master)
	if err != nil {
		return nil, err
	}
	mac.Write([]byte(purpose))
	return mac.Sum(nil), nil
}

// Keys are the subkeys the gateway and the mail worker share.
type Keys struct {
	Cookie      []byte
	MailPayload []byte
	EmailHash   []byte
}

func DeriveKeys(master []byte) (Keys, error) {
	var keys Keys
	for _, k := range []struct {
		purpose string
		dst     *[]byte
	}{
		{PurposeSessionCookie, &keys.Cookie},
		{PurposeMailPayload, &keys.MailPayload},
		{PurposeEmailHash, &keys.EmailHash},
	} {
		derived, err := DeriveKey(master, k.purpose)
		if err != nil {
			return Keys{}, err
		}
		*k.dst = derived
	}
	return keys, nil
}

// Fingerprint is a short keyed hash used wherever a value must be
// correlated without being stored or logged in clear text.
func Fingerprint(key []byte, value string) string {
	mac, err := blake2b.New256(key)
	if err != nil {
		return ""
	}
	mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil)[:12])
}

// Seal encrypts plaintext with AES-GCM. The nonce is prepended to the
// ciphertext and the result is base64 encoded.
func Seal(key []byte, plaintext string) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := newGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	ciphertext := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	combined := append(nonce, ciphertext...)
	return base64.StdEncoding.EncodeToString(combined), nil
}

func Open(key []byte, encoded string) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := newGCM(block)
	if err != nil {
		return "", err
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", err
	}
	if len(data) < gcm.NonceSize() {
		return "", errors.New("invalid sealed payload")
	}
	nonce := data[:gcm.NonceSize()]
	plain, err := gcm.Open(nil, nonce, data[gcm.NonceSize():], nil)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}
