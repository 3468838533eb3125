// Package secrets protects workspace-held third-party credentials at rest.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/scrypt"
)

const (
	saltSize = 16
	ivSize   = 12
	tagSize  = 16
	keySize  = 32

	scryptN = 16384
	scryptR = 8
	scryptP = 1
)

// ErrDecrypt covers every decrypt failure: wrong key, altered ciphertext,
// altered tag or a corrupt encoding.
var ErrDecrypt = errors.New("secret decryption failed")

// EncryptedSecret is self-contained; salt, iv and tag travel with the
// ciphertext so no key-derivation state is kept anywhere else.
type EncryptedSecret struct {
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
	AuthTag    string `json:"authTag"`
	Salt       string `json:"salt"`
}

var randReader io.Reader = rand.Reader

func EncryptSecret(plaintext, masterKey string) (EncryptedSecret, error) {
	if masterKey == "" {
		return EncryptedSecret{}, errors.New("master key required")
	}
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(randReader, salt); err != nil {
		return EncryptedSecret{}, fmt.Errorf("salt: %w", err)
	}
	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(randReader, iv); err != nil {
		return EncryptedSecret{}, fmt.Errorf("iv: %w", err)
	}
	aead, err := newAEAD(masterKey, salt)
	if err != nil {
		return EncryptedSecret{}, err
	}
	sealed := aead.Seal(nil, iv, []byte(plaintext), nil)
	body, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]
	return EncryptedSecret{
		Ciphertext: base64.StdEncoding.EncodeToString(body),
		IV:         base64.StdEncoding.EncodeToString(iv),
		AuthTag:    base64.StdEncoding.EncodeToString(tag),
		Salt:       base64.StdEncoding.EncodeToString(salt),
	}, nil
}

func DecryptSecret(enc EncryptedSecret, masterKey string) (string, error) {
	if masterKey == "" {
		return "", errors.New("master key required")
	}
	body, err := base64.StdEncoding.DecodeString(enc.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: ciphertext encoding", ErrDecrypt)
	}
	iv, err := base64.StdEncoding.DecodeString(enc.IV)
	if err != nil || len(iv) != ivSize {
		return "", fmt.Errorf("%w: iv", ErrDecrypt)
	}
	tag, err := base64.StdEncoding.DecodeString(enc.AuthTag)
	if err != nil || len(tag) != tagSize {
		return "", fmt.Errorf("%w: auth tag", ErrDecrypt)
	}
	salt, err := base64.StdEncoding.DecodeString(enc.Salt)
	if err != nil || len(salt) != saltSize {
		return "", fmt.Errorf("%w: salt", ErrDecrypt)
	}
	aead, err := newAEAD(masterKey, salt)
	if err != nil {
		return "", err
	}
	sealed := make([]byte, 0, len(body)+len(tag))
	sealed = append(sealed, body...)
	sealed = append(sealed, tag...)
	plain, err := aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", ErrDecrypt
	}
	return string(plain), nil
}

func newAEAD(masterKey string, salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key([]byte(masterKey), salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
