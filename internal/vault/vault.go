package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/router-for-me/AnotherChat/internal/apperr"
	"golang.org/x/crypto/scrypt"
)

const (
	// MinPassphraseLength is the shortest accepted ENCRYPTION_KEY.
	MinPassphraseLength = 32

	nonceSize = 16
	tagSize   = 16
	keySize   = 32

	// Changing these invalidates every stored envelope.
	scryptN    = 16384
	scryptR    = 8
	scryptP    = 1
	scryptSalt = "salt"

	envelopeSeparator = ":"
)

var (
	// ErrMissingPassphrase indicates the vault passphrase is unset.
	ErrMissingPassphrase = errors.New("vault: encryption passphrase is required")
	// ErrPassphraseTooShort indicates the vault passphrase is below MinPassphraseLength.
	ErrPassphraseTooShort = fmt.Errorf("vault: encryption passphrase must be at least %d characters", MinPassphraseLength)
)

// Vault seals provider secrets with AES-256-GCM.
type Vault struct {
	aead cipher.AEAD
}

// New derives the vault key from passphrase.
func New(passphrase string) (*Vault, error) {
	if strings.TrimSpace(passphrase) == "" {
		return nil, ErrMissingPassphrase
	}
	if len(passphrase) < MinPassphraseLength {
		return nil, ErrPassphraseTooShort
	}
	key, errDerive := scrypt.Key([]byte(passphrase), []byte(scryptSalt), scryptN, scryptR, scryptP, keySize)
	if errDerive != nil {
		return nil, fmt.Errorf("vault: derive key: %w", errDerive)
	}
	block, errCipher := aes.NewCipher(key)
	if errCipher != nil {
		return nil, fmt.Errorf("vault: init cipher: %w", errCipher)
	}
	aead, errGCM := cipher.NewGCMWithNonceSize(block, nonceSize)
	if errGCM != nil {
		return nil, fmt.Errorf("vault: init gcm: %w", errGCM)
	}
	return &Vault{aead: aead}, nil
}

// Encrypt returns the `nonce:ciphertext:tag` hex envelope for plaintext.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	if v == nil || v.aead == nil {
		return "", fmt.Errorf("vault: not initialized")
	}
	nonce := make([]byte, nonceSize)
	if _, errRand := rand.Read(nonce); errRand != nil {
		return "", fmt.Errorf("vault: read nonce: %w", errRand)
	}
	sealed := v.aead.Seal(nil, nonce, []byte(plaintext), nil)
	ciphertext, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]
	return strings.Join([]string{
		hex.EncodeToString(nonce),
		hex.EncodeToString(ciphertext),
		hex.EncodeToString(tag),
	}, envelopeSeparator), nil
}

// Decrypt opens an envelope produced by Encrypt.
func (v *Vault) Decrypt(envelope string) (string, error) {
	if v == nil || v.aead == nil {
		return "", fmt.Errorf("vault: not initialized")
	}
	parts := strings.Split(strings.TrimSpace(envelope), envelopeSeparator)
	if len(parts) != 3 {
		return "", &apperr.DecryptionError{Reason: "invalid envelope format"}
	}
	nonce, errNonce := hex.DecodeString(parts[0])
	if errNonce != nil || len(nonce) != nonceSize {
		return "", &apperr.DecryptionError{Reason: "invalid nonce", Err: errNonce}
	}
	ciphertext, errCipher := hex.DecodeString(parts[1])
	if errCipher != nil {
		return "", &apperr.DecryptionError{Reason: "invalid ciphertext", Err: errCipher}
	}
	tag, errTag := hex.DecodeString(parts[2])
	if errTag != nil || len(tag) != tagSize {
		return "", &apperr.DecryptionError{Reason: "invalid auth tag", Err: errTag}
	}
	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)
	plaintext, errOpen := v.aead.Open(nil, nonce, sealed, nil)
	if errOpen != nil {
		return "", &apperr.DecryptionError{Reason: "authentication failed", Err: errOpen}
	}
	return string(plaintext), nil
}
