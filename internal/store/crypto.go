package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// deriveUserKey derives a 32-byte AES-256 key from userID and a per-install
// salt via PBKDF2-HMAC-SHA256, per SPEC_FULL.md §4.B ("production
// deployments MUST use PBKDF2/Scrypt/Argon2"). The iteration count matches
// OWASP's current PBKDF2-SHA256 recommendation.
//
// modernc.org/sqlite (the driver this store uses, grounded on
// rustyguts-bken/server/internal/store/store.go) is pure Go and has no
// page-cipher hook, so unlike a cgo SQLCipher build this cannot transparently
// encrypt the whole database file; instead sensitive columns are encrypted
// individually with the key this function derives (see sealColumn/openColumn
// below), which is the idiomatic answer available to a pure-Go SQL driver.
func deriveUserKey(userID uint64, salt []byte) []byte {
	idBytes := []byte(fmt.Sprintf("user:%d", userID))
	return pbkdf2.Key(idBytes, salt, 600_000, 32, sha256.New)
}

// newAEAD builds an AES-256-GCM cipher from a derived key.
func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// sealColumn encrypts plaintext for storage in a sensitive column.
func sealColumn(aead cipher.AEAD, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// openColumn decrypts a value previously produced by sealColumn.
func openColumn(aead cipher.AEAD, sealed []byte) ([]byte, error) {
	ns := aead.NonceSize()
	if len(sealed) < ns {
		return nil, fmt.Errorf("sealed value too short")
	}
	nonce, ct := sealed[:ns], sealed[ns:]
	pt, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt column: %w", err)
	}
	return pt, nil
}
