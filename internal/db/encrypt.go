package db

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql/driver"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// encryptionKey is the process-wide AES-256 key behind EncryptedString.
// It must be set once at startup via InitEncryption, before db.New opens
// the database.
var encryptionKey []byte

// InitEncryption sets the AES-256 key used to encrypt tenant credentials
// at rest: the clients table's oauth_secret and oauth_password columns and
// the settings table's alert-channel secrets all pass through
// EncryptedString, so a copied database file leaks no usable credential.
// key must be exactly 32 bytes; cmd/server derives it from SECRET_KEY.
func InitEncryption(key []byte) error {
	if len(key) != 32 {
		return fmt.Errorf("db: encryption key must be exactly 32 bytes, got %d", len(key))
	}
	encryptionKey = make([]byte, 32)
	copy(encryptionKey, key)
	return nil
}

// aead builds the AES-256-GCM primitive from the process key, shared by
// the encrypt and decrypt paths.
func aead() (cipher.AEAD, error) {
	if encryptionKey == nil {
		return nil, errors.New("db: encryption key not initialized, call db.InitEncryption first")
	}
	block, err := aes.NewCipher(encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("db: creating AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("db: creating GCM: %w", err)
	}
	return gcm, nil
}

// EncryptedString is a string column transparently encrypted with
// AES-256-GCM on write and decrypted on read. The stored form is
// base64(nonce + ciphertext); an empty value is stored as an empty string
// without encryption so optional credentials stay NULL-free and readable.
type EncryptedString string

// Value implements driver.Valuer, called by GORM before writing.
func (e EncryptedString) Value() (driver.Value, error) {
	if e == "" {
		return "", nil
	}
	gcm, err := aead()
	if err != nil {
		return nil, err
	}

	// GCM requires a fresh nonce per encryption under the same key.
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("db: generating nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(e), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Scan implements sql.Scanner, called by GORM after reading.
func (e *EncryptedString) Scan(value interface{}) error {
	if value == nil {
		*e = ""
		return nil
	}

	str, ok := value.(string)
	if !ok {
		return fmt.Errorf("db: EncryptedString.Scan: expected string, got %T", value)
	}
	if str == "" {
		*e = ""
		return nil
	}

	gcm, err := aead()
	if err != nil {
		return err
	}

	data, err := base64.StdEncoding.DecodeString(str)
	if err != nil {
		return fmt.Errorf("db: decoding stored ciphertext: %w", err)
	}
	if len(data) < gcm.NonceSize() {
		return errors.New("db: encrypted data too short to contain nonce")
	}

	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return fmt.Errorf("db: decrypting value: %w", err)
	}

	*e = EncryptedString(plaintext)
	return nil
}
