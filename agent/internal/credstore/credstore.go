// Package credstore persists the agent's bearer token, refresh token, and
// shared secret across restarts. Values are encrypted at rest with
// AES-256-GCM using the same nonce-prepended, base64-encoded construction as
// the server's db.EncryptedString, keyed by a passphrase run through
// argon2id rather than a raw 32-byte secret, since the agent has no
// equivalent of the server's FLEETCTL_SECRET_KEY operator-provisioned key.
package credstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"go.etcd.io/bbolt"
	"golang.org/x/crypto/argon2"
)

// ErrNotFound is returned by Get when no value is stored under the given key.
var ErrNotFound = errors.New("credstore: credential not found")

var bucketName = []byte("credentials")

// argon2 parameters for deriving the AES-256 key from a passphrase: one
// pass over 64 MiB with 4 lanes, producing a 32-byte key.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // 64 MiB
	argonThreads = 4
	argonKeyLen  = 32
)

// Store is the credential persistence interface the authsession package
// depends on for the agent's bearer token, refresh token, and shared
// secret. Get returns ErrNotFound when the key has never been set.
type Store interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Delete(key string) error
	Close() error
}

// FileStore is the cross-platform Store backend: an AES-256-GCM encrypted
// value per key, indexed in a local bbolt database. It is the fallback used
// on any OS without a wired keychain backend (every OS but darwin), and on
// darwin when the security CLI cannot be found.
type FileStore struct {
	db  *bbolt.DB
	key []byte
}

// Open creates or opens the bbolt-backed credential store at path, deriving
// the encryption key from passphrase and salt via argon2id. salt should be a
// value stable across restarts for the same agent (e.g. the agent ID) but
// need not be secret — the passphrase carries the actual entropy.
func Open(path string, passphrase, salt []byte) (*FileStore, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("credstore: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("credstore: init bucket: %w", err)
	}

	key := argon2.IDKey(passphrase, salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	return &FileStore{db: db, key: key}, nil
}

// Get returns the decrypted value stored under key, or ErrNotFound.
func (s *FileStore) Get(key string) (string, error) {
	var raw []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketName).Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		raw = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return "", err
	}

	plaintext, err := s.decrypt(raw)
	if err != nil {
		return "", fmt.Errorf("credstore: decrypt %q: %w", key, err)
	}
	return string(plaintext), nil
}

// Set encrypts value and stores it under key, overwriting any existing
// value.
func (s *FileStore) Set(key, value string) error {
	ciphertext, err := s.encrypt([]byte(value))
	if err != nil {
		return fmt.Errorf("credstore: encrypt %q: %w", key, err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(key), ciphertext)
	})
}

// Delete removes the value stored under key. Deleting a key that was never
// set is not an error.
func (s *FileStore) Delete(key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Delete([]byte(key))
	})
}

// Close releases the underlying bbolt database file.
func (s *FileStore) Close() error {
	return s.db.Close()
}

func (s *FileStore) encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, fmt.Errorf("new AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	encoded := make([]byte, base64.StdEncoding.EncodedLen(len(sealed)))
	base64.StdEncoding.Encode(encoded, sealed)
	return encoded, nil
}

func (s *FileStore) decrypt(encoded []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, fmt.Errorf("new AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new GCM: %w", err)
	}

	data := make([]byte, base64.StdEncoding.DecodedLen(len(encoded)))
	n, err := base64.StdEncoding.Decode(data, encoded)
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	data = data[:n]

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, errors.New("encrypted data too short to contain nonce")
	}
	nonce, ciphertext := data[:nonceSize], data[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

// Well-known credential keys used by the authsession package.
const (
	KeyBearerToken  = "bearer_token"
	KeyRefreshToken = "refresh_token"
	KeySharedSecret = "shared_secret"
)
