// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/tombee/cascade/pkg/errors"
)

// minPassphraseLen is the shortest accepted encryption passphrase.
const minPassphraseLen = 16

// hkdfInfo binds derived keys to this use so the same passphrase elsewhere
// yields a different key.
const hkdfInfo = "cascade/store/run-inputs/v1"

// Cipher encrypts individual secret input values with AES-256-GCM under a
// key derived from the configured passphrase via HKDF-SHA256.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives the AES key from the passphrase. Passphrases shorter
// than 16 bytes are rejected.
func NewCipher(passphrase string) (*Cipher, error) {
	if len(passphrase) < minPassphraseLen {
		return nil, &errors.SecurityError{
			Policy: errors.PolicyWeakKey,
			Detail: fmt.Sprintf("encryption key must be at least %d bytes", minPassphraseLen),
		}
	}

	key := make([]byte, 32)
	reader := hkdf.New(sha256.New, []byte(passphrase), nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// EncryptValue seals one value into the storage envelope. A fresh random
// nonce per value makes equal plaintexts produce distinct ciphertexts.
func (c *Cipher) EncryptValue(value interface{}) (map[string]interface{}, error) {
	plaintext, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshal secret value: %w", err)
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	sealed := c.aead.Seal(nonce, nonce, plaintext, nil)
	return map[string]interface{}{
		"encrypted": true,
		"data":      base64.StdEncoding.EncodeToString(sealed),
	}, nil
}

// DecryptValue opens a storage envelope back to the original value.
func (c *Cipher) DecryptValue(envelope map[string]interface{}) (interface{}, error) {
	data, ok := envelope["data"].(string)
	if !ok {
		return nil, &errors.PersistenceError{
			Op:    "decrypt",
			Cause: fmt.Errorf("envelope has no data field"),
		}
	}

	sealed, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, &errors.PersistenceError{Op: "decrypt", Cause: err}
	}
	if len(sealed) < c.aead.NonceSize() {
		return nil, &errors.PersistenceError{
			Op:    "decrypt",
			Cause: fmt.Errorf("ciphertext shorter than nonce"),
		}
	}

	nonce, ciphertext := sealed[:c.aead.NonceSize()], sealed[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, &errors.PersistenceError{Op: "decrypt", Cause: err}
	}

	var value interface{}
	if err := json.Unmarshal(plaintext, &value); err != nil {
		return nil, &errors.PersistenceError{Op: "decrypt", Cause: err}
	}
	return value, nil
}

// IsEnvelope reports whether a stored value is an encryption envelope.
func IsEnvelope(value interface{}) bool {
	m, ok := value.(map[string]interface{})
	if !ok {
		return false
	}
	enc, ok := m["encrypted"].(bool)
	return ok && enc
}

// EncryptInputs returns a copy of inputs with every entry named in secrets
// replaced by its envelope. A nil cipher passes the map through unchanged.
func (c *Cipher) EncryptInputs(inputs map[string]interface{}, secrets []string) (map[string]interface{}, error) {
	if c == nil || len(secrets) == 0 {
		return inputs, nil
	}

	secretSet := make(map[string]bool, len(secrets))
	for _, name := range secrets {
		secretSet[name] = true
	}

	out := make(map[string]interface{}, len(inputs))
	for name, value := range inputs {
		if secretSet[name] && !IsEnvelope(value) {
			envelope, err := c.EncryptValue(value)
			if err != nil {
				return nil, err
			}
			out[name] = envelope
			continue
		}
		out[name] = value
	}
	return out, nil
}

// DecryptInputs reverses EncryptInputs on load.
func (c *Cipher) DecryptInputs(inputs map[string]interface{}) (map[string]interface{}, error) {
	if c == nil {
		return inputs, nil
	}

	out := make(map[string]interface{}, len(inputs))
	for name, value := range inputs {
		if IsEnvelope(value) {
			m := value.(map[string]interface{})
			plain, err := c.DecryptValue(m)
			if err != nil {
				return nil, err
			}
			out[name] = plain
			continue
		}
		out[name] = value
	}
	return out, nil
}
