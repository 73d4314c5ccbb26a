package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

const (
	IVSize  = 12
	TagSize = 16
)

var ErrUnknownKey = errors.New("unknown key id")

// Sealed is one encrypted value. Ciphertext carries the GCM tag as its last
// TagSize bytes.
type Sealed struct {
	KeyID      string
	IV         []byte
	Ciphertext []byte
}

type Manager struct {
	currentKeyID string
	keys         map[string]cipher.AEAD
}

func NewManager(currentKeyID string, keys map[string][]byte) (*Manager, error) {
	if currentKeyID == "" {
		return nil, fmt.Errorf("current key id is empty")
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("keys map is empty")
	}
	if _, ok := keys[currentKeyID]; !ok {
		return nil, fmt.Errorf("current key id %q not found", currentKeyID)
	}
	aeads := make(map[string]cipher.AEAD, len(keys))
	for id, key := range keys {
		if len(key) != 32 {
			return nil, fmt.Errorf("key %q must be 32 bytes", id)
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("new cipher %q: %w", id, err)
		}
		aead, err := cipher.NewGCMWithNonceSize(block, IVSize)
		if err != nil {
			return nil, fmt.Errorf("new gcm %q: %w", id, err)
		}
		aeads[id] = aead
	}
	return &Manager{currentKeyID: currentKeyID, keys: aeads}, nil
}

func (m *Manager) CurrentKeyID() string {
	return m.currentKeyID
}

// Seal encrypts plaintext under the current key with a fresh random IV.
// aad binds the ciphertext to its owner; Open must be given the same value.
func (m *Manager) Seal(plaintext, aad []byte) (Sealed, error) {
	aead := m.keys[m.currentKeyID]
	iv := make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return Sealed{}, fmt.Errorf("iv: %w", err)
	}
	return Sealed{
		KeyID:      m.currentKeyID,
		IV:         iv,
		Ciphertext: aead.Seal(nil, iv, plaintext, aad),
	}, nil
}

func (m *Manager) Open(s Sealed, aad []byte) ([]byte, error) {
	aead, ok := m.keys[s.KeyID]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownKey, s.KeyID)
	}
	if len(s.IV) != IVSize {
		return nil, fmt.Errorf("iv must be %d bytes, got %d", IVSize, len(s.IV))
	}
	if len(s.Ciphertext) < TagSize {
		return nil, fmt.Errorf("ciphertext shorter than tag")
	}
	plaintext, err := aead.Open(nil, s.IV, s.Ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

// Reseal re-encrypts s under the current key. Values already on the current
// key are returned unchanged.
func (m *Manager) Reseal(s Sealed, aad []byte) (Sealed, error) {
	if s.KeyID == m.currentKeyID {
		return s, nil
	}
	plain, err := m.Open(s, aad)
	if err != nil {
		return Sealed{}, err
	}
	return m.Seal(plain, aad)
}
