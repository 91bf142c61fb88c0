// Package wallet seals the gateway's default-wallet key on disk and unlocks
// it into process memory at startup when the unlock password is present.
package wallet

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/scrypt"
)

// ErrNoKeyFile reports that no sealed key exists at the given path.
var ErrNoKeyFile = errors.New("wallet: no sealed key file")

// scrypt parameters; bumping them requires re-sealing existing key files.
const (
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

type envelope struct {
	Version int    `json:"version"`
	Salt    []byte `json:"salt"`
	Nonce   []byte `json:"nonce"`
	Sealed  []byte `json:"sealed"`
}

// Seal encrypts key with a password-derived cipher and writes it to path.
func Seal(path, password string, key []byte) error {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return err
	}
	gcm, err := aead(password, salt)
	if err != nil {
		return err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	env := envelope{
		Version: 1,
		Salt:    salt,
		Nonce:   nonce,
		Sealed:  gcm.Seal(nil, nonce, key, nil),
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// Unlock reads the sealed key file and decrypts it with the password.
func Unlock(path, password string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoKeyFile
		}
		return nil, err
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("wallet: malformed key file: %w", err)
	}
	gcm, err := aead(password, env.Salt)
	if err != nil {
		return nil, err
	}
	if len(env.Nonce) != gcm.NonceSize() {
		return nil, errors.New("wallet: malformed key file")
	}
	key, err := gcm.Open(nil, env.Nonce, env.Sealed, nil)
	if err != nil {
		return nil, errors.New("wallet: wrong password or corrupt key file")
	}
	return key, nil
}

func aead(password string, salt []byte) (cipher.AEAD, error) {
	derived, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, 32)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
