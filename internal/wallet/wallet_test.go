package wallet

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
)

func TestSealUnlockRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wallet.key")
	key := []byte("0123456789abcdef0123456789abcdef")

	if err := Seal(path, "hunter2", key); err != nil {
		t.Fatalf("seal: %v", err)
	}
	got, err := Unlock(path, "hunter2")
	if err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if !bytes.Equal(got, key) {
		t.Fatalf("unlocked key = %x, want %x", got, key)
	}
}

func TestUnlockWrongPassword(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wallet.key")
	if err := Seal(path, "correct", []byte("secret-key-material")); err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := Unlock(path, "wrong"); err == nil {
		t.Fatal("unlock with wrong password must fail")
	}
}

func TestUnlockMissingFile(t *testing.T) {
	_, err := Unlock(filepath.Join(t.TempDir(), "absent.key"), "pw")
	if !errors.Is(err, ErrNoKeyFile) {
		t.Fatalf("err = %v, want ErrNoKeyFile", err)
	}
}
