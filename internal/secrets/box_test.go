package secrets

import (
	"bytes"
	"errors"
	"testing"
)

const testKey = "0123456789abcdef0123456789abcdef"

func TestSealOpen(t *testing.T) {
	box, err := NewBox(testKey)
	if err != nil {
		t.Fatalf("NewBox: %v", err)
	}
	plain := []byte(`{"access_token":"abc"}`)
	sealed, err := box.Seal(plain)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if bytes.Contains(sealed, plain) {
		t.Fatalf("sealed value contains plaintext")
	}
	got, err := box.Open(sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Fatalf("Open = %q, want %q", got, plain)
	}
}

func TestOpenRejectsTamperingAndWrongKey(t *testing.T) {
	box, _ := NewBox(testKey)
	sealed, _ := box.Seal([]byte("secret"))

	tampered := append([]byte(nil), sealed...)
	tampered[len(tampered)-1] ^= 0xff
	if _, err := box.Open(tampered); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen for tampered value, got %v", err)
	}

	other, _ := NewBox(testKey + "x")
	if _, err := other.Open(sealed); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen for wrong key, got %v", err)
	}
	if _, err := box.Open([]byte("short")); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen for short value, got %v", err)
	}
}

func TestNewBoxRejectsShortKey(t *testing.T) {
	if _, err := NewBox("short"); err == nil {
		t.Fatalf("expected error for short key")
	}
}
