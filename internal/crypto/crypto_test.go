package crypto

import (
	"encoding/hex"
	"errors"
	"testing"
)

func testKey(t *testing.T) string {
	t.Helper()
	// Fixed 32-byte key for deterministic tests.
	return hex.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
}

func TestSealOpen(t *testing.T) {
	c, err := NewCipher(testKey(t))
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}

	original := "keel_0123456789abcdefghijklmnopqrstuv"
	sealed, err := c.Seal(original, "team-1")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if sealed == original {
		t.Fatal("sealed text should differ from plaintext")
	}

	opened, err := c.Open(sealed, "team-1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if opened != original {
		t.Errorf("got %q, want %q", opened, original)
	}
}

func TestOpenWrongAssociatedData(t *testing.T) {
	c, err := NewCipher(testKey(t))
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}

	sealed, err := c.Seal("secret", "team-1")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := c.Open(sealed, "team-2"); err == nil {
		t.Error("opening with another team's associated data should fail")
	}
}

func TestSealIsRandomized(t *testing.T) {
	c, err := NewCipher(testKey(t))
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}

	s1, _ := c.Seal("same input", "a")
	s2, _ := c.Seal("same input", "a")
	if s1 == s2 {
		t.Error("two seals of the same plaintext should differ (random nonce)")
	}
}

func TestNilCipher(t *testing.T) {
	var c *Cipher

	if c.Enabled() {
		t.Error("nil cipher should report disabled")
	}
	if _, err := c.Seal("x", ""); !errors.Is(err, ErrDisabled) {
		t.Errorf("expected ErrDisabled from Seal, got %v", err)
	}
	if _, err := c.Open("x", ""); !errors.Is(err, ErrDisabled) {
		t.Errorf("expected ErrDisabled from Open, got %v", err)
	}
}

func TestNewCipherEmptyKey(t *testing.T) {
	c, err := NewCipher("")
	if err != nil {
		t.Fatalf("expected no error for empty key, got %v", err)
	}
	if c != nil {
		t.Error("expected nil cipher for empty key")
	}
}

func TestNewCipherInvalidKeys(t *testing.T) {
	tests := []struct {
		name string
		key  string
	}{
		{"not hex", "zzzz"},
		{"too short", hex.EncodeToString([]byte("short"))},
		{"too long", hex.EncodeToString(make([]byte, 48))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewCipher(tt.key); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestOpenTampered(t *testing.T) {
	c, err := NewCipher(testKey(t))
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	tests := []string{"not base64!!", "AAAA"}
	for _, in := range tests {
		if _, err := c.Open(in, ""); err == nil {
			t.Errorf("expected error opening %q", in)
		}
	}
}
