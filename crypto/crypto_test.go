package crypto

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func testKey(b byte) string {
	return base64.StdEncoding.EncodeToString([]byte(strings.Repeat(string(rune(b)), 32)))
}

func TestNewAESEncryptor(t *testing.T) {
	tests := []struct {
		name        string
		key         string
		errContains string
	}{
		{"valid key", testKey('a'), ""},
		{"empty key", "", "empty"},
		{"not base64", "%%%", "base64"},
		{"short key", base64.StdEncoding.EncodeToString([]byte("short")), "32 bytes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewAESEncryptor(tt.key)
			if tt.errContains == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.errContains) {
				t.Fatalf("error = %v, want containing %q", err, tt.errContains)
			}
		})
	}
}

func TestEncryptStringRoundTrip(t *testing.T) {
	enc, err := NewAESEncryptor(testKey('k'))
	if err != nil {
		t.Fatal(err)
	}
	for _, secret := range []string{"client-secret", "bearer 12345", "ünïcødé ✓"} {
		sealed, err := EncryptString(enc, secret)
		if err != nil {
			t.Fatalf("EncryptString(%q): %v", secret, err)
		}
		if sealed == secret {
			t.Fatalf("ciphertext equals plaintext")
		}
		opened, err := DecryptString(enc, sealed)
		if err != nil {
			t.Fatalf("DecryptString: %v", err)
		}
		if opened != secret {
			t.Errorf("round trip = %q, want %q", opened, secret)
		}
	}
}

func TestEncryptUsesFreshNonce(t *testing.T) {
	enc, _ := NewAESEncryptor(testKey('n'))
	a, _ := EncryptString(enc, "same")
	b, _ := EncryptString(enc, "same")
	if a == b {
		t.Error("two encryptions of the same plaintext must differ")
	}
}

func TestEmptyStringPassthrough(t *testing.T) {
	enc, _ := NewAESEncryptor(testKey('e'))
	if s, err := EncryptString(enc, ""); err != nil || s != "" {
		t.Errorf("EncryptString(\"\") = %q, %v", s, err)
	}
	if s, err := DecryptString(enc, ""); err != nil || s != "" {
		t.Errorf("DecryptString(\"\") = %q, %v", s, err)
	}
}

func TestDecryptRejectsTamperedOrForeignCiphertext(t *testing.T) {
	enc, _ := NewAESEncryptor(testKey('a'))
	other, _ := NewAESEncryptor(testKey('b'))

	sealed, _ := enc.Encrypt([]byte("secret"))
	tampered := append([]byte(nil), sealed...)
	tampered[len(tampered)-1] ^= 0xff

	if _, err := enc.Decrypt(tampered); err == nil {
		t.Error("expected error for tampered ciphertext")
	}
	if _, err := other.Decrypt(sealed); err == nil {
		t.Error("expected error decrypting with the wrong key")
	}
	if _, err := enc.Decrypt([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for short ciphertext")
	}
	if _, err := DecryptString(enc, "not base64!"); err == nil {
		t.Error("expected error for invalid base64")
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("ENCRYPTION_KEY", "")
	if _, err := FromEnv(); !errors.Is(err, ErrNoKey) {
		t.Errorf("FromEnv() error = %v, want ErrNoKey", err)
	}
	t.Setenv("ENCRYPTION_KEY", testKey('z'))
	if _, err := FromEnv(); err != nil {
		t.Errorf("FromEnv() error = %v", err)
	}
}
