package secrets

import (
	"bytes"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestGetOrCreateSecretFromEnv(t *testing.T) {
	raw := strings.Repeat("ab", SecretLength)
	t.Setenv("AUDIT_HMAC_KEY", raw)

	store := NewStore(t.TempDir(), nil)
	value, err := store.GetOrCreateSecret("audit_hmac_key")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	want, _ := hex.DecodeString(raw)
	if !bytes.Equal(value, want) {
		t.Errorf("value mismatch: got %x, want %x", value, want)
	}
}

func TestGetOrCreateSecretMalformedEnv(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not hex", strings.Repeat("zz", SecretLength)},
		{"too short", "abcd"},
		{"too long", strings.Repeat("ab", SecretLength+1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("BAD_SECRET", tt.raw)

			store := NewStore(t.TempDir(), nil)
			_, err := store.GetOrCreateSecret("bad_secret")
			if !errors.Is(err, ErrMalformedSecret) {
				t.Errorf("expected ErrMalformedSecret, got %v", err)
			}
		})
	}
}

func TestGetOrCreateSecretFromFile(t *testing.T) {
	dir := t.TempDir()
	raw := strings.Repeat("cd", SecretLength)
	if err := os.WriteFile(filepath.Join(dir, "signing.key"), []byte(raw+"\n"), 0o600); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	store := NewStore(dir, nil)
	value, err := store.GetOrCreateSecret("signing")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	want, _ := hex.DecodeString(raw)
	if !bytes.Equal(value, want) {
		t.Errorf("value mismatch: got %x, want %x", value, want)
	}
}

func TestGetOrCreateSecretMalformedFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "signing.key"), []byte("not hex at all"), 0o600); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	store := NewStore(dir, nil)
	if _, err := store.GetOrCreateSecret("signing"); !errors.Is(err, ErrMalformedSecret) {
		t.Errorf("expected ErrMalformedSecret, got %v", err)
	}

	// The malformed file must survive untouched for the operator to inspect.
	data, err := os.ReadFile(filepath.Join(dir, "signing.key"))
	if err != nil {
		t.Fatalf("read back failed: %v", err)
	}
	if string(data) != "not hex at all" {
		t.Errorf("malformed file was rewritten: %q", data)
	}
}

func TestGetOrCreateSecretGenerates(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir, nil)

	value, err := store.GetOrCreateSecret("fresh")
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if len(value) != SecretLength {
		t.Errorf("generated %d bytes, want %d", len(value), SecretLength)
	}

	path := filepath.Join(dir, "fresh.key")
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("secret file not persisted: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("secret file mode %o, want 0600", info.Mode().Perm())
	}

	// A second store over the same dir resolves the persisted value.
	again, err := NewStore(dir, nil).GetOrCreateSecret("fresh")
	if err != nil {
		t.Fatalf("re-resolve failed: %v", err)
	}
	if !bytes.Equal(again, value) {
		t.Error("persisted value does not round-trip")
	}
}

func TestGetOrCreateSecretCached(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir, nil)

	first, err := store.GetOrCreateSecret("cached")
	if err != nil {
		t.Fatalf("first resolve failed: %v", err)
	}

	// Remove the backing file; the cache must still answer.
	if err := os.Remove(filepath.Join(dir, "cached.key")); err != nil {
		t.Fatalf("remove failed: %v", err)
	}

	second, err := store.GetOrCreateSecret("cached")
	if err != nil {
		t.Fatalf("cached resolve failed: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Error("cached value differs from first resolution")
	}
}

func TestEnvVarName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"audit_hmac_key", "AUDIT_HMAC_KEY"},
		{"signing-key", "SIGNING_KEY"},
		{"a.b c", "A_B_C"},
		{"simple", "SIMPLE"},
	}
	for _, tt := range tests {
		if got := EnvVarName(tt.in); got != tt.want {
			t.Errorf("EnvVarName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestGetOrCreateSecretRequiresName(t *testing.T) {
	store := NewStore(t.TempDir(), nil)
	if _, err := store.GetOrCreateSecret(""); err == nil {
		t.Error("expected error for empty name")
	}
}
