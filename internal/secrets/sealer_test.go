package secrets

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"

	"chime/internal/storage"
)

func TestSealOpen(t *testing.T) {
	s, err := NewSealer("k1", map[string][]byte{"k1": mustKey(t, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")})
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}

	raw, err := s.SealString("sk-deepseek")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	out, err := s.OpenString(raw)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if out != "sk-deepseek" {
		t.Fatalf("expected original key, got %q", out)
	}
}

func TestResealAfterRotation(t *testing.T) {
	oldKey := mustKey(t, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")
	newKey := mustKey(t, "AQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQE=")

	oldSealer, err := NewSealer("old", map[string][]byte{"old": oldKey})
	if err != nil {
		t.Fatalf("old sealer: %v", err)
	}
	legacy, err := oldSealer.SealString("legacy")
	if err != nil {
		t.Fatalf("old seal: %v", err)
	}

	rotated, err := NewSealer("new", map[string][]byte{"old": oldKey, "new": newKey})
	if err != nil {
		t.Fatalf("rotated sealer: %v", err)
	}
	resealed, err := rotated.Reseal(legacy)
	if err != nil {
		t.Fatalf("reseal: %v", err)
	}

	newOnly, err := NewSealer("new", map[string][]byte{"new": newKey})
	if err != nil {
		t.Fatalf("new-only sealer: %v", err)
	}
	plain, err := newOnly.OpenString(resealed)
	if err != nil {
		t.Fatalf("open resealed with new key only: %v", err)
	}
	if plain != "legacy" {
		t.Fatalf("unexpected plaintext %q", plain)
	}
}

type fakeSource map[string]string

func (f fakeSource) ActiveSealedKey(_ context.Context, providerType string) (string, error) {
	v, ok := f[providerType]
	if !ok {
		return "", storage.ErrNotFound
	}
	return v, nil
}

func TestKeyStoreActiveKeyFor(t *testing.T) {
	s, err := NewSealer("k1", map[string][]byte{"k1": mustKey(t, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")})
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}
	sealed, err := s.SealString("sk-or")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	ks := NewKeyStore(fakeSource{"openrouter": sealed}, s)

	key, err := ks.ActiveKeyFor(context.Background(), "OpenRouter")
	if err != nil {
		t.Fatalf("active key: %v", err)
	}
	if key != "sk-or" {
		t.Fatalf("unexpected key %q", key)
	}

	if _, err := ks.ActiveKeyFor(context.Background(), "deepseek"); !errors.Is(err, ErrNoActiveKey) {
		t.Fatalf("expected ErrNoActiveKey, got %v", err)
	}
}

func mustKey(t *testing.T, b64 string) []byte {
	t.Helper()
	k, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		t.Fatalf("decode key: %v", err)
	}
	if len(k) != 32 {
		t.Fatalf("expected 32-byte key, got %d", len(k))
	}
	return k
}
