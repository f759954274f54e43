package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"chime/internal/storage"
)

var ErrNoActiveKey = errors.New("no active api key for provider")

type sealedKeySource interface {
	ActiveSealedKey(ctx context.Context, providerType string) (string, error)
}

// KeyStore resolves the plaintext API key for a provider type.
type KeyStore struct {
	source sealedKeySource
	sealer *Sealer
}

func NewKeyStore(source sealedKeySource, sealer *Sealer) *KeyStore {
	return &KeyStore{source: source, sealer: sealer}
}

func (k *KeyStore) ActiveKeyFor(ctx context.Context, providerType string) (string, error) {
	providerType = strings.ToLower(strings.TrimSpace(providerType))
	raw, err := k.source.ActiveSealedKey(ctx, providerType)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", fmt.Errorf("%w %q", ErrNoActiveKey, providerType)
		}
		return "", fmt.Errorf("load api key: %w", err)
	}
	key, err := k.sealer.OpenString(raw)
	if err != nil {
		return "", fmt.Errorf("open api key for %q: %w", providerType, err)
	}
	return key, nil
}
