package secrets

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// SecretLength is the raw byte length of every managed secret.
const SecretLength = 32

// ErrMalformedSecret marks a secret value that exists but cannot be used:
// not hex, or the wrong length. This is a deployment error; it is never
// silently replaced with a generated value.
var ErrMalformedSecret = errors.New("malformed secret value")

// Source records where a secret was resolved from.
type Source string

const (
	SourceEnv       Source = "env"
	SourceFile      Source = "file"
	SourceGenerated Source = "generated"
)

// Store resolves named secrets in order: environment variable, persisted
// file, generate-and-persist. Resolved values are cached so every caller of
// the same name sees the same bytes for the process lifetime.
type Store struct {
	dir    string
	logger *zap.Logger

	mu    sync.Mutex
	cache map[string][]byte
}

func NewStore(dir string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		dir:    dir,
		logger: logger,
		cache:  make(map[string][]byte),
	}
}

// GetOrCreateSecret returns the raw bytes for a logical secret name.
func (s *Store) GetOrCreateSecret(name string) ([]byte, error) {
	if name == "" {
		return nil, fmt.Errorf("secret name is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if value, ok := s.cache[name]; ok {
		return value, nil
	}

	value, source, err := s.resolve(name)
	if err != nil {
		return nil, err
	}

	s.cache[name] = value
	s.logger.Info("secret resolved",
		zap.String("name", name),
		zap.String("source", string(source)),
	)
	return value, nil
}

func (s *Store) resolve(name string) ([]byte, Source, error) {
	envName := EnvVarName(name)
	if raw, ok := os.LookupEnv(envName); ok {
		value, err := decodeHexSecret(raw)
		if err != nil {
			return nil, "", fmt.Errorf("env %s: %w", envName, err)
		}
		return value, SourceEnv, nil
	}

	path := s.filePath(name)
	if raw, err := os.ReadFile(path); err == nil {
		value, decodeErr := decodeHexSecret(strings.TrimSpace(string(raw)))
		if decodeErr != nil {
			return nil, "", fmt.Errorf("file %s: %w", path, decodeErr)
		}
		return value, SourceFile, nil
	} else if !os.IsNotExist(err) {
		return nil, "", fmt.Errorf("failed to read secret file %s: %w", path, err)
	}

	value := make([]byte, SecretLength)
	if _, err := rand.Read(value); err != nil {
		return nil, "", fmt.Errorf("failed to generate secret: %w", err)
	}
	if err := s.persist(path, value); err != nil {
		return nil, "", err
	}
	return value, SourceGenerated, nil
}

func (s *Store) persist(path string, value []byte) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("failed to create secrets directory: %w", err)
	}
	encoded := hex.EncodeToString(value)
	if err := os.WriteFile(path, []byte(encoded), 0o600); err != nil {
		return fmt.Errorf("failed to persist secret: %w", err)
	}
	return nil
}

func (s *Store) filePath(name string) string {
	return filepath.Join(s.dir, name+".key")
}

// EnvVarName maps a logical secret name to its environment variable:
// upper-cased, with any non-alphanumeric run collapsed to an underscore.
func EnvVarName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(name) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func decodeHexSecret(raw string) ([]byte, error) {
	value, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: not valid hex", ErrMalformedSecret)
	}
	if len(value) != SecretLength {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrMalformedSecret, SecretLength, len(value))
	}
	return value, nil
}
