package credential

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/99designs/keyring"

	"github.com/agentworkforce/disputesync/internal/canonical"
)

// Vault keeps secret bundles encrypted at rest. Bundles returned by Load
// are fresh copies owned by the caller, who should Wipe them after use.
type Vault interface {
	Load(connectionID string) (canonical.SecretBundle, error)
	Save(connectionID string, bundle canonical.SecretBundle) error
	Delete(connectionID string) error
}

type VaultConfig struct {
	Backend     string `mapstructure:"backend"`
	ServiceName string `mapstructure:"service_name"`
	FileDir     string `mapstructure:"file_dir"`
	PasswordEnv string `mapstructure:"password_env"`
}

// KeyringVault stores each bundle as one keyring item.
type KeyringVault struct {
	mu   sync.Mutex
	ring keyring.Keyring
}

// OpenKeyring opens the configured keyring backend. "memory" is an
// in-process keyring for tests and local runs.
func OpenKeyring(cfg VaultConfig) (*KeyringVault, error) {
	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	if backend == "memory" {
		return NewKeyringVault(keyring.NewArrayKeyring(nil)), nil
	}
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "disputesync"
	}
	fileDir := cfg.FileDir
	if fileDir == "" {
		fileDir = "~/.config/disputesync/vault"
	}
	passwordEnv := cfg.PasswordEnv
	if passwordEnv == "" {
		passwordEnv = "DISPUTESYNC_VAULT_PASSWORD"
	}
	allowed := []keyring.BackendType{
		keyring.KeychainBackend,
		keyring.SecretServiceBackend,
		keyring.WinCredBackend,
		keyring.PassBackend,
		keyring.FileBackend,
	}
	switch backend {
	case "", "auto":
	case "file":
		allowed = []keyring.BackendType{keyring.FileBackend}
	case "keychain":
		allowed = []keyring.BackendType{keyring.KeychainBackend}
	case "secret-service":
		allowed = []keyring.BackendType{keyring.SecretServiceBackend}
	case "pass":
		allowed = []keyring.BackendType{keyring.PassBackend}
	default:
		return nil, fmt.Errorf("unsupported vault backend %q", cfg.Backend)
	}
	ring, err := keyring.Open(keyring.Config{
		ServiceName:     serviceName,
		AllowedBackends: allowed,
		FileDir:         fileDir,
		FilePasswordFunc: func(string) (string, error) {
			password := os.Getenv(passwordEnv)
			if password == "" {
				return "", fmt.Errorf("%s is not set", passwordEnv)
			}
			return password, nil
		},
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return NewKeyringVault(ring), nil
}

func NewKeyringVault(ring keyring.Keyring) *KeyringVault {
	return &KeyringVault{ring: ring}
}

func (v *KeyringVault) Load(connectionID string) (canonical.SecretBundle, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	item, err := v.ring.Get(itemKey(connectionID))
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return nil, fmt.Errorf("secrets for connection %s: %w", connectionID, canonical.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting secrets for connection %s: %w", connectionID, err)
	}
	bundle := canonical.SecretBundle{}
	if err := json.Unmarshal(item.Data, &bundle); err != nil {
		return nil, fmt.Errorf("decoding secrets for connection %s: %w", connectionID, err)
	}
	return bundle, nil
}

func (v *KeyringVault) Save(connectionID string, bundle canonical.SecretBundle) error {
	data, err := json.Marshal(bundle)
	if err != nil {
		return err
	}
	defer wipe(data)
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.ring.Set(keyring.Item{
		Key:         itemKey(connectionID),
		Data:        append([]byte(nil), data...),
		Label:       "disputesync connection " + connectionID,
		Description: "disputesync connection secrets",
	}); err != nil {
		return fmt.Errorf("setting secrets for connection %s: %w", connectionID, err)
	}
	return nil
}

func (v *KeyringVault) Delete(connectionID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	err := v.ring.Remove(itemKey(connectionID))
	if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("deleting secrets for connection %s: %w", connectionID, err)
	}
	return nil
}

func itemKey(connectionID string) string {
	return "connection:" + connectionID
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
