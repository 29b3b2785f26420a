// Package security handles credential storage and disposal.
package security

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"

	"github.com/zalando/go-keyring"
)

// KeyringService is the service name for keyring entries.
const KeyringService = "deskremote"

// KeyringStore saves host passwords in the OS keyring (macOS Keychain,
// Linux Secret Service, Windows Credential Manager). When no keyring
// is reachable the store disables itself and callers fall back to
// prompting.
type KeyringStore struct {
	enabled bool
	mu      sync.RWMutex
}

// NewKeyringStore probes the system keyring with a throwaway entry and
// disables the store if the probe fails.
func NewKeyringStore() *KeyringStore {
	ks := &KeyringStore{enabled: true}

	testKey := "__deskremote_probe__"
	if err := keyring.Set(KeyringService, testKey, "probe"); err != nil {
		slog.Debug("keyring not available, passwords will not persist",
			slog.String("error", err.Error()),
		)
		ks.enabled = false
		return ks
	}
	_ = keyring.Delete(KeyringService, testKey)

	slog.Debug("keyring storage enabled")
	return ks
}

// IsEnabled reports whether the keyring is usable.
func (ks *KeyringStore) IsEnabled() bool {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.enabled
}

// SetEnabled turns keyring usage on or off.
func (ks *KeyringStore) SetEnabled(enabled bool) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.enabled = enabled
}

func hostKey(host, user string) string {
	return fmt.Sprintf("host:%s@%s", user, host)
}

// StoreHostPassword saves the login password for user@host.
func (ks *KeyringStore) StoreHostPassword(host, user string, password []byte) error {
	if !ks.IsEnabled() {
		return fmt.Errorf("keyring not available")
	}

	// base64 keeps arbitrary bytes safe in string-valued backends.
	encoded := base64.StdEncoding.EncodeToString(password)
	if err := keyring.Set(KeyringService, hostKey(host, user), encoded); err != nil {
		return fmt.Errorf("failed to store host password: %w", err)
	}

	slog.Debug("stored host password in keyring",
		slog.String("user", user),
		slog.String("host", host),
	)
	return nil
}

// GetHostPassword retrieves the login password for user@host. A missing
// entry returns (nil, nil).
func (ks *KeyringStore) GetHostPassword(host, user string) ([]byte, error) {
	if !ks.IsEnabled() {
		return nil, fmt.Errorf("keyring not available")
	}

	encoded, err := keyring.Get(KeyringService, hostKey(host, user))
	if err != nil {
		if err == keyring.ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get host password: %w", err)
	}

	password, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode host password: %w", err)
	}
	return password, nil
}

// DeleteHostPassword removes the entry for user@host. Deleting a
// missing entry is not an error.
func (ks *KeyringStore) DeleteHostPassword(host, user string) error {
	if !ks.IsEnabled() {
		return fmt.Errorf("keyring not available")
	}

	if err := keyring.Delete(KeyringService, hostKey(host, user)); err != nil {
		if err == keyring.ErrNotFound {
			return nil
		}
		return fmt.Errorf("failed to delete host password: %w", err)
	}
	return nil
}
