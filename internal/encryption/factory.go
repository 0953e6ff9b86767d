package encryption

import (
	"fmt"

	"resticvfs/internal/config"
	"resticvfs/internal/vfs"
)

// NewKeyringFromConfig creates a Keyring based on the configuration type.
func NewKeyringFromConfig(cfg config.KeyringConfig) (vfs.Keyring, error) {
	switch cfg.Type {
	case "age", "":
		return NewAgeKeyring(cfg), nil
	case "test":
		return NewTestKeyring(), nil
	default:
		return nil, fmt.Errorf("unknown keyring type: %q", cfg.Type)
	}
}
