package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the main configuration for resticvfs.
type Config struct {
	BaseDir      string             `toml:"base_dir" validate:"required"`
	LogDir       string             `toml:"log_dir"`
	Log          LogConfig          `toml:"log"`
	Backend      BackendConfig      `toml:"backend"`
	Cache        CacheConfig        `toml:"cache"`
	Keyring      KeyringConfig      `toml:"keyring"`
	Repositories []RepositoryConfig `toml:"repositories" validate:"dive"`
}

// LogConfig controls the log file and its rotation.
type LogConfig struct {
	Level      string `toml:"level" validate:"omitempty,oneof=debug info warn error"`
	MaxSizeMB  int    `toml:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `toml:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `toml:"max_age_days" validate:"gte=0"`
}

// BackendConfig describes how the restic binary is run.
type BackendConfig struct {
	Binary          string   `toml:"binary"`
	MetadataTimeout Duration `toml:"metadata_timeout"`
	DataTimeout     Duration `toml:"data_timeout"`
	TempDir         string   `toml:"temp_dir,omitempty"`
}

// CacheConfig represents configuration for the directory listing cache.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type CacheConfig struct {
	Type          string   `toml:"type" validate:"required,oneof=sqlite badger memory none"`
	Dir           string   `toml:"dir,omitempty"` // only used for type=sqlite and type=badger
	MemoryEntries int      `toml:"memory_entries" validate:"gte=0"`
	MaxOpenStores int      `toml:"max_open_stores" validate:"gte=0"`
	SnapshotTTL   Duration `toml:"snapshot_ttl"`
}

// KeyringConfig holds paths to the age key pair that seals password files.
type KeyringConfig struct {
	Type           string `toml:"type" validate:"omitempty,oneof=age test"` // "age" (default) or "test"
	PublicKeyPath  string `toml:"public_key_path"`
	PrivateKeyPath string `toml:"private_key_path"`
}

// RepositoryConfig names one restic repository.
type RepositoryConfig struct {
	Name     string `toml:"name" validate:"required,excludesall=/\\"`
	Location string `toml:"location" validate:"required"`

	// PasswordFile holds the repository password, either plain or sealed
	// with the keyring. Empty means prompt.
	PasswordFile string `toml:"password_file,omitempty"`
}

// Duration is a time.Duration written as a Go duration string.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// NewConfig creates a Config rooted at baseDir with default settings.
func NewConfig(baseDir string) *Config {
	return &Config{
		BaseDir: baseDir,
		LogDir:  filepath.Join(baseDir, "log"),
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Backend: BackendConfig{
			Binary:          "restic",
			MetadataTimeout: Duration(120 * time.Second),
			DataTimeout:     Duration(300 * time.Second),
		},
		Cache: CacheConfig{
			Type:          "sqlite",
			Dir:           filepath.Join(baseDir, "cache"),
			MemoryEntries: 32,
			MaxOpenStores: 16,
			SnapshotTTL:   Duration(5 * time.Minute),
		},
		Keyring: KeyringConfig{
			Type:           "age",
			PublicKeyPath:  filepath.Join(baseDir, "keys", "resticvfs.pub"),
			PrivateKeyPath: filepath.Join(baseDir, "keys", "resticvfs.key"),
		},
	}
}

// FindRepository returns the repository named name, or nil.
func (c *Config) FindRepository(name string) *RepositoryConfig {
	for i := range c.Repositories {
		if c.Repositories[i].Name == name {
			return &c.Repositories[i]
		}
	}
	return nil
}

// AddRepository appends repo. Names must be unique.
func (c *Config) AddRepository(repo RepositoryConfig) error {
	if c.FindRepository(repo.Name) != nil {
		return fmt.Errorf("repository %q already configured", repo.Name)
	}
	c.Repositories = append(c.Repositories, repo)
	return nil
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads and validates a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func writeToFile(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Write to a sibling file and rename so a failed write keeps the old config.
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing config file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing config file: %w", err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}
	if err := Validate(cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}

// Update reads the config at path, applies fn and writes the result back
// if it still validates.
func Update(path string, fn func(*Config) error) error {
	cfg, err := ReadFromFile(path)
	if err != nil {
		return err
	}
	if err := fn(cfg); err != nil {
		return err
	}
	if err := Validate(cfg); err != nil {
		return fmt.Errorf("updating config: %w", err)
	}
	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("updating config: %w", err)
	}
	return nil
}
