package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/google/uuid"

	"lanshare/crypto"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "lanshare"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "LANSHARE_DATA_DIR"
	// DefaultListeningPort is the well-known TCP port peers listen on.
	DefaultListeningPort = 1128
	// DefaultLogLevel is used when the config carries none.
	DefaultLogLevel = "info"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
	// filesDirName is the default directory received files are written to.
	filesDirName = "files"
)

// DeviceConfig contains persistent local-device settings.
type DeviceConfig struct {
	DeviceID       string `json:"device_id"`
	DeviceName     string `json:"device_name"`
	ListeningPort  int    `json:"listening_port"`
	FilesDir       string `json:"files_dir"`
	FastMode       bool   `json:"fast_mode"`
	QRTrust        bool   `json:"qr_trust"`
	PINHash        string `json:"pin_hash,omitempty"`
	PINSalt        string `json:"pin_salt,omitempty"`
	MetricsAddress string `json:"metrics_address,omitempty"`
	LogLevel       string `json:"log_level"`
}

// PINConfigured reports whether a network PIN is set.
func (c *DeviceConfig) PINConfigured() bool {
	return c.PINHash != "" && c.PINSalt != ""
}

// SetPIN stores a salted digest of pin.
func (c *DeviceConfig) SetPIN(pin int) error {
	salt, err := crypto.NewSalt()
	if err != nil {
		return err
	}
	hash, err := crypto.HashPIN(pin, salt)
	if err != nil {
		return err
	}
	c.PINSalt = salt
	c.PINHash = hash
	return nil
}

// ClearPIN revokes the network PIN.
func (c *DeviceConfig) ClearPIN() {
	c.PINSalt = ""
	c.PINHash = ""
}

// MatchPIN reports whether pin equals the configured network PIN.
func (c *DeviceConfig) MatchPIN(pin int) bool {
	return crypto.VerifyPIN(pin, c.PINSalt, c.PINHash)
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If LANSHARE_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, filesDirName),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *DeviceConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns both.
func LoadOrCreate() (*DeviceConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

func defaultConfig(dataDir string) *DeviceConfig {
	return &DeviceConfig{
		DeviceID:      uuid.NewString(),
		DeviceName:    defaultDeviceName(),
		ListeningPort: DefaultListeningPort,
		FilesDir:      filepath.Join(dataDir, filesDirName),
		LogLevel:      DefaultLogLevel,
	}
}

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "LAN Share Device"
}

func normalizeDefaults(cfg *DeviceConfig, dataDir string) bool {
	updated := false

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		updated = true
	}

	if strings.TrimSpace(cfg.DeviceName) == "" {
		cfg.DeviceName = defaultDeviceName()
		updated = true
	}

	if cfg.ListeningPort <= 0 || cfg.ListeningPort > 65535 {
		cfg.ListeningPort = DefaultListeningPort
		updated = true
	}

	if cfg.FilesDir == "" {
		cfg.FilesDir = filepath.Join(dataDir, filesDirName)
		updated = true
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
		updated = true
	}

	// A half-written PIN can never verify; drop it.
	if (cfg.PINHash == "") != (cfg.PINSalt == "") {
		cfg.ClearPIN()
		updated = true
	}

	return updated
}
