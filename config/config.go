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
	"github.com/tidwall/jsonc"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "monkeykit"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "MONKEYKIT_DATA_DIR"
	// DefaultDomain is the production server.
	DefaultDomain = "secure.monkey.sh"
	// DefaultStageDomain is the server used in debug mode.
	DefaultStageDomain = "stage.monkey.sh"
	// DefaultKeyPrefix namespaces peer keys in the store.
	DefaultKeyPrefix = "monkey_key_"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// ClientConfig contains persistent client settings. The file may carry
// comments and trailing commas.
type ClientConfig struct {
	InstallID string `json:"install_id"`

	AppKey    string `json:"app_key"`
	AppSecret string `json:"app_secret"`

	Domain      string `json:"domain"`
	StageDomain string `json:"stage_domain"`
	Debug       bool   `json:"debug"`

	AutoSync      bool `json:"auto_sync"`
	AutoSave      bool `json:"auto_save"`
	ExpireSession bool `json:"expire_session"`

	KeyPrefix string `json:"key_prefix"`

	// User is the profile sent when a new identity is created. A
	// "monkeyId" entry resumes that identity.
	User map[string]any `json:"user,omitempty"`
}

// HasCredentials reports whether both app key and secret are set.
func (c *ClientConfig) HasCredentials() bool {
	return strings.TrimSpace(c.AppKey) != "" && strings.TrimSpace(c.AppSecret) != ""
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If MONKEYKIT_DATA_DIR is set, its value is used as an explicit override.
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

// EnsureDataDirectories creates the app data directory if needed.
func EnsureDataDirectories(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("create directory %q: %w", dataDir, err)
	}
	return nil
}

// Load reads config.json from disk.
func Load(path string) (*ClientConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg ClientConfig
	if err := json.Unmarshal(jsonc.ToJSON(raw), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *ClientConfig) error {
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

// LoadOrCreate ensures the data directory and config exist, then returns
// the config, its path and the data directory.
func LoadOrCreate() (*ClientConfig, string, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", "", err
		}

		cfg = defaultConfig()
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", "", err
		}

		return cfg, cfgPath, dataDir, nil
	}

	if normalizeDefaults(cfg) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", "", err
		}
	}

	return cfg, cfgPath, dataDir, nil
}

func defaultConfig() *ClientConfig {
	return &ClientConfig{
		InstallID:   uuid.NewString(),
		Domain:      DefaultDomain,
		StageDomain: DefaultStageDomain,
		AutoSync:    true,
		AutoSave:    true,
		KeyPrefix:   DefaultKeyPrefix,
	}
}

func normalizeDefaults(cfg *ClientConfig) bool {
	updated := false

	if cfg.InstallID == "" {
		cfg.InstallID = uuid.NewString()
		updated = true
	}

	domain := normalizeDomain(cfg.Domain)
	if domain == "" {
		domain = DefaultDomain
	}
	if cfg.Domain != domain {
		cfg.Domain = domain
		updated = true
	}

	stage := normalizeDomain(cfg.StageDomain)
	if stage == "" {
		stage = DefaultStageDomain
	}
	if cfg.StageDomain != stage {
		cfg.StageDomain = stage
		updated = true
	}

	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
		updated = true
	}

	return updated
}

// normalizeDomain strips a scheme and trailing slashes so the value can be
// combined with either transport.
func normalizeDomain(domain string) string {
	domain = strings.TrimSpace(domain)
	for _, scheme := range []string{"https://", "http://", "wss://", "ws://"} {
		domain = strings.TrimPrefix(domain, scheme)
	}
	return strings.TrimRight(domain, "/")
}
