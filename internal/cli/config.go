package cli

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tailscale/hujson"

	"github.com/ariafm/aria/internal/crypto"
)

// Config holds all configuration options for opening a library and
// reaching the bucket it syncs through.
type Config struct {
	LibraryDir string `json:"library_dir"`
	Backend    string `json:"backend,omitempty"` // "local" or "s3"; empty defaults to "local"
	Bucket     string `json:"bucket,omitempty"`
	Endpoint   string `json:"endpoint,omitempty"`
	AccessKey  string `json:"access_key,omitempty"`
	SecretKey  string `json:"secret_key,omitempty"` //nolint:tagliatelle // matches bucket credential field naming
	UseSSL     bool   `json:"use_ssl,omitempty"`
	KeyHex     string `json:"key_hex,omitempty"`
}

// ConfigSources tracks which config files were loaded.
type ConfigSources struct {
	Global  string // Path to global config if loaded, empty otherwise
	Project string // Path to project config if loaded, empty otherwise
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		LibraryDir: ".aria",
		Backend:    "local",
	}
}

// ConfigFileName is the default project-local config file name.
const ConfigFileName = ".aria.json"

// LibraryDBName is the SQLite file name inside LibraryDir.
const LibraryDBName = "library.db"

// Key decodes KeyHex into the library's symmetric encryption key.
func (c Config) Key() (crypto.Key, error) {
	raw, err := hex.DecodeString(c.KeyHex)
	if err != nil {
		return crypto.Key{}, fmt.Errorf("%w: %w", errKeyInvalid, err)
	}

	if len(raw) != crypto.KeySize {
		return crypto.Key{}, fmt.Errorf("%w: want %d bytes, got %d", errKeyInvalid, crypto.KeySize, len(raw))
	}

	var key crypto.Key

	copy(key[:], raw)

	return key, nil
}

// getGlobalConfigPath returns the path to the global config file.
// Uses $XDG_CONFIG_HOME/aria/config.json if set, otherwise
// ~/.config/aria/config.json. Returns empty string if the home directory
// cannot be determined.
func getGlobalConfigPath(env []string) string {
	for _, e := range env {
		if after, ok := strings.CutPrefix(e, "XDG_CONFIG_HOME="); ok {
			return filepath.Join(after, "aria", "config.json")
		}
	}

	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "aria", "config.json")
	}

	home, err := os.UserHomeDir()
	if err == nil {
		return filepath.Join(home, ".config", "aria", "config.json")
	}

	return ""
}

// LoadConfig loads configuration with the following precedence (highest wins):
// 1. Defaults
// 2. Global user config (~/.config/aria/config.json or $XDG_CONFIG_HOME/aria/config.json)
// 3. Project config file: the explicit file at configPath if non-empty (it
// must exist), otherwise .aria.json in workDir if it exists; only one of
// the two is loaded
// 4. CLI override of the library directory (when hasLibraryDirOverride is set).
func LoadConfig(
	workDir, configPath string, cliOverrides Config, hasLibraryDirOverride bool, env []string,
) (Config, ConfigSources, error) {
	cfg := DefaultConfig()

	var sources ConfigSources

	globalCfg, globalPath, err := loadGlobalConfig(env)
	if err != nil {
		return Config{}, ConfigSources{}, err
	}

	sources.Global = globalPath
	cfg = mergeConfig(cfg, globalCfg)

	projectCfg, projectPath, err := loadProjectConfig(workDir, configPath)
	if err != nil {
		return Config{}, ConfigSources{}, err
	}

	sources.Project = projectPath
	cfg = mergeConfig(cfg, projectCfg)

	if hasLibraryDirOverride {
		cfg.LibraryDir = cliOverrides.LibraryDir
	}

	if validateErr := validateConfig(cfg); validateErr != nil {
		return Config{}, ConfigSources{}, validateErr
	}

	return cfg, sources, nil
}

func loadGlobalConfig(env []string) (Config, string, error) {
	globalCfgPath := getGlobalConfigPath(env)
	if globalCfgPath == "" {
		return Config{}, "", nil
	}

	globalCfg, explicitEmpty, loaded, err := loadConfigFile(globalCfgPath, false)
	if err != nil {
		return Config{}, "", err
	}

	if !loaded {
		return Config{}, "", nil
	}

	if explicitEmpty["library_dir"] {
		return Config{}, "", fmt.Errorf("%w %s: %w", errConfigInvalid, globalCfgPath, errLibraryDirEmpty)
	}

	return globalCfg, globalCfgPath, nil
}

func loadProjectConfig(workDir, configPath string) (Config, string, error) {
	var (
		cfgFile   string
		mustExist bool
	)

	if configPath != "" {
		cfgFile = configPath
		if !filepath.IsAbs(cfgFile) {
			cfgFile = filepath.Join(workDir, cfgFile)
		}

		mustExist = true

		if _, statErr := os.Stat(cfgFile); statErr != nil {
			return Config{}, "", fmt.Errorf("%w: %s", errConfigFileNotFound, configPath)
		}
	} else {
		cfgFile = filepath.Join(workDir, ConfigFileName)
		mustExist = false
	}

	fileCfg, explicitEmpty, loaded, err := loadConfigFile(cfgFile, mustExist)
	if err != nil {
		return Config{}, "", err
	}

	if !loaded {
		return Config{}, "", nil
	}

	if explicitEmpty["library_dir"] {
		return Config{}, "", fmt.Errorf("%w %s: %w", errConfigInvalid, cfgFile, errLibraryDirEmpty)
	}

	return fileCfg, cfgFile, nil
}

func loadConfigFile(path string, mustExist bool) (Config, map[string]bool, bool, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is intentionally user-controlled
	if err != nil {
		if os.IsNotExist(err) && !mustExist {
			return Config{}, nil, false, nil
		}

		if mustExist {
			return Config{}, nil, false, fmt.Errorf("%w: %s", errConfigFileRead, path)
		}

		return Config{}, nil, false, nil
	}

	cfg, explicitEmpty, parseErr := parseConfig(data)
	if parseErr != nil {
		return Config{}, nil, false, fmt.Errorf("%w %s: %w", errConfigInvalid, path, parseErr)
	}

	return cfg, explicitEmpty, true, nil
}

func parseConfig(data []byte) (Config, map[string]bool, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, nil, fmt.Errorf("invalid JSONC: %w", err)
	}

	var cfg Config

	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, nil, fmt.Errorf("invalid JSON: %w", err)
	}

	var raw map[string]any

	_ = json.Unmarshal(standardized, &raw)

	explicitEmpty := make(map[string]bool)

	if val, exists := raw["library_dir"]; exists {
		if str, ok := val.(string); ok && str == "" {
			explicitEmpty["library_dir"] = true
		}
	}

	return cfg, explicitEmpty, nil
}

func mergeConfig(base, overlay Config) Config {
	if overlay.LibraryDir != "" {
		base.LibraryDir = overlay.LibraryDir
	}

	if overlay.Backend != "" {
		base.Backend = overlay.Backend
	}

	if overlay.Bucket != "" {
		base.Bucket = overlay.Bucket
	}

	if overlay.Endpoint != "" {
		base.Endpoint = overlay.Endpoint
	}

	if overlay.AccessKey != "" {
		base.AccessKey = overlay.AccessKey
	}

	if overlay.SecretKey != "" {
		base.SecretKey = overlay.SecretKey
	}

	if overlay.UseSSL {
		base.UseSSL = overlay.UseSSL
	}

	if overlay.KeyHex != "" {
		base.KeyHex = overlay.KeyHex
	}

	return base
}

func validateConfig(cfg Config) error {
	if cfg.LibraryDir == "" {
		return errLibraryDirEmpty
	}

	return nil
}

// FormatConfig returns the config as formatted JSON, with secrets
// redacted.
func FormatConfig(cfg Config) (string, error) {
	redacted := cfg
	if redacted.SecretKey != "" {
		redacted.SecretKey = "REDACTED"
	}

	if redacted.KeyHex != "" {
		redacted.KeyHex = "REDACTED"
	}

	data, err := json.MarshalIndent(redacted, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to format config: %w", err)
	}

	return string(data), nil
}
