package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

// Environment variable names.
const (
	EnvPrefix      = "AGENTFLOW_"
	EnvParamPrefix = "AGENTFLOW_PARAM_"
	EnvConfigKey   = "AGENTFLOW_CONFIG_KEY"
)

// encPrefix marks an encrypted parameter value.
const encPrefix = "enc:"

// Config is the top-level application configuration.
type Config struct {
	Engine     EngineConfig      `yaml:"engine"`
	HTTP       HTTPConfig        `yaml:"http"`
	Store      StoreConfig       `yaml:"store"`
	Logger     LoggerConfig      `yaml:"logger"`
	Tracer     TracerConfig      `yaml:"tracer"`
	Parameters map[string]string `yaml:"parameters,omitempty"`
	Includes   []string          `yaml:"includes,omitempty"`
}

// EngineConfig holds workflow engine settings.
type EngineConfig struct {
	DefinitionsDir  string        `yaml:"definitions_dir"`
	Workflows       []string      `yaml:"workflows,omitempty"` // empty = every loaded workflow
	DefaultInterval time.Duration `yaml:"default_interval"`
	MaxBackoff      time.Duration `yaml:"max_backoff"`
	// ParameterEnv lists environment variables imported verbatim as parameters.
	ParameterEnv []string `yaml:"parameter_env,omitempty"`
}

// HTTPConfig holds settings shared by every HTTP tool.
type HTTPConfig struct {
	DefaultTimeout       time.Duration        `yaml:"default_timeout"`
	MaxResponseBytes     int64                `yaml:"max_response_bytes"`
	BlockPrivateNetworks bool                 `yaml:"block_private_networks"`
	UserAgent            string               `yaml:"user_agent"`
	CircuitBreaker       CircuitBreakerConfig `yaml:"circuit_breaker"`
	Pool                 PoolConfig           `yaml:"pool"`
}

// CircuitBreakerConfig holds per-tool circuit breaker settings.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// PoolConfig holds HTTP connection pool settings.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// StoreConfig selects where pass records are kept.
type StoreConfig struct {
	Backend    string `yaml:"backend"` // "none", "file" or "sqlite"
	Path       string `yaml:"path"`
	MaxRecords int    `yaml:"max_records"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`
}

// defaultDataDir returns the persistent data directory under $HOME/.agentflow/data.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".agentflow", "data")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Engine: EngineConfig{
			DefinitionsDir:  "workflows",
			DefaultInterval: 30 * time.Second,
			MaxBackoff:      10 * time.Minute,
		},
		HTTP: HTTPConfig{
			DefaultTimeout:   30 * time.Second,
			MaxResponseBytes: 4 << 20,
			UserAgent:        "agentflow/1.0",
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:     true,
				MaxFailures: 5,
				Timeout:     60 * time.Second,
				Interval:    60 * time.Second,
			},
			Pool: PoolConfig{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				MaxConnsPerHost:     0,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		Store: StoreConfig{
			Backend:    "file",
			Path:       filepath.Join(dataDir, "passes"),
			MaxRecords: 1000,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
		Parameters: map[string]string{},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts secrets.
// A missing file yields the defaults with env overrides applied.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return finish(cfg)
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	// First pass: unmarshal to get the includes list.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if len(cfg.Includes) > 0 {
		visited := map[string]bool{absPath: true}
		if err := processIncludes(cfg, filepath.Dir(absPath), visited, 0); err != nil {
			return nil, err
		}

		// Second pass: re-unmarshal main config so it takes precedence over includes.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config (second pass): %w", err)
		}
		cfg.Includes = nil
	}

	// Relative definition dirs are taken from the config file's directory.
	if cfg.Engine.DefinitionsDir != "" && !filepath.IsAbs(cfg.Engine.DefinitionsDir) {
		cfg.Engine.DefinitionsDir = filepath.Join(filepath.Dir(absPath), cfg.Engine.DefinitionsDir)
	}

	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv(EnvConfigKey); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps AGENTFLOW_* env vars to config fields.
// AGENTFLOW_PARAM_<NAME> sets parameter NAME; variables listed in
// engine.parameter_env are imported under their own name.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AGENTFLOW_ENGINE_DEFINITIONS_DIR"); v != "" {
		cfg.Engine.DefinitionsDir = v
	}
	if v := os.Getenv("AGENTFLOW_ENGINE_WORKFLOWS"); v != "" {
		cfg.Engine.Workflows = splitAndTrim(v, ",")
	}
	if v := os.Getenv("AGENTFLOW_ENGINE_DEFAULT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Engine.DefaultInterval = d
		}
	}
	if v := os.Getenv("AGENTFLOW_HTTP_DEFAULT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.HTTP.DefaultTimeout = d
		}
	}
	if v := os.Getenv("AGENTFLOW_HTTP_MAX_RESPONSE_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.HTTP.MaxResponseBytes = n
		}
	}
	if v := os.Getenv("AGENTFLOW_HTTP_BLOCK_PRIVATE_NETWORKS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.HTTP.BlockPrivateNetworks = b
		}
	}
	if v := os.Getenv("AGENTFLOW_STORE_BACKEND"); v != "" {
		cfg.Store.Backend = v
	}
	if v := os.Getenv("AGENTFLOW_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("AGENTFLOW_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("AGENTFLOW_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("AGENTFLOW_LOGGER_OUTPUT"); v != "" {
		cfg.Logger.Output = v
	}
	if v := os.Getenv("AGENTFLOW_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("AGENTFLOW_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}

	if cfg.Parameters == nil {
		cfg.Parameters = map[string]string{}
	}
	for _, name := range cfg.Engine.ParameterEnv {
		if v, ok := os.LookupEnv(name); ok {
			cfg.Parameters[name] = v
		}
	}
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, EnvParamPrefix) {
			continue
		}
		if name := strings.TrimPrefix(key, EnvParamPrefix); name != "" {
			cfg.Parameters[name] = value
		}
	}
}

// splitAndTrim splits s by sep and trims whitespace from each element.
func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// decryptSecrets finds "enc:..." parameter values and decrypts them.
func decryptSecrets(cfg *Config, passphrase string) error {
	for name, value := range cfg.Parameters {
		if !strings.HasPrefix(value, encPrefix) {
			continue
		}
		decrypted, err := DecryptValue(strings.TrimPrefix(value, encPrefix), passphrase)
		if err != nil {
			return fmt.Errorf("parameter %s: %w", name, err)
		}
		cfg.Parameters[name] = decrypted
	}
	return nil
}

// EncryptParameter returns the "enc:"-prefixed form of plaintext for use in
// the parameters section.
func EncryptParameter(plaintext, passphrase string) (string, error) {
	enc, err := EncryptValue(plaintext, passphrase)
	if err != nil {
		return "", err
	}
	return encPrefix + enc, nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	// Format: hex(salt) + ":" + hex(nonce+ciphertext)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts an AES-256-GCM encrypted value.
func DecryptValue(encrypted, passphrase string) (string, error) {
	saltHex, dataHex, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", fmt.Errorf("invalid encrypted format")
	}

	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}

	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}

	return string(plaintext), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
