package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for signalgw.
type Config struct {
	General     GeneralConfig     `json:"general" yaml:"general"`
	Gateways    []GatewayConfig   `json:"gateways" yaml:"gateways"`
	Attachments AttachmentsConfig `json:"attachments" yaml:"attachments"`
	Metrics     MetricsConfig     `json:"metrics" yaml:"metrics"`
}

type GeneralConfig struct {
	LogLevel string `json:"logLevel" yaml:"logLevel"`
	LogFile  string `json:"logFile,omitempty" yaml:"logFile,omitempty"` // optional log file path
}

// GatewayConfig is one signal-cli-rest-api account binding.
type GatewayConfig struct {
	Name             string         `json:"name" yaml:"name"`
	APIURL           string         `json:"apiUrl" yaml:"apiUrl"`
	Number           string         `json:"number" yaml:"number"`
	WebsocketEnabled bool           `json:"websocketEnabled" yaml:"websocketEnabled"`
	Recipients       FlexStringList `json:"recipients,omitempty" yaml:"recipients,omitempty"`
	TextMode         string         `json:"textMode,omitempty" yaml:"textMode,omitempty"` // "normal" | "styled"
}

type AttachmentsConfig struct {
	MaxSizeBytes int64 `json:"maxSizeBytes" yaml:"maxSizeBytes"`
}

// MetricsConfig configures the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Host    string `json:"host" yaml:"host"`
	Port    int    `json:"port" yaml:"port"`
}

// FlexStringList is a []string that also accepts numbers, because recipient
// phone numbers written without quotes lose their string-ness (and their
// leading +) on the way through JSON or YAML.
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	// Try []string first
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	// Fallback: array of mixed types
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

func (f *FlexStringList) UnmarshalYAML(value *yaml.Node) error {
	var items []yaml.Node
	if err := value.Decode(&items); err != nil {
		return err
	}
	result := make([]string, 0, len(items))
	for _, item := range items {
		var s string
		if err := item.Decode(&s); err == nil {
			result = append(result, s)
			continue
		}
		var n int64
		if err := item.Decode(&n); err == nil {
			result = append(result, strconv.FormatInt(n, 10))
			continue
		}
		result = append(result, item.Value)
	}
	*f = result
	return nil
}

// DefaultConfigDir returns the default config directory (~/.signalgw).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".signalgw"
	}
	return filepath.Join(home, ".signalgw")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func isYAMLPath(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if isYAMLPath(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	path = ExpandPath(path)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	var data []byte
	var err error
	if isYAMLPath(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}

// Validate checks that the config has valid values. Gateway names must be
// unique within one config file; the active set is additionally guarded by
// the gateway registry at registration time.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "", "debug", "info", "warn", "error":
		// valid
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if cfg.Attachments.MaxSizeBytes < 1 {
		errs = append(errs, "attachments.maxSizeBytes must be >= 1")
	}

	if cfg.Metrics.Port < 0 || cfg.Metrics.Port > 65535 {
		errs = append(errs, "metrics.port must be between 0 and 65535")
	}

	seen := make(map[string]bool)
	for i, gw := range cfg.Gateways {
		prefix := fmt.Sprintf("gateways[%d]", i)
		if gw.Name == "" {
			errs = append(errs, prefix+": name is required")
		} else if seen[gw.Name] {
			errs = append(errs, fmt.Sprintf("%s: duplicate gateway name: %s", prefix, gw.Name))
		}
		seen[gw.Name] = true

		if !strings.HasPrefix(gw.APIURL, "http://") && !strings.HasPrefix(gw.APIURL, "https://") {
			errs = append(errs, prefix+": apiUrl must start with http:// or https://")
		}
		if gw.Number == "" {
			errs = append(errs, prefix+": number is required")
		}
		switch gw.TextMode {
		case "", "normal", "styled":
			// valid
		default:
			errs = append(errs, prefix+": textMode must be one of: normal, styled")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
