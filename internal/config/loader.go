package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands ${ENV_VAR}
// references, and validates the result. Useful in tests where configs
// are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}

	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(expandEnv(string(raw))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envRefPattern matches ${NAME} references with shell-style variable names.
var envRefPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${NAME} with the value of the environment variable
// NAME. Unset variables expand to the empty string so a missing secret
// fails validation instead of being passed through verbatim.
func expandEnv(s string) string {
	return envRefPattern.ReplaceAllStringFunc(s, func(ref string) string {
		name := envRefPattern.FindStringSubmatch(ref)[1]
		return os.Getenv(name)
	})
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Logging.Level != "" && !cfg.Logging.Level.IsValid() {
		errs = append(errs, fmt.Errorf("logging.level %q is invalid; valid values: debug, info, warn, error", cfg.Logging.Level))
	}

	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}
	if strings.Contains(cfg.Server.PublicHost, "://") {
		errs = append(errs, fmt.Errorf("server.public_host %q must be a bare hostname without a scheme", cfg.Server.PublicHost))
	}

	if cfg.Model.APIKey == "" {
		errs = append(errs, errors.New("model.api_key is required"))
	}
	if cfg.Model.BaseURL != "" {
		if u, err := url.Parse(cfg.Model.BaseURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			errs = append(errs, fmt.Errorf("model.base_url %q must be a ws:// or wss:// URL", cfg.Model.BaseURL))
		}
	}
	if cfg.Model.MaxOutputTokens < 0 {
		errs = append(errs, errors.New("model.max_output_tokens must not be negative"))
	}
	if t := cfg.Model.Temperature; t != nil && (*t < 0 || *t > 2) {
		errs = append(errs, fmt.Errorf("model.temperature %.2f is out of range [0.0, 2.0]", *t))
	}

	if v := cfg.VAD.SpeechThreshold; v < 0 || v > 1 {
		errs = append(errs, fmt.Errorf("vad.speech_threshold %.2f is out of range [0.0, 1.0]", v))
	}
	if cfg.VAD.SilenceDurationMs < 0 {
		errs = append(errs, errors.New("vad.silence_duration_ms must not be negative"))
	}
	if cfg.VAD.MinSpeechDurationMs < 0 {
		errs = append(errs, errors.New("vad.min_speech_duration_ms must not be negative"))
	}

	if cfg.Scheduler.WebhookURL != "" {
		if u, err := url.Parse(cfg.Scheduler.WebhookURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			errs = append(errs, fmt.Errorf("scheduler.webhook_url %q must be an http(s) URL", cfg.Scheduler.WebhookURL))
		}
	}
	if cfg.Scheduler.TimeoutSeconds < 0 {
		errs = append(errs, errors.New("scheduler.timeout_seconds must not be negative"))
	}

	return errors.Join(errs...)
}
