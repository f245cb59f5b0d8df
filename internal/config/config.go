// Package config loads certcentral's declarative configuration file
// (spec.md §6): ACME accounts, DNS challenge providers, the certificates to
// maintain, and the scheduler/store tuning knobs.
//
// The format is YAML, decoded with gopkg.in/yaml.v3 (the YAML library of
// choice in caddyserver/caddy's module graph) through a strict pass that
// rejects unrecognized keys — yaml.v3 has no DisallowUnknownFields
// equivalent to encoding/json's Decoder, so the strict check walks the
// raw mapping nodes itself (see strict.go).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wikimedia/operations-software-certcentral/internal/cryptoutil"
)

// EnvConfigPath and EnvStateDir are the environment variables spec.md §6
// recognizes. No secrets are read from the environment; these only locate
// files.
const (
	EnvConfigPath = "CERTCENTRAL_CONFIG"
	EnvStateDir   = "CERTCENTRAL_STATE_DIR"
)

// Config is the root of the configuration file.
type Config struct {
	Accounts   map[string]Account            `yaml:"accounts"`
	Challenges Challenges                    `yaml:"challenges"`
	Certificates map[string]CertSpec         `yaml:"certificates"`
	Scheduler  Scheduler                     `yaml:"scheduler"`
	Store      Store                         `yaml:"store"`
}

// Account is one ACME account binding (spec.md §3).
type Account struct {
	Directory string   `yaml:"directory"`
	Contact   []string `yaml:"contact"`
	KeyPath   string   `yaml:"key_path"`
}

// Challenges configures both challenge fulfillers.
type Challenges struct {
	HTTP01 HTTP01Challenge        `yaml:"http01"`
	DNS01  DNS01Challenge         `yaml:"dns01"`
}

// HTTP01Challenge configures the http-01 fulfiller.
type HTTP01Challenge struct {
	ChallengesDir string   `yaml:"challenges_dir"`
	SelfCheckURLs []string `yaml:"self_check_urls"`
}

// DNS01Challenge configures the dns-01 fulfiller's provider bindings.
type DNS01Challenge struct {
	Providers map[string]DNSProvider `yaml:"providers"`
}

// DNSProvider is one DNS provider binding (spec.md §3): identity, driver
// kind, opaque credentials, and the zones it is authoritative for.
type DNSProvider struct {
	Driver      string            `yaml:"driver"`
	Credentials map[string]string `yaml:"credentials"`
	Zones       []string          `yaml:"zones"`
}

// Recognized DNS driver kinds.
const (
	DriverDigitalOcean = "digitalocean"
	DriverGoogleCloud  = "google-cloud-dns"
	DriverCloudflare   = "cloudflare"
)

// CertSpec is one certificate's declarative identity (spec.md §3).
type CertSpec struct {
	CN        string            `yaml:"CN"`
	SAN       []string          `yaml:"SAN"`
	KeyType   cryptoutil.KeyKind `yaml:"key_type"`
	Challenge string            `yaml:"challenge"`
	Account   string            `yaml:"account"`
	Staging   bool              `yaml:"staging"`

	// name is populated from the certificates map key, not the YAML body.
	name string
}

// Name returns the certificate's stable identity (the map key it was
// declared under).
func (c CertSpec) Name() string { return c.name }

// WithName returns a copy of c bound to name, for constructing a CertSpec
// outside of Load (tests, administrative tooling).
func (c CertSpec) WithName(name string) CertSpec {
	c.name = name
	return c
}

// SANs returns the full SAN set, with CN included if not already present
// among the configured SAN list.
func (c CertSpec) SANs() []string {
	for _, s := range c.SAN {
		if s == c.CN {
			return c.SAN
		}
	}
	return append([]string{c.CN}, c.SAN...)
}

// Scheduler tunes the state machine (spec.md §4.5, §6).
type Scheduler struct {
	Workers          int           `yaml:"workers"`
	RenewalRatio     float64       `yaml:"renewal_ratio"`
	BackoffBase      Duration      `yaml:"backoff_base"`
	BackoffCap       Duration      `yaml:"backoff_cap"`
	ConcurrentOrders int           `yaml:"concurrent_orders"`
}

// Duration wraps time.Duration so the config file can write Go duration
// strings ("30s", "1h") for backoff_base/backoff_cap. yaml.v3 decodes a
// bare time.Duration as its underlying int64 (nanoseconds) with no unit
// suffix support, unlike encoding/json's UnmarshalText path, so this type
// implements yaml.Unmarshaler itself.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("duration must be a string (e.g. \"30s\") or integer nanoseconds")
	}
	*d = Duration(n)
	return nil
}

// Defaults, per spec.md §4.5.
const (
	DefaultWorkers          = 4
	DefaultRenewalRatio     = 2.0 / 3.0
	DefaultBackoffBase      = 30 * time.Second
	DefaultBackoffCap       = time.Hour
	DefaultConcurrentOrders = 4
	DefaultArchiveKeep      = 5
)

func (s Scheduler) withDefaults() Scheduler {
	if s.Workers == 0 {
		s.Workers = DefaultWorkers
	}
	if s.RenewalRatio == 0 {
		s.RenewalRatio = DefaultRenewalRatio
	}
	if s.BackoffBase == 0 {
		s.BackoffBase = Duration(DefaultBackoffBase)
	}
	if s.BackoffCap == 0 {
		s.BackoffCap = Duration(DefaultBackoffCap)
	}
	if s.ConcurrentOrders == 0 {
		s.ConcurrentOrders = DefaultConcurrentOrders
	}
	return s
}

// Store configures the on-disk certificate layout (spec.md §4.4, §6).
type Store struct {
	BasePath    string `yaml:"base_path"`
	ArchiveKeep int    `yaml:"archive_keep"`
}

// Load reads and strictly parses the configuration file at path.
// Recognized keys are enumerated exhaustively in spec.md §6; unknown keys
// fail startup with a ConfigError (exit code 64 per spec.md §6).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Op: "read config", Err: err}
	}
	if err := checkUnknownKeys(data); err != nil {
		return nil, &Error{Op: "validate config", Err: err}
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, &Error{Op: "parse config", Err: err}
	}
	cfg.Scheduler = cfg.Scheduler.withDefaults()
	if cfg.Store.ArchiveKeep == 0 {
		cfg.Store.ArchiveKeep = DefaultArchiveKeep
	}

	for name, spec := range cfg.Certificates {
		spec.name = name
		cfg.Certificates[name] = spec
	}

	if err := cfg.validate(); err != nil {
		return nil, &Error{Op: "validate config", Err: err}
	}
	return &cfg, nil
}

// LoadFromEnv loads the file named by EnvConfigPath, applying
// EnvStateDir as a Store.BasePath override (spec.md §6).
func LoadFromEnv() (*Config, error) {
	path := os.Getenv(EnvConfigPath)
	if path == "" {
		return nil, &Error{Op: "load config", Err: fmt.Errorf("%s is not set", EnvConfigPath)}
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	if dir := os.Getenv(EnvStateDir); dir != "" {
		cfg.Store.BasePath = dir
	}
	return cfg, nil
}

func (c *Config) validate() error {
	seenProdNames := make(map[string]string) // CN+account-family -> name, for the staging/production distinct-name rule
	for name, spec := range c.Certificates {
		if spec.KeyType == "" {
			return fmt.Errorf("certificate %q: key_type is required", name)
		}
		if spec.Challenge != "http-01" && spec.Challenge != "dns-01" {
			return fmt.Errorf("certificate %q: challenge must be http-01 or dns-01, got %q", name, spec.Challenge)
		}
		account, ok := c.Accounts[spec.Account]
		if !ok {
			return fmt.Errorf("certificate %q: unknown account %q", name, spec.Account)
		}
		_ = account

		// Two certificate names that share the same CN and account are
		// rejected, so each CN/account pair maps to exactly one store entry.
		key := spec.CN + "|" + spec.Account
		if other, ok := seenProdNames[key]; ok && other != name {
			return fmt.Errorf("certificates %q and %q share a CN/account pair; use distinct names for staging vs production", name, other)
		}
		seenProdNames[key] = name
	}
	return nil
}

// Error corresponds to spec.md §7's ConfigError: fatal for the record (or
// the whole daemon, at startup) until configuration changes; never brings
// down an already-running daemon by itself.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("config: %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }
