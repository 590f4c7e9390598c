package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/loykin/craftd/internal/lifecycle"
	"github.com/loykin/craftd/internal/logger"
	"github.com/loykin/craftd/internal/readiness"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. CRAFTD_PROVIDER_TOKEN.
const EnvPrefix = "CRAFTD"

// Config represents the top-level TOML structure.
type Config struct {
	EnvFiles  []string           `toml:"env_files" mapstructure:"env_files"`
	Provider  ProviderConfig     `toml:"provider" mapstructure:"provider"`
	SSH       SSHConfig          `toml:"ssh" mapstructure:"ssh"`
	Console   ConsoleConfig      `toml:"console" mapstructure:"console"`
	Init      InitConfig         `toml:"init" mapstructure:"init"`
	Readiness readiness.Policy   `toml:"readiness" mapstructure:"readiness"`
	Teardown  lifecycle.Teardown `toml:"teardown" mapstructure:"teardown"`
	Server    ServerConfig       `toml:"server" mapstructure:"server"`
	Metrics   MetricsConfig      `toml:"metrics" mapstructure:"metrics"`
	Log       logger.Config      `toml:"log" mapstructure:"log"`
	Auth      AuthConfig         `toml:"auth" mapstructure:"auth"`
	History   HistoryConfig      `toml:"history" mapstructure:"history"`
	Schedules []ScheduleConfig   `toml:"schedules" mapstructure:"schedules"`
	Initial   InitialConfig      `toml:"initial" mapstructure:"initial"`
}

type ProviderConfig struct {
	Token     string        `toml:"token" mapstructure:"token"`
	BaseURL   string        `toml:"base_url" mapstructure:"base_url"`
	Timeout   time.Duration `toml:"timeout" mapstructure:"timeout"`
	RateLimit float64       `toml:"rate_limit" mapstructure:"rate_limit"`
	RateBurst int           `toml:"rate_burst" mapstructure:"rate_burst"`
	Droplet   DropletConfig `toml:"droplet" mapstructure:"droplet"`
}

// DropletConfig is the body of every create request.
type DropletConfig struct {
	Name       string   `toml:"name" mapstructure:"name"`
	Region     string   `toml:"region" mapstructure:"region"`
	Size       string   `toml:"size" mapstructure:"size"`
	Image      string   `toml:"image" mapstructure:"image"`
	SSHKeys    []string `toml:"ssh_keys" mapstructure:"ssh_keys"`
	Volumes    []string `toml:"volumes" mapstructure:"volumes"`
	Tags       []string `toml:"tags" mapstructure:"tags"`
	Monitoring bool     `toml:"monitoring" mapstructure:"monitoring"`
	Backups    bool     `toml:"backups" mapstructure:"backups"`
}

type SSHConfig struct {
	User           string        `toml:"user" mapstructure:"user"`
	Port           int           `toml:"port" mapstructure:"port"`
	PrivateKeyPath string        `toml:"private_key_path" mapstructure:"private_key_path"`
	Passphrase     string        `toml:"passphrase" mapstructure:"passphrase"`
	KnownHostsPath string        `toml:"known_hosts_path" mapstructure:"known_hosts_path"`
	Timeout        time.Duration `toml:"timeout" mapstructure:"timeout"`
}

type ConsoleConfig struct {
	RelayPath string `toml:"relay_path" mapstructure:"relay_path"`
	Password  string `toml:"password" mapstructure:"password"`
}

// InitConfig overrides the initialization script. Empty Commands keeps the
// built-in one. A nonzero exit is logged and skipped unless the command is
// listed in Strict.
type InitConfig struct {
	Commands []string `toml:"commands" mapstructure:"commands"`
	Strict   []string `toml:"strict" mapstructure:"strict"`
}

// Script returns the effective init script.
func (i InitConfig) Script() []lifecycle.InitCommand {
	if len(i.Commands) == 0 && len(i.Strict) == 0 {
		return nil
	}
	lines := i.Commands
	if len(lines) == 0 {
		lines = lifecycle.DefaultInitCommands
	}
	return lifecycle.Commands(lines, i.Strict...)
}

type ServerConfig struct {
	Listen        string     `toml:"listen" mapstructure:"listen"`
	BasePath      string     `toml:"base_path" mapstructure:"base_path"`
	TLS           *TLSConfig `toml:"tls" mapstructure:"tls"`
	TLSMinVersion string     `toml:"tls_min_version" mapstructure:"tls_min_version"`
	TLSMaxVersion string     `toml:"tls_max_version" mapstructure:"tls_max_version"`
}

type TLSConfig struct {
	Enabled      bool        `toml:"enabled" mapstructure:"enabled"`
	CertFile     string      `toml:"cert_file" mapstructure:"cert_file"`
	KeyFile      string      `toml:"key_file" mapstructure:"key_file"`
	Dir          string      `toml:"dir" mapstructure:"dir"`
	AutoGenerate bool        `toml:"auto_generate" mapstructure:"auto_generate"`
	AutoGen      *AutoGenTLS `toml:"auto_gen" mapstructure:"auto_gen"`
}

// AutoGenTLS tunes the self-signed certificate written when AutoGenerate is set.
type AutoGenTLS struct {
	CommonName   string   `toml:"common_name" mapstructure:"common_name"`
	Organization string   `toml:"organization" mapstructure:"organization"`
	DNSNames     []string `toml:"dns_names" mapstructure:"dns_names"`
	IPAddresses  []string `toml:"ip_addresses" mapstructure:"ip_addresses"`
	ValidDays    int      `toml:"valid_days" mapstructure:"valid_days"`
}

type MetricsConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Listen  string `toml:"listen" mapstructure:"listen"`
}

type AuthConfig struct {
	Enabled   bool          `toml:"enabled" mapstructure:"enabled"`
	JWTSecret string        `toml:"jwt_secret" mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `toml:"token_ttl" mapstructure:"token_ttl"`
	Users     []UserConfig  `toml:"users" mapstructure:"users"`
}

// UserConfig is a static API user. PasswordHash is a bcrypt hash.
type UserConfig struct {
	Username     string   `toml:"username" mapstructure:"username"`
	PasswordHash string   `toml:"password_hash" mapstructure:"password_hash"`
	Roles        []string `toml:"roles" mapstructure:"roles"`
}

type HistoryConfig struct {
	Sinks []string `toml:"sinks" mapstructure:"sinks"`
}

// ScheduleConfig is one periodic job. Action is "stop" or "console".
type ScheduleConfig struct {
	Name     string `toml:"name" mapstructure:"name"`
	Schedule string `toml:"schedule" mapstructure:"schedule"`
	Action   string `toml:"action" mapstructure:"action"`
	Command  string `toml:"command" mapstructure:"command"`
}

// InitialConfig forces the server record at startup, for a daemon restarted
// while a droplet is still running.
type InitialConfig struct {
	State      string `toml:"state" mapstructure:"state"`
	InstanceID string `toml:"instance_id" mapstructure:"instance_id"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env_files", []string{})

	v.SetDefault("provider.token", "")
	v.SetDefault("provider.base_url", "https://api.digitalocean.com")
	v.SetDefault("provider.timeout", 30*time.Second)
	v.SetDefault("provider.rate_limit", 5.0)
	v.SetDefault("provider.rate_burst", 10)
	v.SetDefault("provider.droplet.name", "discord-mcserver")
	v.SetDefault("provider.droplet.region", "")
	v.SetDefault("provider.droplet.size", "")
	v.SetDefault("provider.droplet.image", "")
	v.SetDefault("provider.droplet.ssh_keys", []string{})
	v.SetDefault("provider.droplet.volumes", []string{})
	v.SetDefault("provider.droplet.tags", []string{})
	v.SetDefault("provider.droplet.monitoring", true)
	v.SetDefault("provider.droplet.backups", false)

	v.SetDefault("ssh.user", "root")
	v.SetDefault("ssh.port", 22)
	v.SetDefault("ssh.private_key_path", "")
	v.SetDefault("ssh.passphrase", "")
	v.SetDefault("ssh.known_hosts_path", "")
	v.SetDefault("ssh.timeout", 15*time.Second)

	v.SetDefault("console.relay_path", "/mnt/discord_mcserver/minecraft/mcrcon")
	v.SetDefault("console.password", "localrcon")

	p := readiness.DefaultPolicy()
	v.SetDefault("readiness.interval", p.Interval)
	v.SetDefault("readiness.max_attempts", p.MaxAttempts)
	v.SetDefault("readiness.deadline", p.Deadline)
	v.SetDefault("readiness.settle", p.Settle)

	td := lifecycle.DefaultTeardown()
	v.SetDefault("teardown.save_command", td.SaveCommand)
	v.SetDefault("teardown.stop_command", td.StopCommand)
	v.SetDefault("teardown.poweroff_command", td.PoweroffCommand)
	v.SetDefault("teardown.save_settle", td.SaveSettle)
	v.SetDefault("teardown.stop_settle", td.StopSettle)
	v.SetDefault("teardown.poweroff_settle", td.PoweroffSettle)

	v.SetDefault("server.listen", "127.0.0.1:8080")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("server.tls_min_version", "")
	v.SetDefault("server.tls_max_version", "")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "127.0.0.1:9090")

	v.SetDefault("log.slog.level", "info")
	v.SetDefault("log.slog.format", "text")
	v.SetDefault("log.slog.color", false)
	v.SetDefault("log.slog.timestamps", true)
	v.SetDefault("log.slog.source", false)
	v.SetDefault("log.file.path", "")
	v.SetDefault("log.file.max_size_mb", 10)
	v.SetDefault("log.file.max_backups", 3)
	v.SetDefault("log.file.max_age_days", 0)
	v.SetDefault("log.file.compress", false)

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", 24*time.Hour)

	v.SetDefault("history.sinks", []string{})

	v.SetDefault("initial.state", "")
	v.SetDefault("initial.instance_id", "")
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	c, _ := decode(newViper())
	return c
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("toml")
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path (optional) and applies environment overrides. Values from
// env_files apply only to keys the process environment does not set.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	for _, f := range v.GetStringSlice("env_files") {
		pairs, err := loadEnvFile(f)
		if err != nil {
			return nil, fmt.Errorf("env file %s: %w", f, err)
		}
		applyEnvFile(v, pairs)
	}
	c, err := decode(v)
	if err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &c, nil
}

// EnvName is the environment variable overriding a config key.
func EnvName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

func applyEnvFile(v *viper.Viper, pairs map[string]string) {
	for _, key := range v.AllKeys() {
		name := EnvName(key)
		val, ok := pairs[name]
		if !ok {
			continue
		}
		if _, set := os.LookupEnv(name); set {
			continue
		}
		v.Set(key, val)
	}
}

var validActions = map[string]bool{"stop": true, "console": true}

// Validate enforces required fields and sane durations.
func (c *Config) Validate() error {
	var errs []error
	if c.Readiness.Interval < 0 || c.Readiness.Deadline < 0 || c.Readiness.Settle < 0 {
		errs = append(errs, errors.New("readiness durations must not be negative"))
	}
	if c.Readiness.MaxAttempts < 0 {
		errs = append(errs, errors.New("readiness.max_attempts must not be negative"))
	}
	if c.Teardown.SaveSettle < 0 || c.Teardown.StopSettle < 0 || c.Teardown.PoweroffSettle < 0 {
		errs = append(errs, errors.New("teardown settles must not be negative"))
	}
	if c.SSH.Port < 0 || c.SSH.Port > 65535 {
		errs = append(errs, fmt.Errorf("ssh.port %d out of range", c.SSH.Port))
	}
	lines := c.Init.Commands
	if len(lines) == 0 {
		lines = lifecycle.DefaultInitCommands
	}
	for _, cmd := range c.Init.Strict {
		if !slices.Contains(lines, cmd) {
			errs = append(errs, fmt.Errorf("init.strict: %q is not an init command", cmd))
		}
	}
	if c.Initial.State != "" {
		if _, err := lifecycle.ParseState(c.Initial.State); err != nil {
			errs = append(errs, fmt.Errorf("initial.state: %w", err))
		}
	}
	if c.Auth.Enabled {
		if c.Auth.JWTSecret == "" {
			errs = append(errs, errors.New("auth.jwt_secret is required when auth is enabled"))
		}
		if len(c.Auth.Users) == 0 {
			errs = append(errs, errors.New("auth.users must not be empty when auth is enabled"))
		}
		for i, u := range c.Auth.Users {
			if u.Username == "" || u.PasswordHash == "" {
				errs = append(errs, fmt.Errorf("auth.users[%d] requires username and password_hash", i))
			}
		}
	}
	for i, s := range c.Schedules {
		if s.Schedule == "" {
			errs = append(errs, fmt.Errorf("schedules[%d] requires schedule", i))
		}
		if !validActions[s.Action] {
			errs = append(errs, fmt.Errorf("schedules[%d]: unknown action %q", i, s.Action))
		}
		if s.Action == "console" && s.Command == "" {
			errs = append(errs, fmt.Errorf("schedules[%d]: console action requires command", i))
		}
	}
	return errors.Join(errs...)
}

// ValidateServe checks what the daemon needs on top of Validate.
func (c *Config) ValidateServe() error {
	var errs []error
	if c.Provider.Token == "" {
		errs = append(errs, fmt.Errorf("provider.token is required (or %s)", EnvName("provider.token")))
	}
	d := c.Provider.Droplet
	if d.Region == "" || d.Size == "" || d.Image == "" {
		errs = append(errs, errors.New("provider.droplet requires region, size and image"))
	}
	if c.SSH.PrivateKeyPath == "" {
		errs = append(errs, errors.New("ssh.private_key_path is required"))
	}
	return errors.Join(errs...)
}

// LoadEnvFile parses a simple .env file and returns a slice of "KEY=VALUE" entries.
func LoadEnvFile(path string) ([]string, error) {
	m, err := loadEnvFile(path)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out, nil
}

// loadEnvFile parses a simple .env file with KEY=VALUE lines (no export, no quotes). Lines starting with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	// Mitigate G304: sanitize user-provided path by cleaning it before use.
	clean := filepath.Clean(path)
	b, err := os.ReadFile(clean)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i >= 0 {
			k := strings.TrimSpace(line[:i])
			v := strings.TrimSpace(line[i+1:])
			m[k] = v
		}
	}
	return m, nil
}
