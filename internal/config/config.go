package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/a8m/envsubst"
	"gopkg.in/yaml.v3"
)

type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	DataDir    string `yaml:"data_dir"`

	Redis       RedisConfig       `yaml:"redis"`
	Log         LogConfig         `yaml:"log"`
	Worker      WorkerConfig      `yaml:"worker"`
	Retention   RetentionConfig   `yaml:"retention"`
	Housekeeper HousekeeperConfig `yaml:"housekeeper"`
	API         APIConfig         `yaml:"api"`
	APIAuth     APIAuthConfig     `yaml:"api_auth"`

	IdempotencyTTL      time.Duration `yaml:"idempotency_ttl"`
	EstimateScanMinutes int           `yaml:"estimate_scan_minutes"`

	// ScannerPools holds the pool map inline. ScannersFile points at a
	// standalone pools file instead; the file wins when both are set and
	// is re-read on SIGHUP.
	ScannerPools Pools  `yaml:"scanner_pools"`
	ScannersFile string `yaml:"scanners_file"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  *bool  `yaml:"json"`
}

func (l LogConfig) JSONEnabled() bool {
	if l.JSON == nil {
		return true
	}
	return *l.JSON
}

type WorkerConfig struct {
	// Pools restricts which queues this worker consumes. Empty means all
	// configured pools. A single comma-separated entry is split, so the
	// whole list can arrive through one interpolated value.
	Pools              []string      `yaml:"pools"`
	Concurrency        int           `yaml:"concurrency"`
	MaxConcurrentScans int           `yaml:"max_concurrent_scans"`
	PollInterval       time.Duration `yaml:"poll_interval"`
	TaskDeadline       time.Duration `yaml:"task_deadline"`
	ShutdownGrace      time.Duration `yaml:"shutdown_grace"`
	// Coordination selects how scanner slot counters are tracked: "local"
	// keeps them in-process, "redis" shares them across worker processes.
	Coordination string `yaml:"coordination"`
}

type RetentionConfig struct {
	Completed time.Duration `yaml:"completed"`
	Failed    time.Duration `yaml:"failed"`
}

type HousekeeperConfig struct {
	Schedule string `yaml:"schedule"` // cron expression, defaults to @hourly
}

type APIConfig struct {
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`
	// TrustProxy enables honoring X-Forwarded-For / X-Real-IP without checking
	// the direct peer IP. Prefer leaving this false and relying on
	// private/loopback proxy checks.
	TrustProxy bool `yaml:"trust_proxy"`
}

type APIAuthConfig struct {
	Mode         string `yaml:"mode"` // "none", "basic", "token", "jwt"
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	PasswordHash string `yaml:"password_hash"` // bcrypt hash, wins over password
	Token        string `yaml:"token"`
	TokenHeader  string `yaml:"token_header"`
	JWTSecret    string `yaml:"jwt_secret"`
}

// InstanceConfig describes one remote scanner endpoint inside a pool.
type InstanceConfig struct {
	InstanceID    string `yaml:"instance_id"`
	Name          string `yaml:"name"`
	Endpoint      string `yaml:"endpoint"`
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
	AccessKey     string `yaml:"access_key"`
	SecretKey     string `yaml:"secret_key"`
	MaxConcurrent int    `yaml:"max_concurrent"`
	Enabled       *bool  `yaml:"enabled"`
	// InsecureSkipVerify disables TLS verification for this endpoint.
	// Scanner appliances commonly ship self-signed certificates.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

func (i InstanceConfig) IsEnabled() bool {
	if i.Enabled == nil {
		return true
	}
	return *i.Enabled
}

// Pools is an ordered pool-name to instance-list mapping. A plain map decode
// would lose YAML declaration order, and the first declared pool is the
// default submission target, so order is kept explicitly.
type Pools struct {
	Order  []string
	ByName map[string][]InstanceConfig
}

func (p *Pools) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("scanner pools must be a mapping of pool name to instance list")
	}
	p.Order = nil
	p.ByName = make(map[string][]InstanceConfig, len(value.Content)/2)
	for i := 0; i+1 < len(value.Content); i += 2 {
		name := value.Content[i].Value
		var instances []InstanceConfig
		if err := value.Content[i+1].Decode(&instances); err != nil {
			return fmt.Errorf("pool %q: %w", name, err)
		}
		if _, ok := p.ByName[name]; ok {
			return fmt.Errorf("duplicate pool %q", name)
		}
		p.Order = append(p.Order, name)
		p.ByName[name] = instances
	}
	return nil
}

const (
	minPollInterval = time.Second
	minTaskDeadline = time.Minute
)

var poolNamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Load reads the config file, applies ${NAME} / ${NAME:-default} environment
// interpolation to the raw bytes, unmarshals, and fills defaults. A missing
// file yields the default config.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path == "" {
		return applyDefaults(cfg)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return applyDefaults(cfg)
		}
		return nil, err
	}

	expanded, err := envsubst.Bytes(data)
	if err != nil {
		return nil, fmt.Errorf("expand environment variables: %w", err)
	}

	if err := yaml.Unmarshal(expanded, cfg); err != nil {
		return nil, err
	}

	return applyDefaults(cfg)
}

// LoadPools reads a standalone scanner pools file, the SIGHUP reload target.
// The file is a bare pool map in the same shape as the scanner_pools section.
func LoadPools(path string) (*Pools, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	expanded, err := envsubst.Bytes(data)
	if err != nil {
		return nil, fmt.Errorf("expand environment variables: %w", err)
	}
	var pools Pools
	if err := yaml.Unmarshal(expanded, &pools); err != nil {
		return nil, err
	}
	if err := validatePools(&pools); err != nil {
		return nil, err
	}
	return &pools, nil
}

// ResolvePools returns the effective pool map: the scanners_file contents when
// one is configured, the inline scanner_pools section otherwise.
func (c *Config) ResolvePools() (*Pools, error) {
	if c.ScannersFile != "" {
		return LoadPools(c.ScannersFile)
	}
	pools := c.ScannerPools
	return &pools, nil
}

func defaultConfig() *Config {
	return &Config{
		ListenAddr: ":8080",
		DataDir:    "./data",
		Redis: RedisConfig{
			Addr: "localhost:6379",
			DB:   0,
		},
		Log: LogConfig{
			Level: "info",
		},
		Worker: WorkerConfig{
			Concurrency:        4,
			MaxConcurrentScans: 8,
			PollInterval:       30 * time.Second,
			TaskDeadline:       24 * time.Hour,
			ShutdownGrace:      60 * time.Second,
			Coordination:       "local",
		},
		Retention: RetentionConfig{
			Completed: 7 * 24 * time.Hour,
			Failed:    30 * 24 * time.Hour,
		},
		Housekeeper: HousekeeperConfig{
			Schedule: "@hourly",
		},
		IdempotencyTTL:      48 * time.Hour,
		EstimateScanMinutes: 15,
	}
}

func applyDefaults(cfg *Config) (*Config, error) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./data"
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Worker.Concurrency < 1 {
		cfg.Worker.Concurrency = 4
	}
	if cfg.Worker.MaxConcurrentScans < 1 {
		cfg.Worker.MaxConcurrentScans = 8
	}
	if cfg.Worker.PollInterval == 0 {
		cfg.Worker.PollInterval = 30 * time.Second
	}
	if cfg.Worker.TaskDeadline == 0 {
		cfg.Worker.TaskDeadline = 24 * time.Hour
	}
	if cfg.Worker.ShutdownGrace == 0 {
		cfg.Worker.ShutdownGrace = 60 * time.Second
	}
	if cfg.Worker.Coordination == "" {
		cfg.Worker.Coordination = "local"
	}
	cfg.Worker.Pools = splitPoolList(cfg.Worker.Pools)
	if cfg.Retention.Completed == 0 {
		cfg.Retention.Completed = 7 * 24 * time.Hour
	}
	if cfg.Retention.Failed == 0 {
		cfg.Retention.Failed = 30 * 24 * time.Hour
	}
	if cfg.Housekeeper.Schedule == "" {
		cfg.Housekeeper.Schedule = "@hourly"
	}
	if cfg.IdempotencyTTL == 0 {
		cfg.IdempotencyTTL = 48 * time.Hour
	}
	if cfg.EstimateScanMinutes <= 0 {
		cfg.EstimateScanMinutes = 15
	}
	if cfg.API.RateLimitPerMinute == 0 {
		cfg.API.RateLimitPerMinute = 60
	}
	if cfg.APIAuth.Mode == "" {
		cfg.APIAuth.Mode = "none"
	}
	if cfg.APIAuth.TokenHeader == "" {
		cfg.APIAuth.TokenHeader = "X-API-Token"
	}

	if cfg.Worker.PollInterval < minPollInterval {
		return nil, fmt.Errorf("worker.poll_interval must be at least %s", minPollInterval)
	}
	if cfg.Worker.TaskDeadline < minTaskDeadline {
		return nil, fmt.Errorf("worker.task_deadline must be at least %s", minTaskDeadline)
	}
	switch cfg.Worker.Coordination {
	case "local", "redis":
	default:
		return nil, fmt.Errorf("worker.coordination must be local or redis, got %q", cfg.Worker.Coordination)
	}
	switch cfg.APIAuth.Mode {
	case "none", "basic", "token", "jwt":
	default:
		return nil, fmt.Errorf("api_auth.mode must be one of none, basic, token, jwt, got %q", cfg.APIAuth.Mode)
	}
	if cfg.APIAuth.Mode == "basic" && cfg.APIAuth.Username == "" {
		return nil, fmt.Errorf("api_auth.mode basic requires username")
	}
	if cfg.APIAuth.Mode == "basic" && cfg.APIAuth.Password == "" && cfg.APIAuth.PasswordHash == "" {
		return nil, fmt.Errorf("api_auth.mode basic requires password or password_hash")
	}
	if cfg.APIAuth.Mode == "token" && cfg.APIAuth.Token == "" {
		return nil, fmt.Errorf("api_auth.mode token requires token")
	}
	if cfg.APIAuth.Mode == "jwt" && cfg.APIAuth.JWTSecret == "" {
		return nil, fmt.Errorf("api_auth.mode jwt requires jwt_secret")
	}

	if err := validatePools(&cfg.ScannerPools); err != nil {
		return nil, err
	}

	return cfg, nil
}

func validatePools(pools *Pools) error {
	for _, name := range pools.Order {
		if !isValidPoolName(name) {
			return fmt.Errorf("invalid pool name %q", name)
		}
		seen := make(map[string]struct{})
		for i := range pools.ByName[name] {
			inst := &pools.ByName[name][i]
			if inst.InstanceID == "" {
				return fmt.Errorf("pool %q: instance_id is required", name)
			}
			if !isValidPoolName(inst.InstanceID) {
				return fmt.Errorf("pool %q: invalid instance_id %q", name, inst.InstanceID)
			}
			if _, ok := seen[inst.InstanceID]; ok {
				return fmt.Errorf("pool %q: duplicate instance_id %q", name, inst.InstanceID)
			}
			seen[inst.InstanceID] = struct{}{}
			if strings.TrimSpace(inst.Endpoint) == "" {
				return fmt.Errorf("pool %q instance %q: endpoint is required", name, inst.InstanceID)
			}
			if inst.MaxConcurrent <= 0 {
				inst.MaxConcurrent = 2
			}
		}
	}
	return nil
}

func splitPoolList(pools []string) []string {
	var out []string
	for _, entry := range pools {
		for _, part := range strings.Split(entry, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func isValidPoolName(name string) bool {
	if name == "" || len(name) > 255 {
		return false
	}
	return poolNamePattern.MatchString(name)
}
