package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tysjosh/mindshop-sub016/internal/domain/tenant"
	"github.com/tysjosh/mindshop-sub016/internal/encryption"
)

// Cache drivers.
const (
	CacheDriverRedis  = "redis"
	CacheDriverMemory = "memory"
)

// Config holds the mindshop data access service configuration.
type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Database  DatabaseConfig  `yaml:"database"`
	Cache     CacheConfig     `yaml:"cache"`
	Security  SecurityConfig  `yaml:"security"`
	Audit     AuditConfig     `yaml:"audit"`
	Workers   WorkersConfig   `yaml:"workers"`
	Auth      AuthConfig      `yaml:"auth"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error (default: determined by env)
}

// HTTPConfig holds HTTP server settings.
type HTTPConfig struct {
	Port            int `yaml:"port"`
	ReadTimeoutSec  int `yaml:"read_timeout_sec"`
	WriteTimeoutSec int `yaml:"write_timeout_sec"`
	ShutdownSec     int `yaml:"shutdown_timeout_sec"`
}

// DatabaseConfig holds PostgreSQL connection and pool settings.
type DatabaseConfig struct {
	// DSN, when set, overrides the individual connection fields.
	DSN               string `yaml:"dsn"`
	Host              string `yaml:"host"`
	Port              int    `yaml:"port"`
	Name              string `yaml:"name"`
	User              string `yaml:"user"`
	Password          string `yaml:"password"`
	SSLMode           string `yaml:"ssl_mode"`
	MaxOpenConns      int    `yaml:"max_open_conns"`
	MaxIdleConns      int    `yaml:"max_idle_conns"`
	IdleTimeoutSec    int    `yaml:"idle_timeout_sec"`
	ConnLifetimeSec   int    `yaml:"conn_lifetime_sec"`
	ConnectTimeoutSec int    `yaml:"connect_timeout_sec"`
	ReadinessTimeout  int    `yaml:"readiness_timeout_sec"`
	// StatsRefreshSec is the document_stats refresh period. A negative value disables the task.
	StatsRefreshSec int `yaml:"stats_refresh_sec"`
}

// ConnString returns DSN or a key/value connection string built from the fields.
func (d DatabaseConfig) ConnString() string {
	if d.DSN != "" {
		return d.DSN
	}
	parts := []string{
		"host=" + d.Host,
		fmt.Sprintf("port=%d", d.Port),
		"dbname=" + d.Name,
		"user=" + d.User,
	}
	if d.Password != "" {
		parts = append(parts, "password="+d.Password)
	}
	parts = append(parts,
		"sslmode="+d.SSLMode,
		fmt.Sprintf("connect_timeout=%d", d.ConnectTimeoutSec),
	)
	return strings.Join(parts, " ")
}

// CacheConfig holds cache backend and freshness settings.
type CacheConfig struct {
	Driver               string   `yaml:"driver"` // redis, memory (default: memory)
	Addrs                []string `yaml:"addrs"`
	Password             string   `yaml:"password"`
	DB                   int      `yaml:"db"`
	KeyPrefix            string   `yaml:"key_prefix"`
	ReadinessTimeout     int      `yaml:"readiness_timeout_sec"`
	DocumentTTLSec       int      `yaml:"document_ttl_sec"`
	SKUTTLSec            int      `yaml:"sku_ttl_sec"`
	VectorTTLSec         int      `yaml:"vector_ttl_sec"`
	StatsTTLSec          int      `yaml:"stats_ttl_sec"`
	StaleTTLSec          int      `yaml:"stale_ttl_sec"`
	GracePeriodSec       int      `yaml:"grace_period_sec"`
	RevalidateTimeoutSec int      `yaml:"revalidate_timeout_sec"`
}

// SecurityConfig holds encryption and isolation settings.
type SecurityConfig struct {
	MasterKey       string   `yaml:"master_key"`
	SensitiveFields []string `yaml:"sensitive_fields"`
	// TenantTables always receive a merchant_id predicate.
	TenantTables []string `yaml:"tenant_tables"`
	// SharedTables hold no merchant data and pass through unscoped.
	SharedTables []string `yaml:"shared_tables"`
}

// AuditConfig bounds the in-memory query metrics buffer.
type AuditConfig struct {
	MaxEntries       int `yaml:"max_entries"`
	MaxAgeSec        int `yaml:"max_age_sec"`
	PruneIntervalSec int `yaml:"prune_interval_sec"`
}

// WorkersConfig sizes the worker pools.
type WorkersConfig struct {
	SearchCapacity     int `yaml:"search_capacity"`
	RevalidateCapacity int `yaml:"revalidate_capacity"`
	ReleaseTimeoutSec  int `yaml:"release_timeout_sec"`
}

// AuthConfig holds API authentication settings.
type AuthConfig struct {
	APIKeys []APIKeyConfig `yaml:"api_keys"`
}

// APIKeyConfig binds one API key to a tenant identity.
type APIKeyConfig struct {
	Key        string `yaml:"key"`
	MerchantID string `yaml:"merchant_id"`
	Role       string `yaml:"role"`
	Isolation  string `yaml:"isolation"`
}

// Tenant returns the validated tenant context this key authenticates.
func (k APIKeyConfig) Tenant() (tenant.Context, error) {
	t, err := tenant.New(k.MerchantID, tenant.Role(k.Role), tenant.IsolationLevel(k.Isolation))
	if err != nil {
		return tenant.Context{}, fmt.Errorf("tenant: %w", err)
	}
	return t, nil
}

// EmbeddingConfig holds the optional text query embedding provider.
// An empty APIKey disables text queries.
type EmbeddingConfig struct {
	Provider         string `yaml:"provider"`
	APIKey           string `yaml:"api_key"`
	BaseURL          string `yaml:"base_url"`
	Model            string `yaml:"model"`
	Dimensions       int    `yaml:"dimensions"`
	QueryInstruction string `yaml:"query_instruction"`
	TimeoutSec       int    `yaml:"timeout_sec"`
	CacheTTLSec      int    `yaml:"cache_ttl_sec"`
}

// Enabled reports whether a provider is configured.
func (e EmbeddingConfig) Enabled() bool { return e.APIKey != "" }

// Load reads configuration from a YAML file by environment name (local, dev, prod).
func Load(env string) (Config, error) {
	configPath := findConfigPath(env)

	data, err := os.ReadFile(filepath.Clean(configPath))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", configPath, err)
	}

	return Parse(data)
}

// Parse expands environment variables, decodes YAML, applies defaults and validates.
func Parse(data []byte) (Config, error) {
	data = expandEnvVars(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// GetEnv returns the current environment from the ENV variable, defaulting to "local".
func GetEnv() string {
	if env := os.Getenv("ENV"); env != "" {
		return env
	}
	return "local"
}

// ApplyDefaults fills empty fields with default values.
func (c *Config) ApplyDefaults() {
	setDefault(&c.HTTP.ReadTimeoutSec, 10)
	setDefault(&c.HTTP.WriteTimeoutSec, 30)
	setDefault(&c.HTTP.ShutdownSec, 10)

	setDefault(&c.Database.Port, 5432)
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	setDefault(&c.Database.MaxOpenConns, 20)
	setDefault(&c.Database.MaxIdleConns, 5)
	setDefault(&c.Database.IdleTimeoutSec, 30)
	setDefault(&c.Database.ConnLifetimeSec, 1800)
	setDefault(&c.Database.ConnectTimeoutSec, 2)
	setDefault(&c.Database.ReadinessTimeout, 10)
	if c.Database.StatsRefreshSec == 0 {
		c.Database.StatsRefreshSec = 300
	}

	if c.Cache.Driver == "" {
		c.Cache.Driver = CacheDriverMemory
	}
	if c.Cache.KeyPrefix == "" {
		c.Cache.KeyPrefix = "mindshop:"
	}
	setDefault(&c.Cache.ReadinessTimeout, 10)
	setDefault(&c.Cache.DocumentTTLSec, 3600)
	setDefault(&c.Cache.SKUTTLSec, 1800)
	setDefault(&c.Cache.VectorTTLSec, 1800)
	setDefault(&c.Cache.StatsTTLSec, 300)
	setDefault(&c.Cache.StaleTTLSec, 300)
	setDefault(&c.Cache.GracePeriodSec, 1500)
	setDefault(&c.Cache.RevalidateTimeoutSec, 10)

	if len(c.Security.SensitiveFields) == 0 {
		c.Security.SensitiveFields = []string{"email", "phone", "address", "payment_token", "card_number"}
	}
	if len(c.Security.TenantTables) == 0 {
		c.Security.TenantTables = []string{"documents", "document_stats"}
	}

	setDefault(&c.Audit.MaxEntries, 1000)
	setDefault(&c.Audit.MaxAgeSec, 86400)
	setDefault(&c.Audit.PruneIntervalSec, 60)

	setDefault(&c.Workers.SearchCapacity, 16)
	setDefault(&c.Workers.RevalidateCapacity, 4)
	setDefault(&c.Workers.ReleaseTimeoutSec, 10)

	if c.Embedding.Provider == "" {
		c.Embedding.Provider = "openai"
	}
	if c.Embedding.Model == "" {
		c.Embedding.Model = "text-embedding-3-small"
	}
	setDefault(&c.Embedding.Dimensions, 1536)
	setDefault(&c.Embedding.TimeoutSec, 15)
	setDefault(&c.Embedding.CacheTTLSec, 86400)
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTP.Port)
	}
	if c.Database.DSN == "" && c.Database.Host == "" {
		return errors.New("database.dsn or database.host is required")
	}
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		return fmt.Errorf("database.max_idle_conns (%d) exceeds max_open_conns (%d)",
			c.Database.MaxIdleConns, c.Database.MaxOpenConns)
	}

	switch c.Cache.Driver {
	case CacheDriverMemory:
	case CacheDriverRedis:
		if len(c.Cache.Addrs) == 0 {
			return errors.New("cache.addrs is required for the redis driver")
		}
	default:
		return fmt.Errorf("cache.driver must be %q or %q, got %q", CacheDriverRedis, CacheDriverMemory, c.Cache.Driver)
	}

	if len(c.Security.MasterKey) < encryption.MinMasterKeyLen {
		return fmt.Errorf("security.master_key must be at least %d bytes", encryption.MinMasterKeyLen)
	}

	seen := make(map[string]struct{}, len(c.Auth.APIKeys))
	for i, k := range c.Auth.APIKeys {
		if k.Key == "" {
			return fmt.Errorf("auth.api_keys[%d].key is required", i)
		}
		if _, dup := seen[k.Key]; dup {
			return fmt.Errorf("auth.api_keys[%d] duplicates an earlier key", i)
		}
		seen[k.Key] = struct{}{}
		if _, err := k.Tenant(); err != nil {
			return fmt.Errorf("auth.api_keys[%d]: %w", i, err)
		}
	}

	if c.Embedding.Enabled() && c.Embedding.Model == "" {
		return errors.New("embedding.model is required when embedding.api_key is set")
	}
	return nil
}

func setDefault(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

// findConfigPath locates the config file.
func findConfigPath(env string) string {
	filename := fmt.Sprintf("%s.yaml", env)

	// 1. Check ./config/
	if path := filepath.Join("config", filename); fileExists(path) {
		return path
	}

	// 2. Check relative to the source file
	_, b, _, _ := runtime.Caller(0)
	projectRoot := filepath.Dir(filepath.Dir(filepath.Dir(b))) // internal/config -> project root
	if path := filepath.Join(projectRoot, "config", filename); fileExists(path) {
		return path
	}

	// 3. Fallback to ./config/
	return filepath.Join("config", filename)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment variable values.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1]) // strip ${ and }
		varName, defaultVal, hasDefault := strings.Cut(expr, ":-")
		val := os.Getenv(varName)
		if val == "" && hasDefault {
			val = defaultVal
		}
		return []byte(val)
	})
}
